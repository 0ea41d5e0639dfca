package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-sealing-key-provider/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "admin.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600))

	loaded, err := readAdminKey(keyPath)
	require.NoError(t, err)
	assert.Equal(t, priv, loaded)

	sharePath := filepath.Join(dir, "share-1.json")
	require.NoError(t, writeShareFile(sharePath, kms.ShareFile{Share: "0102"}))

	sf, err := readShareFile(sharePath)
	require.NoError(t, err)
	assert.Equal(t, "0102", sf.Share)
	assert.Empty(t, sf.Signature)

	_, err = readAdminKey(sharePath)
	assert.Error(t, err)
}
