package kms

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRoot(t *testing.T) {
	_, err := NewStaticRoot(make([]byte, 16))
	assert.Error(t, err, "Should fail with secret < 32 bytes")

	_, err = NewStaticRootFromHex("zz")
	assert.Error(t, err)

	root, err := NewStaticRootFromHex("0x" + string(bytes.Repeat([]byte("ab"), 32)))
	require.NoError(t, err)

	k, err := root.DeriveKey([]byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	root.Erase()
	_, err = root.DeriveKey([]byte("salt"), []byte("info"), 32)
	require.ErrorIs(t, err, interfaces.ErrDerivationUnavailable)
}

func TestFileRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_sgx_mrenclave")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x11}, 16), 0o600))

	root := &FileRoot{Path: path}
	k1, err := root.DeriveKey([]byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	k2, err := root.DeriveKey([]byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	require.NoError(t, os.WriteFile(path, []byte{0x01}, 0o600))
	_, err = root.DeriveKey([]byte("salt"), []byte("info"), 32)
	require.ErrorIs(t, err, interfaces.ErrDerivationUnavailable)

	require.NoError(t, os.Remove(path))
	_, err = root.DeriveKey([]byte("salt"), []byte("info"), 32)
	require.ErrorIs(t, err, interfaces.ErrDerivationUnavailable)
}
