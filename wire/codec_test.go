package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuote() *interfaces.Quote {
	return &interfaces.Quote{
		Type:        interfaces.SoftwareAttestation,
		Measurement: interfaces.Measurement{0x01, 0x02},
		ReportData:  [64]byte{0x03},
		Signature:   bytes.Repeat([]byte{0x04}, 64),
		Timestamp:   time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC),
	}
}

func TestKeyRequestEncoding(t *testing.T) {
	req := &interfaces.KeyRequest{
		Nonce: interfaces.Nonce{0xaa, 0xbb},
		Label: "disk-encryption",
		Quote: testQuote(),
	}

	data, err := EncodeKeyRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeKeyRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	// Deterministic encoding
	again, err := EncodeKeyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestKeyRequestWithoutQuote(t *testing.T) {
	data, err := EncodeKeyRequest(&interfaces.KeyRequest{Nonce: interfaces.Nonce{0x01}, Label: "x"})
	require.NoError(t, err)

	decoded, err := DecodeKeyRequest(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Quote)
	assert.Error(t, decoded.Validate())
}

func TestQuotePlatformEncoding(t *testing.T) {
	q := testQuote()
	q.Platform = bytes.Repeat([]byte{0x07}, interfaces.PlatformIDSize)
	req := &interfaces.KeyRequest{Nonce: interfaces.Nonce{0x01}, Label: "x", Quote: q}

	data, err := EncodeKeyRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeKeyRequest(data)
	require.NoError(t, err)
	assert.Equal(t, q.Platform, decoded.Quote.Platform)

	// Quotes without a platform keep the old encoding.
	withPlatform := data
	req.Quote = testQuote()
	data, err = EncodeKeyRequest(req)
	require.NoError(t, err)
	assert.Less(t, len(data), len(withPlatform))
	decoded, err = DecodeKeyRequest(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Quote.Platform)
}

func TestSealedKeyEncoding(t *testing.T) {
	sk := &interfaces.SealedKey{
		Ciphertext:        []byte("ciphertext"),
		BindingTag:        [32]byte{0x05},
		DerivationVersion: 3,
		ProviderQuote:     testQuote(),
	}

	data, err := EncodeSealedKey(sk)
	require.NoError(t, err)

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, sk, decoded)
}

func TestErrorEncoding(t *testing.T) {
	data, err := EncodeError(interfaces.ReplayDetected)
	require.NoError(t, err)

	_, err = DecodeResponse(data)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.ReplayDetected, code)

	data, err = EncodeError(interfaces.RejectCode(200))
	require.NoError(t, err)
	_, err = DecodeResponse(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	body, err := encMode.Marshal(map[int]any{
		1:  bytes.Repeat([]byte{0x01}, interfaces.NonceSize),
		2:  "label",
		99: "added in a later minor revision",
	})
	require.NoError(t, err)
	data, err := encMode.Marshal(map[int]any{1: Version, 2: TypeKeyRequest, 3: cbor.RawMessage(body), 42: true})
	require.NoError(t, err)

	req, err := DecodeKeyRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "label", req.Label)
}

func TestDecodeRejects(t *testing.T) {
	validBody, err := encMode.Marshal(keyRequestWire{Nonce: make([]byte, interfaces.NonceSize), Label: "x"})
	require.NoError(t, err)

	envelopeWith := func(version uint, mt MessageType, body []byte) []byte {
		data, err := encMode.Marshal(envelope{Version: version, Type: mt, Body: body})
		require.NoError(t, err)
		return data
	}
	shortNonce, err := encMode.Marshal(keyRequestWire{Nonce: []byte{0x01}, Label: "x"})
	require.NoError(t, err)
	shortReportData, err := encMode.Marshal(keyRequestWire{
		Nonce: make([]byte, interfaces.NonceSize),
		Label: "x",
		Quote: &quoteWire{Measurement: make([]byte, 32), ReportData: make([]byte, 10)},
	})
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
		err  error
	}{
		{name: "garbage", data: []byte{0xff, 0x00}, err: ErrMalformed},
		{name: "empty", data: nil, err: ErrMalformed},
		{name: "duplicate keys", data: []byte{0xa2, 0x01, 0x01, 0x01, 0x02}, err: ErrMalformed},
		{name: "future major version", data: envelopeWith(2, TypeKeyRequest, validBody), err: ErrUnsupportedVersion},
		{name: "wrong type", data: envelopeWith(Version, TypeSealedKey, validBody), err: ErrMalformed},
		{name: "short nonce", data: envelopeWith(Version, TypeKeyRequest, shortNonce), err: ErrMalformed},
		{name: "short report data", data: envelopeWith(Version, TypeKeyRequest, shortReportData), err: ErrMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeKeyRequest(tc.data)
			require.ErrorIs(t, err, tc.err)
		})
	}
}
