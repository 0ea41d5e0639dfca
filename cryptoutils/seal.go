package cryptoutils

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sealVersion byte = 1

// SealContext binds a sealed blob to the exact verified identity and request it was
// released for. Opening requires the same context.
type SealContext struct {
	Recipient         interfaces.AttestedIdentity
	Nonce             interfaces.Nonce
	Label             string
	DerivationVersion uint32
}

func (c *SealContext) info() []byte {
	info := []byte("skp/seal/v1")
	info = append(info, c.Recipient.Measurement[:]...)
	info = append(info, c.Recipient.PublicKey[:]...)
	info = append(info, c.Nonce[:]...)
	info = binary.BigEndian.AppendUint32(info, uint32(len(c.Label)))
	info = append(info, c.Label...)
	return info
}

func (c *SealContext) aad() []byte {
	tag := c.Recipient.BindingTag()
	return binary.BigEndian.AppendUint32(append([]byte{sealVersion}, tag[:]...), c.DerivationVersion)
}

// SealToIdentity encrypts plaintext so that only the holder of the private key behind
// the recipient's attested X25519 public key can decrypt it.
//
// A fresh ephemeral X25519 key is generated per call. The shared secret is expanded
// with HKDF-SHA256 over the seal context and used with XChaCha20-Poly1305, with the
// binding tag and derivation version as associated data.
//
// Format: [version (1 byte)][ephemeral public key (32 bytes)][nonce (24 bytes)][ciphertext]
func SealToIdentity(sc *SealContext, plaintext []byte) ([]byte, error) {
	ephemeral := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephemeral); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer clear(ephemeral)

	ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephemeral, sc.Recipient.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("invalid recipient public key: %w", err)
	}
	defer clear(shared)

	aead, err := sealingAEAD(shared, ephemeralPub, sc)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(ephemeralPub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, sc.aad()), nil
}

// OpenSealed decrypts a blob produced by SealToIdentity with the recipient's X25519
// private key. The seal context must match the one used for sealing.
func OpenSealed(privateKey [32]byte, sc *SealContext, sealed []byte) ([]byte, error) {
	headerLen := 1 + curve25519.PointSize + chacha20poly1305.NonceSizeX
	if len(sealed) < headerLen+chacha20poly1305.Overhead {
		return nil, errors.New("sealed data too short")
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unsupported seal version %d", sealed[0])
	}

	ephemeralPub := sealed[1 : 1+curve25519.PointSize]
	nonce := sealed[1+curve25519.PointSize : headerLen]
	ciphertext := sealed[headerLen:]

	shared, err := curve25519.X25519(privateKey[:], ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}
	defer clear(shared)

	aead, err := sealingAEAD(shared, ephemeralPub, sc)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func sealingAEAD(shared, ephemeralPub []byte, sc *SealContext) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	defer clear(key)

	kdf := hkdf.New(sha256.New, shared, ephemeralPub, sc.info())
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// NewX25519Keypair generates a recipient keypair for sealed key release.
func NewX25519Keypair() (public [32]byte, private [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return public, private, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return public, private, err
	}
	copy(public[:], pub)
	return public, private, nil
}
