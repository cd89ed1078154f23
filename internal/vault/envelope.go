package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"vibe/go-agent/pkg/models"
)

const (
	headerVersion       = 1
	saltSize            = 16
	defaultArgonTime    = uint32(2)
	defaultArgonMemKB   = uint32(64 * 1024)
	defaultArgonThreads = uint8(1)
)

var (
	errAuthFailed    = errors.New("vault envelope authentication failed")
	errHeaderInvalid = errors.New("vault header is invalid")
)

// Header is the plaintext KDF parameter block persisted next to the
// encrypted record. It holds no secrets.
type Header struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
}

func newHeader() (Header, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Header{}, err
	}
	return Header{
		Version:     headerVersion,
		KDF:         "argon2id",
		KDFTime:     defaultArgonTime,
		KDFMemoryKB: defaultArgonMemKB,
		KDFThreads:  defaultArgonThreads,
		Salt:        salt,
	}, nil
}

func (h Header) validate() error {
	if h.Version != headerVersion {
		return fmt.Errorf("%w: unsupported version %d", errHeaderInvalid, h.Version)
	}
	if h.KDF != "argon2id" {
		return fmt.Errorf("%w: unsupported kdf %q", errHeaderInvalid, h.KDF)
	}
	if len(h.Salt) != saltSize {
		return fmt.Errorf("%w: salt must be %d bytes", errHeaderInvalid, saltSize)
	}
	return nil
}

func (h Header) deriveKey(password string) []byte {
	return argon2.IDKey([]byte(password), h.Salt, h.KDFTime, h.KDFMemoryKB, h.KDFThreads, chacha20poly1305.KeySize)
}

func sealMnemonic(h Header, password string, mnemonic []byte) (models.SealedSeed, error) {
	key := h.deriveKey(password)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return models.SealedSeed{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return models.SealedSeed{}, err
	}
	return models.SealedSeed{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, mnemonic, nil),
	}, nil
}

func openMnemonic(h Header, password string, sealed models.SealedSeed) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	key := h.deriveKey(password)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	// Open panics on a wrong-size nonce, so a damaged record must be
	// rejected before it reaches the cipher.
	if len(sealed.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrVaultCorrupted, chacha20poly1305.NonceSizeX)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, errAuthFailed
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
