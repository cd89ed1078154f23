package vault

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	accountPathPrefix = "m/vibe/"
	hkdfInfoAccount   = "vibe/identity/account/%d/v1"
)

// AccountPath names the derivation of the account at index.
func AccountPath(index uint32) string {
	return accountPathPrefix + strconv.FormatUint(uint64(index), 10)
}

func ParseAccountPath(path string) (uint32, error) {
	rest, ok := strings.CutPrefix(path, accountPathPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: unknown derivation path %q", ErrVaultCorrupted, path)
	}
	index, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown derivation path %q", ErrVaultCorrupted, path)
	}
	return uint32(index), nil
}

// deriveAccountKey expands the bip39 seed into the ed25519 key pair for one
// account index. Same seed and index always reproduce the same pair.
func deriveAccountKey(seed []byte, index uint32) (ed25519.PrivateKey, error) {
	info := fmt.Sprintf(hkdfInfoAccount, index)
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, keySeed); err != nil {
		return nil, err
	}
	defer zeroBytes(keySeed)
	return ed25519.NewKeyFromSeed(keySeed), nil
}
