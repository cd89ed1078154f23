// Package did encodes Ed25519 public keys as did:key identifiers:
// multicodec-tagged key bytes, base58btc multibase, "did:key:" prefix.
package did

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
)

const (
	keyPrefix    = "did:key:"
	multibaseB58 = 'z'
)

// varint(0xed) = 0xed 0x01, the multicodec code for ed25519-pub.
var multicodecEd25519 = []byte{0xed, 0x01}

var ErrInvalidDID = errors.New("invalid did")

func Encode(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidDID, ed25519.PublicKeySize, len(pub))
	}
	tagged := make([]byte, 0, len(multicodecEd25519)+len(pub))
	tagged = append(tagged, multicodecEd25519...)
	tagged = append(tagged, pub...)
	return keyPrefix + string(multibaseB58) + base58.Encode(tagged), nil
}

func Decode(did string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, keyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidDID, keyPrefix)
	}
	if len(encoded) == 0 || encoded[0] != multibaseB58 {
		return nil, fmt.Errorf("%w: unsupported multibase", ErrInvalidDID)
	}
	tagged, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if !bytes.HasPrefix(tagged, multicodecEd25519) {
		return nil, fmt.Errorf("%w: unsupported multicodec", ErrInvalidDID)
	}
	key := tagged[len(multicodecEd25519):]
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidDID, ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(append([]byte(nil), key...)), nil
}

// Verify reports whether did is the encoding of pub.
func Verify(did string, pub ed25519.PublicKey) (bool, error) {
	expected, err := Encode(pub)
	if err != nil {
		return false, err
	}
	return did == expected, nil
}
