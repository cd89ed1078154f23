// Package vault owns the encrypted seed phrase and the lock/unlock
// lifecycle. Identity key pairs exist in memory only while unlocked and are
// rederived from the stored derivation paths on every unlock.
package vault

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"vibe/go-agent/internal/did"
	"vibe/go-agent/pkg/models"
)

var (
	ErrVaultExists      = errors.New("vault already exists")
	ErrNoVault          = errors.New("vault does not exist")
	ErrUnlockFailed     = errors.New("vault unlock failed")
	ErrVaultCorrupted   = errors.New("vault record is corrupted")
	ErrLocked           = errors.New("vault is locked")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrAttemptsLocked   = errors.New("unlock attempts are temporarily locked")
	ErrInvalidLabel     = errors.New("invalid identity label")
)

const (
	keyHeader = "vault/header"
	keyRecord = "vault/record"

	defaultLabel = "Identity 1"
)

// Blobs is the persistence surface the vault needs; satisfied by
// *storage.Store.
type Blobs interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

type Vault struct {
	mu     sync.RWMutex
	blobs  Blobs
	header Header
	record models.VaultRecord
	loaded bool

	// Unlocked state. seed and keys are wiped on Lock and on any failed
	// unlock; nothing here ever reaches the blob store.
	seed []byte
	keys map[string]ed25519.PrivateKey

	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func New(blobs Blobs) *Vault {
	return &Vault{blobs: blobs, now: time.Now}
}

func newWithClock(blobs Blobs, now func() time.Time) *Vault {
	return &Vault{blobs: blobs, now: now}
}

// Exists reports whether a vault record has been persisted.
func (v *Vault) Exists() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked()
}

func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seed != nil
}

// Create provisions a brand-new vault: fresh salt, 24-word mnemonic,
// identity 0 at the first derivation index. The vault is left unlocked.
func (v *Vault) Create(password, label string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	if err := v.provision(mnemonic, password, label); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// Import provisions a vault from a known mnemonic, e.g. restoring onto a
// fresh device. Only identity 0 is recreated; further identities reappear
// as they are re-added.
func (v *Vault) Import(mnemonic, password, label string) error {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return ErrPasswordRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	return v.provision(mnemonic, password, label)
}

func (v *Vault) provision(mnemonic, password, label string) error {
	if label = strings.TrimSpace(label); label == "" {
		label = defaultLabel
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	exists, err := v.loadLocked()
	if err != nil {
		return err
	}
	if exists {
		return ErrVaultExists
	}

	header, err := newHeader()
	if err != nil {
		return err
	}
	sealed, err := sealMnemonic(header, password, []byte(mnemonic))
	if err != nil {
		return err
	}

	seed := bip39.NewSeed(mnemonic, "")
	priv, err := deriveAccountKey(seed, 0)
	if err != nil {
		zeroBytes(seed)
		return err
	}
	identityDID, err := did.Encode(priv.Public().(ed25519.PublicKey))
	if err != nil {
		zeroBytes(seed)
		zeroBytes(priv)
		return err
	}

	record := models.VaultRecord{
		EncryptedSeedPhrase: sealed,
		Identities: []models.VaultIdentity{{
			DID:            identityDID,
			DerivationPath: AccountPath(0),
			ProfileName:    label,
		}},
		Settings: models.VaultSettings{NextAccountIndex: 1},
	}
	if err := v.blobs.Put(keyHeader, header); err != nil {
		zeroBytes(seed)
		zeroBytes(priv)
		return err
	}
	if err := v.blobs.Put(keyRecord, record); err != nil {
		zeroBytes(seed)
		zeroBytes(priv)
		return err
	}

	v.header = header
	v.record = record
	v.loaded = true
	v.seed = seed
	v.keys = map[string]ed25519.PrivateKey{identityDID: priv}
	v.resetAttemptStateLocked()
	return nil
}

// Unlock decrypts the seed phrase and rematerializes every identity from
// its stored derivation path. Wrong password and record corruption are both
// reported as ErrUnlockFailed; the distinction stays internal so a caller
// probing with passwords learns nothing about the record's structure.
func (v *Vault) Unlock(password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrPasswordRequired
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	exists, err := v.loadLocked()
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoVault
	}
	if err := v.ensureAttemptsAllowedLocked(); err != nil {
		return err
	}

	if err := v.unlockLocked(password); err != nil {
		v.wipeLocked()
		if errors.Is(err, errAuthFailed) {
			v.onFailedAttemptLocked()
		}
		return ErrUnlockFailed
	}
	v.resetAttemptStateLocked()
	return nil
}

func (v *Vault) unlockLocked(password string) error {
	plaintext, err := openMnemonic(v.header, password, v.record.EncryptedSeedPhrase)
	if err != nil {
		return err
	}
	mnemonic := strings.TrimSpace(string(plaintext))
	zeroBytes(plaintext)
	if !bip39.IsMnemonicValid(mnemonic) {
		return fmt.Errorf("%w: decrypted seed phrase failed checksum", ErrVaultCorrupted)
	}

	seed := bip39.NewSeed(mnemonic, "")
	keys := make(map[string]ed25519.PrivateKey, len(v.record.Identities))
	for _, entry := range v.record.Identities {
		index, err := ParseAccountPath(entry.DerivationPath)
		if err != nil {
			zeroBytes(seed)
			return err
		}
		priv, err := deriveAccountKey(seed, index)
		if err != nil {
			zeroBytes(seed)
			return err
		}
		ok, err := did.Verify(entry.DID, priv.Public().(ed25519.PublicKey))
		if err != nil || !ok {
			zeroBytes(seed)
			return fmt.Errorf("%w: identity %s does not rederive", ErrVaultCorrupted, entry.DID)
		}
		keys[entry.DID] = priv
	}

	v.seed = seed
	v.keys = keys
	return nil
}

// Lock wipes all key material. Safe to call repeatedly and while already
// locked.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipeLocked()
}

func (v *Vault) wipeLocked() {
	zeroBytes(v.seed)
	v.seed = nil
	for _, priv := range v.keys {
		zeroBytes(priv)
	}
	v.keys = nil
}

// CreateIdentity derives the next account, appends it to the record and
// persists the whole record before the new identity is handed out.
func (v *Vault) CreateIdentity(label, pictureURL string) (models.Identity, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.Identity{}, fmt.Errorf("%w: label is required", ErrInvalidLabel)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seed == nil {
		return models.Identity{}, ErrLocked
	}

	index := v.record.Settings.NextAccountIndex
	priv, err := deriveAccountKey(v.seed, index)
	if err != nil {
		return models.Identity{}, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	identityDID, err := did.Encode(pub)
	if err != nil {
		zeroBytes(priv)
		return models.Identity{}, err
	}

	next := v.record
	next.Identities = append(append([]models.VaultIdentity(nil), v.record.Identities...), models.VaultIdentity{
		DID:            identityDID,
		DerivationPath: AccountPath(index),
		ProfileName:    label,
		ProfilePicture: pictureURL,
	})
	next.Settings.NextAccountIndex = index + 1
	if err := v.blobs.Put(keyRecord, next); err != nil {
		zeroBytes(priv)
		return models.Identity{}, err
	}

	v.record = next
	v.keys[identityDID] = priv
	return models.Identity{
		DID:        identityDID,
		PublicKey:  append(ed25519.PublicKey(nil), pub...),
		PrivateKey: append(ed25519.PrivateKey(nil), priv...),
		Label:      label,
		PictureURL: pictureURL,
	}, nil
}

// Identities returns full identities while unlocked, public projections
// while locked. Callers must not assume key presence.
func (v *Vault) Identities() []models.Identity {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.Identity, 0, len(v.record.Identities))
	for _, entry := range v.record.Identities {
		id := models.Identity{
			DID:        entry.DID,
			Label:      entry.ProfileName,
			PictureURL: entry.ProfilePicture,
		}
		if priv, ok := v.keys[entry.DID]; ok {
			id.PublicKey = append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
			id.PrivateKey = append(ed25519.PrivateKey(nil), priv...)
		}
		out = append(out, id)
	}
	return out
}

func (v *Vault) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

func (v *Vault) loadLocked() (bool, error) {
	if v.loaded {
		return true, nil
	}
	var header Header
	ok, err := v.blobs.Get(keyHeader, &header)
	if err != nil || !ok {
		return false, err
	}
	var record models.VaultRecord
	ok, err = v.blobs.Get(keyRecord, &record)
	if err != nil || !ok {
		return false, err
	}
	v.header = header
	v.record = record
	v.loaded = true
	return true, nil
}

func (v *Vault) ensureAttemptsAllowedLocked() error {
	if v.lockedUntil.IsZero() {
		return nil
	}
	if v.now().Before(v.lockedUntil) {
		return ErrAttemptsLocked
	}
	return nil
}

func (v *Vault) onFailedAttemptLocked() {
	v.failedAttempts++
	v.lockedUntil = v.now().Add(failedAttemptBackoff(v.failedAttempts))
}

func (v *Vault) resetAttemptStateLocked() {
	v.failedAttempts = 0
	v.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
