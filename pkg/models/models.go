package models

import (
	"crypto/ed25519"
	"strings"
)

// PermissionSetting is the persisted per-scope decision for an origin.
type PermissionSetting string

const (
	SettingUnset  PermissionSetting = ""
	SettingAlways PermissionSetting = "always"
	SettingAsk    PermissionSetting = "ask"
	SettingNever  PermissionSetting = "never"
)

func (s PermissionSetting) Valid() bool {
	switch s {
	case SettingAlways, SettingAsk, SettingNever:
		return true
	default:
		return false
	}
}

// Identity is a materialized identity. PrivateKey is populated only while
// the vault is unlocked and never serialized.
type Identity struct {
	DID        string             `json:"did"`
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"-"`
	Label      string             `json:"label"`
	PictureURL string             `json:"picture_url,omitempty"`
}

// Public returns the projection safe to expose while locked.
func (i Identity) Public() Identity {
	return Identity{
		DID:        i.DID,
		PublicKey:  append(ed25519.PublicKey(nil), i.PublicKey...),
		Label:      i.Label,
		PictureURL: i.PictureURL,
	}
}

func (i Identity) HasPrivateKey() bool {
	return len(i.PrivateKey) == ed25519.PrivateKeySize
}

// AppManifest describes the embedding application and the scopes it wants.
type AppManifest struct {
	AppID       string   `json:"appId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PictureURL  string   `json:"pictureUrl,omitempty"`
	Permissions []string `json:"permissions"`
}

func (m AppManifest) Normalized() AppManifest {
	out := m
	out.AppID = strings.TrimSpace(m.AppID)
	out.Name = strings.TrimSpace(m.Name)
	perms := make([]string, 0, len(m.Permissions))
	for _, p := range m.Permissions {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	out.Permissions = perms
	return out
}

// ConsentRequest is handed to the UI layer when an app registers or widens
// its scope set.
type ConsentRequest struct {
	Manifest   AppManifest                  `json:"manifest"`
	Origin     string                       `json:"origin"`
	Requested  []string                     `json:"requested_permissions"`
	Existing   map[string]PermissionSetting `json:"existing_permissions"`
	NewlyAsked []string                     `json:"new_permissions,omitempty"`
}

type ActionKind string

const (
	ActionRead  ActionKind = "read"
	ActionWrite ActionKind = "write"
)

// ActionRequest is handed to the UI layer when a scope is set to "ask".
// Preview carries field names mapped to redacted value digests, never the
// payload itself.
type ActionRequest struct {
	Action     ActionKind        `json:"action"`
	Origin     string            `json:"origin"`
	Collection string            `json:"collection"`
	Preview    map[string]string `json:"preview,omitempty"`
	ActingDID  string            `json:"acting_did"`
	App        AppManifest       `json:"app"`
}

type ActionResponse struct {
	Allowed        bool `json:"allowed"`
	RememberChoice bool `json:"remember_choice"`
}

// SessionState is pushed to the embedding app on every agent transition.
type SessionState struct {
	Unlocked   bool   `json:"unlocked"`
	ActiveDID  string `json:"active_did,omitempty"`
	Registered bool   `json:"registered"`
}

// SealedSeed is the AEAD-encrypted mnemonic inside a vault record.
type SealedSeed struct {
	Nonce      []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// VaultIdentity is the persisted, key-free identity entry. Keys are
// rematerialized from DerivationPath on unlock.
type VaultIdentity struct {
	DID            string `json:"did"`
	DerivationPath string `json:"derivation_path"`
	ProfileName    string `json:"profile_name"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

type VaultSettings struct {
	// NextAccountIndex is monotonic; indexes are never reused even after
	// an identity is removed.
	NextAccountIndex uint32 `json:"next_account_index"`
}

// VaultRecord is the persisted vault. Only the seed phrase is ciphertext;
// identity entries carry no key material.
type VaultRecord struct {
	EncryptedSeedPhrase SealedSeed      `json:"encrypted_seed_phrase"`
	Identities          []VaultIdentity `json:"identities"`
	Settings            VaultSettings   `json:"settings"`
}
