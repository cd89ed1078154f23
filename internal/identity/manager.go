// Package identity tracks materialized identities and the active-identity
// selection. Key material lives in the vault; this package only ever holds
// what the vault is willing to hand out in its current lock state.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"vibe/go-agent/pkg/models"
)

var ErrIdentityNotFound = errors.New("identity not found")

const keyActiveDID = "active_identity"

// Source is the vault surface the manager reads identities from.
type Source interface {
	Identities() []models.Identity
	Unlocked() bool
}

// Blobs persists the active-identity selection across restarts.
type Blobs interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

type Manager struct {
	mu        sync.RWMutex
	source    Source
	blobs     Blobs
	activeDID string
}

func NewManager(source Source, blobs Blobs) (*Manager, error) {
	m := &Manager{source: source, blobs: blobs}
	var persisted string
	if _, err := blobs.Get(keyActiveDID, &persisted); err != nil {
		return nil, err
	}
	m.activeDID = strings.TrimSpace(persisted)
	return m, nil
}

// SetActive selects an identity for all subsequent agent calls. The
// identity must be materialized, i.e. the vault is unlocked and holds its
// key.
func (m *Manager) SetActive(did string) error {
	did = strings.TrimSpace(did)
	if did == "" {
		return fmt.Errorf("%w: empty did", ErrIdentityNotFound)
	}
	found := false
	for _, id := range m.source.Identities() {
		if id.DID == did && id.HasPrivateKey() {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s is not materialized", ErrIdentityNotFound, did)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.blobs.Put(keyActiveDID, did); err != nil {
		return err
	}
	m.activeDID = did
	return nil
}

// Active returns the currently selected identity in its current lock-state
// projection. With no explicit selection the first identity is used.
func (m *Manager) Active() (models.Identity, bool) {
	m.mu.RLock()
	want := m.activeDID
	m.mu.RUnlock()

	ids := m.source.Identities()
	if len(ids) == 0 {
		return models.Identity{}, false
	}
	if want == "" {
		return ids[0], true
	}
	for _, id := range ids {
		if id.DID == want {
			return id, true
		}
	}
	// The persisted selection points at an identity this vault no longer
	// knows; fall back rather than fail every call.
	return ids[0], true
}

// List mirrors the vault's current view: full identities while unlocked,
// public projections while locked.
func (m *Manager) List() []models.Identity {
	return m.source.Identities()
}

func (m *Manager) Unlocked() bool {
	return m.source.Unlocked()
}
