// Package permission persists the identity×origin×scope decision matrix.
// Settings are sticky: nothing expires, and entries disappear only through
// an explicit revoke.
package permission

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"vibe/go-agent/pkg/models"
)

var ErrInvalidScope = errors.New("invalid scope")

const keyMatrix = "permissions"

// Scope names one permission as "<action>:<collection>".
type Scope string

func NewScope(action models.ActionKind, collection string) Scope {
	return Scope(string(action) + ":" + collection)
}

func ParseScope(s string) (Scope, error) {
	action, collection, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(collection) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	switch models.ActionKind(action) {
	case models.ActionRead, models.ActionWrite:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("%w: unknown action in %q", ErrInvalidScope, s)
	}
}

// Blobs is the persistence surface; satisfied by *storage.Store.
type Blobs interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// matrix is did → origin → scope → setting.
type matrix map[string]map[string]map[string]models.PermissionSetting

type Store struct {
	mu    sync.RWMutex
	blobs Blobs
	m     matrix
}

func NewStore(blobs Blobs) (*Store, error) {
	s := &Store{blobs: blobs, m: matrix{}}
	if _, err := blobs.Get(keyMatrix, &s.m); err != nil {
		return nil, err
	}
	if s.m == nil {
		s.m = matrix{}
	}
	return s, nil
}

// Get returns the stored setting, or SettingUnset when no decision has been
// recorded for the triple.
func (s *Store) Get(did, origin string, scope Scope) models.PermissionSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[did][origin][string(scope)]
}

// Set records a decision and persists the whole matrix before it takes
// effect in memory.
func (s *Store) Set(did, origin string, scope Scope, setting models.PermissionSetting) error {
	if !setting.Valid() {
		return fmt.Errorf("invalid permission setting %q", setting)
	}
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	byOrigin, ok := next[did]
	if !ok {
		byOrigin = map[string]map[string]models.PermissionSetting{}
		next[did] = byOrigin
	}
	byScope, ok := byOrigin[origin]
	if !ok {
		byScope = map[string]models.PermissionSetting{}
		byOrigin[origin] = byScope
	}
	byScope[string(scope)] = setting
	if err := s.blobs.Put(keyMatrix, next); err != nil {
		return err
	}
	s.m = next
	return nil
}

// AllForIdentity returns a copy of the identity's grants keyed by origin.
func (s *Store) AllForIdentity(did string) map[string]map[string]models.PermissionSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]models.PermissionSetting, len(s.m[did]))
	for origin, byScope := range s.m[did] {
		scopes := make(map[string]models.PermissionSetting, len(byScope))
		for scope, setting := range byScope {
			scopes[scope] = setting
		}
		out[origin] = scopes
	}
	return out
}

// ForOrigin returns a copy of one origin's grants for the identity.
func (s *Store) ForOrigin(did, origin string) map[string]models.PermissionSetting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.PermissionSetting, len(s.m[did][origin]))
	for scope, setting := range s.m[did][origin] {
		out[scope] = setting
	}
	return out
}

// RevokeOrigin drops every grant the identity gave the origin. The next
// call from that origin goes through first-use consent again.
func (s *Store) RevokeOrigin(did, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[did][origin]; !ok {
		return nil
	}
	next := s.cloneLocked()
	delete(next[did], origin)
	if len(next[did]) == 0 {
		delete(next, did)
	}
	if err := s.blobs.Put(keyMatrix, next); err != nil {
		return err
	}
	s.m = next
	return nil
}

func (s *Store) cloneLocked() matrix {
	next := make(matrix, len(s.m))
	for did, byOrigin := range s.m {
		origins := make(map[string]map[string]models.PermissionSetting, len(byOrigin))
		for origin, byScope := range byOrigin {
			scopes := make(map[string]models.PermissionSetting, len(byScope))
			for scope, setting := range byScope {
				scopes[scope] = setting
			}
			origins[origin] = scopes
		}
		next[did] = origins
	}
	return next
}
