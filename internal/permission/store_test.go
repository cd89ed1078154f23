package permission

import (
	"encoding/json"
	"errors"
	"testing"

	"vibe/go-agent/pkg/models"
)

type memBlobs map[string][]byte

func (m memBlobs) Get(key string, v any) (bool, error) {
	raw, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m memBlobs) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[key] = raw
	return nil
}

const (
	testDID    = "did:key:zAlice"
	testOrigin = "https://app.example"
)

func TestParseScope(t *testing.T) {
	cases := []struct {
		input string
		ok    bool
	}{
		{"read:notes", true},
		{"write:notes", true},
		{"read:", false},
		{"notes", false},
		{"delete:notes", false},
		{"", false},
	}
	for _, tc := range cases {
		_, err := ParseScope(tc.input)
		if tc.ok && err != nil {
			t.Fatalf("ParseScope(%q) failed: %v", tc.input, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidScope) {
			t.Fatalf("ParseScope(%q) expected ErrInvalidScope, got: %v", tc.input, err)
		}
	}
	if got := NewScope(models.ActionRead, "notes"); got != "read:notes" {
		t.Fatalf("unexpected scope: %s", got)
	}
}

func TestGetDefaultsToUnset(t *testing.T) {
	s, err := NewStore(memBlobs{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if got := s.Get(testDID, testOrigin, "read:notes"); got != models.SettingUnset {
		t.Fatalf("expected unset, got %q", got)
	}
}

func TestSetPersistsImmediately(t *testing.T) {
	blobs := memBlobs{}
	s, err := NewStore(blobs)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "read:notes", models.SettingAlways); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "write:notes", models.SettingAsk); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	reloaded, err := NewStore(blobs)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.Get(testDID, testOrigin, "read:notes"); got != models.SettingAlways {
		t.Fatalf("expected always after reload, got %q", got)
	}
	if got := reloaded.Get(testDID, testOrigin, "write:notes"); got != models.SettingAsk {
		t.Fatalf("expected ask after reload, got %q", got)
	}
}

func TestSetRejectsBadInputs(t *testing.T) {
	s, err := NewStore(memBlobs{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "bogus", models.SettingAlways); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "read:notes", "sometimes"); err == nil {
		t.Fatal("expected error for invalid setting")
	}
}

func TestRevokeOriginDropsWholeSubMap(t *testing.T) {
	blobs := memBlobs{}
	s, err := NewStore(blobs)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "read:notes", models.SettingAlways); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "write:notes", models.SettingNever); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set(testDID, "https://other.example", "read:notes", models.SettingAlways); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if err := s.RevokeOrigin(testDID, testOrigin); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if got := s.Get(testDID, testOrigin, "read:notes"); got != models.SettingUnset {
		t.Fatalf("revoked scope must read unset, got %q", got)
	}
	if got := s.Get(testDID, testOrigin, "write:notes"); got != models.SettingUnset {
		t.Fatalf("revoked scope must read unset, got %q", got)
	}
	if got := s.Get(testDID, "https://other.example", "read:notes"); got != models.SettingAlways {
		t.Fatalf("other origin must be untouched, got %q", got)
	}

	// Revoking an origin with no grants is a no-op.
	if err := s.RevokeOrigin(testDID, "https://unknown.example"); err != nil {
		t.Fatalf("revoke of unknown origin failed: %v", err)
	}

	reloaded, err := NewStore(blobs)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.Get(testDID, testOrigin, "read:notes"); got != models.SettingUnset {
		t.Fatalf("revoke must persist, got %q", got)
	}
}

func TestAllForIdentityReturnsCopies(t *testing.T) {
	s, err := NewStore(memBlobs{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.Set(testDID, testOrigin, "read:notes", models.SettingAlways); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	all := s.AllForIdentity(testDID)
	all[testOrigin]["read:notes"] = models.SettingNever
	if got := s.Get(testDID, testOrigin, "read:notes"); got != models.SettingAlways {
		t.Fatalf("mutating the returned map must not touch the store, got %q", got)
	}
}
