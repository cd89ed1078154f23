package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"vibe/go-agent/internal/consent"
	"vibe/go-agent/internal/identity"
	"vibe/go-agent/internal/mediator"
	"vibe/go-agent/internal/permission"
	"vibe/go-agent/internal/vault"
	"vibe/go-agent/pkg/models"
)

// autoApprove consumes broker prompts like a cooperative UI shell: init
// prompts are acknowledged, consent grants everything as "always", action
// confirmations are allowed without remembering.
func autoApprove(t *testing.T, broker *consent.Broker) {
	t.Helper()
	prompts := broker.Attach()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case prompt := <-prompts:
				switch prompt.Kind {
				case consent.PromptInit:
					prompt.Ack()
				case consent.PromptConsent:
					grants := map[string]models.PermissionSetting{}
					for _, scope := range prompt.Consent.Requested {
						grants[scope] = models.SettingAlways
					}
					prompt.Grant(grants)
				case consent.PromptAction:
					prompt.Confirm(models.ActionResponse{Allowed: true})
				}
			case <-done:
				return
			}
		}
	}()
}

// sessionFixture wires the real vault, permission store, consent flow and
// mediator over in-memory blobs, faking only the backend and socket.
type sessionFixture struct {
	agent   *Agent
	vault   *vault.Vault
	backend *fakeBackend
	grants  *permission.Store
	blobs   memBlobs
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	blobs := memBlobs{}
	v := vault.New(blobs)

	grants, err := permission.NewStore(blobs)
	if err != nil {
		t.Fatalf("permission store: %v", err)
	}

	broker := consent.NewBroker(2 * time.Second)
	autoApprove(t, broker)

	idents, err := identity.NewManager(v, blobs)
	if err != nil {
		t.Fatalf("identity manager: %v", err)
	}

	backend := &fakeBackend{claimToken: "tok-session"}
	f := &sessionFixture{
		vault:   v,
		backend: backend,
		grants:  grants,
		blobs:   blobs,
	}
	f.agent = New(
		v,
		idents,
		consent.NewCoordinator(broker, grants, nil),
		mediator.New(grants, broker, nil),
		backend,
		newFakeSocket(),
		blobs,
		grants,
		Options{Origin: "https://notes.example", ClaimCode: "code-session"},
		nil,
	)
	return f
}

func TestSessionLifecycle(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	mnemonic, err := f.agent.CreateVault("hunter2-session", "Main")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if mnemonic == "" {
		t.Fatal("empty mnemonic")
	}

	detach, err := f.agent.Init(ctx, testManifest, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer detach()

	state := f.agent.State()
	if !state.Unlocked || !state.Registered || state.ActiveDID == "" {
		t.Fatalf("state after init = %+v", state)
	}

	// Consent granted every manifest scope as always, so data calls pass
	// the gate without action prompts.
	f.backend.writeResult.OK = true
	result, err := f.agent.Write(ctx, "notes", map[string]string{"body": "first"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !result.OK {
		t.Fatalf("write result = %+v", result)
	}

	f.agent.Lock()
	if _, err := f.agent.ReadOnce(ctx, "notes", nil); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}

	if err := f.agent.Unlock("hunter2-session"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := f.agent.Init(ctx, testManifest, nil); err != nil {
		t.Fatalf("re-Init: %v", err)
	}

	f.backend.readResult.OK = true
	read, err := f.agent.ReadOnce(ctx, "notes", nil)
	if err != nil {
		t.Fatalf("ReadOnce: %v", err)
	}
	if !read.OK {
		t.Fatalf("read result = %+v", read)
	}

	// The grants survived the lock cycle: no second claim, same scopes.
	if f.backend.claimCalls != 1 {
		t.Fatalf("claims = %d, want 1", f.backend.claimCalls)
	}
	active := f.agent.State().ActiveDID
	scopes := f.grants.ForOrigin(active, "https://notes.example")
	if scopes["read:notes"] != models.SettingAlways || scopes["write:notes"] != models.SettingAlways {
		t.Fatalf("grants = %+v", scopes)
	}
}

func TestSessionRevokedOriginReasks(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	if _, err := f.agent.CreateVault("hunter2-session", "Main"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	detach, err := f.agent.Init(ctx, testManifest, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer detach()

	active := f.agent.State().ActiveDID
	if err := f.agent.RevokeOrigin("https://notes.example"); err != nil {
		t.Fatalf("RevokeOrigin: %v", err)
	}

	// The scope is unset again, so the mediator falls back to a fresh
	// confirmation, which the auto-approving UI allows once.
	f.backend.readResult.OK = true
	if _, err := f.agent.ReadOnce(ctx, "notes", nil); err != nil {
		t.Fatalf("ReadOnce after revoke: %v", err)
	}
	if f.grants.Get(active, "https://notes.example", permission.NewScope(models.ActionRead, "notes")) != models.SettingUnset {
		t.Fatal("one-off confirmation persisted a setting")
	}
}
