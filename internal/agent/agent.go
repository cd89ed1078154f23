// Package agent is the facade embedding applications talk to. It ties the
// vault, the permission gate and the backend transport together behind
// four data operations plus session lifecycle.
package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"vibe/go-agent/internal/metrics"
	"vibe/go-agent/internal/platform/oplock"
	"vibe/go-agent/internal/transport"
	"vibe/go-agent/pkg/models"
)

var (
	ErrNotInitialized = errors.New("agent not initialized")
	ErrSessionLocked  = errors.New("vault is locked")
	ErrValidation     = errors.New("validation failed")
)

// Storage keys for session material. Tokens are kept per identity so
// switching the active DID does not force a re-claim.
const (
	keyTokenPrefix = "auth/token/"
	keyBackendURL  = "backend_url"
	keySetupDone   = "setup_complete"
)

// VaultPort is the slice of the vault the facade drives.
type VaultPort interface {
	Exists() (bool, error)
	Unlocked() bool
	Create(password, label string) (string, error)
	Import(mnemonic, password, label string) error
	Unlock(password string) error
	Lock()
	CreateIdentity(label, pictureURL string) (models.Identity, error)
}

// Identities resolves the acting identity for data calls.
type Identities interface {
	Active() (models.Identity, bool)
	List() []models.Identity
	SetActive(did string) error
}

// Permissions is the revocation surface of the grant store.
type Permissions interface {
	RevokeOrigin(did, origin string) error
}

// Negotiator runs the consent flow during registration.
type Negotiator interface {
	Negotiate(ctx context.Context, did, origin string, manifest models.AppManifest) (map[string]models.PermissionSetting, error)
}

// Gate enforces per-call permissions before any network traffic.
type Gate interface {
	Authorize(ctx context.Context, identity models.Identity, app models.AppManifest, origin string, action models.ActionKind, collection string, payload any) error
}

// Backend is the HTTP side of the transport.
type Backend interface {
	Read(ctx context.Context, collection string, filter any) (transport.ReadResult, error)
	Write(ctx context.Context, collection string, data any) (transport.WriteResult, error)
	AppStatus(ctx context.Context, appID string) (transport.AppStatus, error)
	UpsertApp(ctx context.Context, manifest models.AppManifest, grants map[string]models.PermissionSetting) error
	Claim(ctx context.Context, did, claimCode string, priv ed25519.PrivateKey) (string, error)
}

// Socket is the live-update side of the transport.
type Socket interface {
	Subscribe(ctx context.Context, collection string, handler transport.Handler) error
	Unsubscribe(collection string) error
	Close()
}

// Blobs is the session's persistent key-value surface.
type Blobs interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

// Options carries the per-deployment knobs the facade cannot derive.
type Options struct {
	// Origin of the embedding application, the permission matrix key.
	Origin string
	// ClaimCode, when set, is exchanged for a bearer token on first Init.
	ClaimCode string
}

type Agent struct {
	vault      VaultPort
	identities Identities
	negotiator Negotiator
	gate       Gate
	backend    Backend
	socket     Socket
	blobs      Blobs
	perms      Permissions
	opts       Options
	logger     *slog.Logger

	initLock *oplock.Lock

	mu         sync.Mutex
	manifest   models.AppManifest
	registered bool
	token      string
	listeners  map[int]func(models.SessionState)
	nextID     int
}

func New(vaultPort VaultPort, identities Identities, negotiator Negotiator, gate Gate, backend Backend, socket Socket, blobs Blobs, perms Permissions, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		vault:      vaultPort,
		identities: identities,
		negotiator: negotiator,
		gate:       gate,
		backend:    backend,
		socket:     socket,
		blobs:      blobs,
		perms:      perms,
		opts:       opts,
		logger:     logger,
		initLock:   oplock.New(),
		listeners:  map[int]func(models.SessionState){},
	}
}

// Token is the current bearer token, empty until a claim succeeded. Wire
// it as the transport's TokenSource.
func (a *Agent) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// State is the session surface pushed to listeners.
func (a *Agent) State() models.SessionState {
	state := models.SessionState{Unlocked: a.vault.Unlocked()}
	if ident, ok := a.identities.Active(); ok {
		state.ActiveDID = ident.DID
	}
	a.mu.Lock()
	state.Registered = a.registered
	a.mu.Unlock()
	return state
}

// Init registers the application for the active identity: backend status
// check, consent negotiation, manifest upsert and token claim. Concurrent
// calls queue on a FIFO lock. The returned func detaches onStateChange.
// With a locked vault Init only installs the listener; registration runs
// on the next Init after unlock.
func (a *Agent) Init(ctx context.Context, manifest models.AppManifest, onStateChange func(models.SessionState)) (func(), error) {
	manifest = manifest.Normalized()
	if manifest.AppID == "" {
		return nil, fmt.Errorf("%w: manifest has no appId", ErrValidation)
	}

	if err := a.initLock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer a.initLock.Release()

	detach := a.addListener(onStateChange)

	a.mu.Lock()
	a.manifest = manifest
	a.mu.Unlock()

	ident, ok := a.identities.Active()
	if !ok || !ident.HasPrivateKey() {
		a.notify()
		return detach, nil
	}

	if err := a.register(ctx, ident, manifest); err != nil {
		detach()
		return nil, err
	}

	if err := a.blobs.Put(keySetupDone, true); err != nil {
		a.logger.Warn("persisting setup flag failed", slog.String("error", err.Error()))
	}
	a.notify()
	return detach, nil
}

func (a *Agent) register(ctx context.Context, ident models.Identity, manifest models.AppManifest) error {
	status, err := a.backend.AppStatus(ctx, manifest.AppID)
	if err != nil {
		return err
	}

	grants, err := a.negotiator.Negotiate(ctx, ident.DID, a.opts.Origin, manifest)
	if err != nil {
		return err
	}

	if err := a.backend.UpsertApp(ctx, manifest, grants); err != nil {
		return err
	}
	if status.IsRegistered {
		a.logger.Debug("app already registered", slog.String("app_id", manifest.AppID))
	}

	token, err := a.sessionToken(ctx, ident)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.token = token
	a.registered = token != ""
	a.mu.Unlock()
	return nil
}

// sessionToken loads the identity's stored token, claiming a fresh one
// when a claim code is configured and nothing is stored yet.
func (a *Agent) sessionToken(ctx context.Context, ident models.Identity) (string, error) {
	var token string
	found, err := a.blobs.Get(keyTokenPrefix+ident.DID, &token)
	if err != nil {
		return "", err
	}
	if found && token != "" {
		return token, nil
	}
	if a.opts.ClaimCode == "" {
		return "", nil
	}

	token, err = a.backend.Claim(ctx, ident.DID, a.opts.ClaimCode, ident.PrivateKey)
	if err != nil {
		return "", err
	}
	if err := a.blobs.Put(keyTokenPrefix+ident.DID, token); err != nil {
		return "", err
	}
	return token, nil
}

// ReadOnce performs a single gated read. Network failures come back as an
// unsuccessful result, not an error.
func (a *Agent) ReadOnce(ctx context.Context, collection string, filter any) (transport.ReadResult, error) {
	ident, manifest, err := a.session()
	if err != nil {
		return transport.ReadResult{}, err
	}
	if err := a.gate.Authorize(ctx, ident, manifest, a.opts.Origin, models.ActionRead, collection, filter); err != nil {
		return transport.ReadResult{}, err
	}
	return a.backend.Read(ctx, collection, filter)
}

// Read delivers an initial snapshot through handler, then live updates via
// the socket. The returned func tears the subscription down.
func (a *Agent) Read(ctx context.Context, collection string, filter any, handler func(docs []json.RawMessage)) (func(), error) {
	ident, manifest, err := a.session()
	if err != nil {
		return nil, err
	}
	if err := a.gate.Authorize(ctx, ident, manifest, a.opts.Origin, models.ActionRead, collection, filter); err != nil {
		return nil, err
	}

	snapshot, err := a.backend.Read(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if snapshot.OK {
		handler(snapshot.Docs)
	}

	if err := a.socket.Subscribe(ctx, collection, transport.Handler(handler)); err != nil {
		return nil, err
	}
	return func() {
		if err := a.socket.Unsubscribe(collection); err != nil {
			a.logger.Warn("unsubscribe failed",
				slog.String("collection", collection),
				slog.String("error", err.Error()))
		}
	}, nil
}

// Write performs a single gated write. Failures propagate: the caller
// must know a write may not have landed.
func (a *Agent) Write(ctx context.Context, collection string, data any) (transport.WriteResult, error) {
	ident, manifest, err := a.session()
	if err != nil {
		return transport.WriteResult{}, err
	}
	if err := a.gate.Authorize(ctx, ident, manifest, a.opts.Origin, models.ActionWrite, collection, data); err != nil {
		return transport.WriteResult{}, err
	}
	return a.backend.Write(ctx, collection, data)
}

// CreateVault provisions a fresh vault and reports the new session state.
func (a *Agent) CreateVault(password, label string) (string, error) {
	mnemonic, err := a.vault.Create(password, label)
	if err != nil {
		return "", err
	}
	metrics.VaultUnlocked.Set(1)
	a.notify()
	return mnemonic, nil
}

// ImportVault restores a vault from an existing mnemonic.
func (a *Agent) ImportVault(mnemonic, password, label string) error {
	if err := a.vault.Import(mnemonic, password, label); err != nil {
		return err
	}
	metrics.VaultUnlocked.Set(1)
	a.notify()
	return nil
}

func (a *Agent) Unlock(password string) error {
	if err := a.vault.Unlock(password); err != nil {
		return err
	}
	metrics.VaultUnlocked.Set(1)
	a.notify()
	return nil
}

// Lock wipes key material and drops the live socket: a locked session
// must hold no credentials and no open subscriptions.
func (a *Agent) Lock() {
	a.vault.Lock()
	a.socket.Close()
	a.mu.Lock()
	a.token = ""
	a.registered = false
	a.mu.Unlock()
	metrics.VaultUnlocked.Set(0)
	a.notify()
}

// ListIdentities mirrors the vault's current view: full identities while
// unlocked, public projections while locked.
func (a *Agent) ListIdentities() []models.Identity {
	return a.identities.List()
}

// CreateIdentity derives a fresh identity and announces the state change.
func (a *Agent) CreateIdentity(label, pictureURL string) (models.Identity, error) {
	ident, err := a.vault.CreateIdentity(label, pictureURL)
	if err != nil {
		return models.Identity{}, err
	}
	a.notify()
	return ident, nil
}

// SetActiveIdentity switches the acting identity. Registration and token
// are bound to a DID, so the current session is dropped and, when a
// manifest is already installed, re-established under the new identity.
// Grants are per-DID as well: an identity that never approved the app's
// scopes goes back through consent here.
func (a *Agent) SetActiveIdentity(ctx context.Context, did string) error {
	if err := a.initLock.Acquire(ctx); err != nil {
		return err
	}
	defer a.initLock.Release()

	if err := a.identities.SetActive(did); err != nil {
		return err
	}

	a.socket.Close()
	a.mu.Lock()
	manifest := a.manifest
	a.token = ""
	a.registered = false
	a.mu.Unlock()

	if manifest.AppID != "" {
		ident, ok := a.identities.Active()
		if ok && ident.HasPrivateKey() {
			if err := a.register(ctx, ident, manifest); err != nil {
				a.notify()
				return err
			}
		}
	}
	a.notify()
	return nil
}

// RevokeOrigin clears every grant the active identity gave an origin. The
// origin's next data call goes back through the confirmation prompt.
func (a *Agent) RevokeOrigin(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return fmt.Errorf("%w: empty origin", ErrValidation)
	}
	ident, ok := a.identities.Active()
	if !ok {
		return ErrSessionLocked
	}
	return a.perms.RevokeOrigin(ident.DID, origin)
}

func (a *Agent) session() (models.Identity, models.AppManifest, error) {
	a.mu.Lock()
	manifest := a.manifest
	a.mu.Unlock()
	if manifest.AppID == "" {
		return models.Identity{}, models.AppManifest{}, ErrNotInitialized
	}
	ident, ok := a.identities.Active()
	if !ok || !ident.HasPrivateKey() {
		return models.Identity{}, models.AppManifest{}, ErrSessionLocked
	}
	return ident, manifest, nil
}

func (a *Agent) addListener(fn func(models.SessionState)) func() {
	if fn == nil {
		return func() {}
	}
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Agent) notify() {
	state := a.State()
	a.mu.Lock()
	fns := make([]func(models.SessionState), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
