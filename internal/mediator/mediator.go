// Package mediator gates every data operation on the permission matrix
// before anything reaches the network. The "ask" path hands the user a
// redacted preview of the payload and may persist the answer.
package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"vibe/go-agent/internal/metrics"
	"vibe/go-agent/internal/permission"
	"vibe/go-agent/internal/platform/ratelimiter"
	"vibe/go-agent/pkg/models"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrPromptFlood      = errors.New("confirmation prompts exceeded rate limit")
)

// Grants is the slice of the permission store the mediator needs.
type Grants interface {
	Get(did, origin string, scope permission.Scope) models.PermissionSetting
	Set(did, origin string, scope permission.Scope, setting models.PermissionSetting) error
}

// Confirmer asks the user to approve a single action.
type Confirmer interface {
	RequestActionConfirmation(ctx context.Context, req models.ActionRequest) (models.ActionResponse, error)
}

const previewDigestLen = 8

// Mediator decides, per call, whether an operation may proceed.
type Mediator struct {
	grants  Grants
	ui      Confirmer
	limiter *ratelimiter.MapLimiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(grants Grants, ui Confirmer, logger *slog.Logger) *Mediator {
	// Generous enough for a normal session, tight enough that a
	// misbehaving page cannot flood the prompt queue.
	return NewWithRate(grants, ui, logger, 0.5, 6)
}

func NewWithRate(grants Grants, ui Confirmer, logger *slog.Logger, askRPS float64, askBurst int) *Mediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mediator{
		grants:  grants,
		ui:      ui,
		limiter: ratelimiter.New(askRPS, askBurst, 10*time.Minute),
		logger:  logger,
		now:     time.Now,
	}
}

// Authorize applies the permission gate for one operation. A nil return
// means the backend call may proceed; the call itself is the caller's job.
func (m *Mediator) Authorize(ctx context.Context, identity models.Identity, app models.AppManifest, origin string, action models.ActionKind, collection string, payload any) error {
	scope := permission.NewScope(action, collection)
	setting := m.grants.Get(identity.DID, origin, scope)

	switch setting {
	case models.SettingNever:
		metrics.PermissionDecisions.WithLabelValues(string(action), "denied_policy").Inc()
		return fmt.Errorf("%w: %s for %s", ErrPermissionDenied, scope, origin)
	case models.SettingAlways:
		metrics.PermissionDecisions.WithLabelValues(string(action), "allowed_policy").Inc()
		return nil
	}

	// "ask" and unset both require a fresh confirmation. Unset shows up
	// after revoke-by-origin and on first use of a new scope.
	if !m.limiter.Allow(origin, m.now()) {
		metrics.PermissionDecisions.WithLabelValues(string(action), "rate_limited").Inc()
		return fmt.Errorf("%w: origin %s", ErrPromptFlood, origin)
	}

	req := models.ActionRequest{
		Action:     action,
		Origin:     origin,
		Collection: collection,
		Preview:    BuildPreview(payload),
		ActingDID:  identity.DID,
		App:        app,
	}
	resp, err := m.ui.RequestActionConfirmation(ctx, req)
	if err != nil {
		metrics.PermissionDecisions.WithLabelValues(string(action), "prompt_failed").Inc()
		return err
	}

	if !resp.Allowed {
		if resp.RememberChoice {
			m.remember(identity.DID, origin, scope, models.SettingNever)
		}
		metrics.PermissionDecisions.WithLabelValues(string(action), "denied_user").Inc()
		return fmt.Errorf("%w: %s for %s", ErrPermissionDenied, scope, origin)
	}
	if resp.RememberChoice {
		m.remember(identity.DID, origin, scope, models.SettingAlways)
	}
	metrics.PermissionDecisions.WithLabelValues(string(action), "allowed_user").Inc()
	return nil
}

func (m *Mediator) remember(did, origin string, scope permission.Scope, setting models.PermissionSetting) {
	if err := m.grants.Set(did, origin, scope, setting); err != nil {
		m.logger.Warn("persisting remembered choice failed",
			slog.String("acting_did", did),
			slog.String("origin", origin),
			slog.String("scope", string(scope)),
			slog.String("error", err.Error()))
	}
}

// BuildPreview keeps the payload's field names but replaces each value
// with a truncated blake2b digest, so the confirmation dialog can show
// shape without content. Non-object payloads collapse to one entry.
func BuildPreview(payload any) map[string]string {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]string{"payload": "unrepresentable"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]string{"payload": digest(raw)}
	}
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		out[name] = digest(value)
	}
	return out
}

func digest(value []byte) string {
	sum := blake2b.Sum256(value)
	return fmt.Sprintf("%x", sum[:previewDigestLen])
}
