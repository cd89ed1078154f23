package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"vibe/go-agent/internal/permission"
	"vibe/go-agent/pkg/models"
)

var ErrConsentDeclined = errors.New("consent declined")

type Scenario string

const (
	ScenarioNew      Scenario = "new"
	ScenarioUpdate   Scenario = "update"
	ScenarioNoChange Scenario = "no_change"
)

// Classify decides the registration scenario from set arithmetic alone:
// nothing granted yet is NEW, anything requested beyond the grants is
// UPDATE, a subset of the grants is NO_CHANGE.
func Classify(requested []string, existing map[string]models.PermissionSetting) Scenario {
	if len(existing) == 0 {
		return ScenarioNew
	}
	for _, scope := range requested {
		if _, ok := existing[scope]; !ok {
			return ScenarioUpdate
		}
	}
	return ScenarioNoChange
}

// UI is the injected prompt surface; *Broker satisfies it.
type UI interface {
	RequestInitPrompt(ctx context.Context, manifest models.AppManifest) error
	RequestConsent(ctx context.Context, req models.ConsentRequest) (map[string]models.PermissionSetting, error)
}

// Grants is the permission-store surface the coordinator needs.
type Grants interface {
	ForOrigin(did, origin string) map[string]models.PermissionSetting
	Set(did, origin string, scope permission.Scope, setting models.PermissionSetting) error
}

type Coordinator struct {
	ui     UI
	grants Grants
	logger *slog.Logger
}

func NewCoordinator(ui UI, grants Grants, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ui: ui, grants: grants, logger: logger}
}

// Negotiate runs the registration flow for one (identity, origin, manifest)
// and returns the effective grant set. Scopes the app stopped requesting
// are left in place; revocation is an explicit separate action.
func (c *Coordinator) Negotiate(ctx context.Context, did, origin string, manifest models.AppManifest) (map[string]models.PermissionSetting, error) {
	manifest = manifest.Normalized()
	for _, raw := range manifest.Permissions {
		if _, err := permission.ParseScope(raw); err != nil {
			return nil, err
		}
	}

	existing := c.grants.ForOrigin(did, origin)
	scenario := Classify(manifest.Permissions, existing)
	c.logger.Info("consent negotiation",
		slog.String("origin", origin),
		slog.String("scenario", string(scenario)),
		slog.Int("requested", len(manifest.Permissions)),
		slog.Int("existing", len(existing)))

	switch scenario {
	case ScenarioNoChange:
		return existing, nil

	case ScenarioNew:
		if err := c.ui.RequestInitPrompt(ctx, manifest); err != nil {
			return nil, err
		}
		granted, err := c.ui.RequestConsent(ctx, models.ConsentRequest{
			Manifest:  manifest,
			Origin:    origin,
			Requested: manifest.Permissions,
			Existing:  map[string]models.PermissionSetting{},
		})
		if err != nil {
			return nil, err
		}
		if len(granted) == 0 {
			return nil, fmt.Errorf("%w: origin %s", ErrConsentDeclined, origin)
		}
		if err := c.persist(did, origin, granted); err != nil {
			return nil, err
		}
		return granted, nil

	case ScenarioUpdate:
		newScopes := missingScopes(manifest.Permissions, existing)
		granted, err := c.ui.RequestConsent(ctx, models.ConsentRequest{
			Manifest:   manifest,
			Origin:     origin,
			Requested:  manifest.Permissions,
			Existing:   existing,
			NewlyAsked: newScopes,
		})
		if err != nil {
			return nil, err
		}
		if len(granted) == 0 {
			return nil, fmt.Errorf("%w: origin %s", ErrConsentDeclined, origin)
		}
		merged := make(map[string]models.PermissionSetting, len(existing)+len(granted))
		for scope, setting := range existing {
			merged[scope] = setting
		}
		for scope, setting := range granted {
			merged[scope] = setting
		}
		if err := c.persist(did, origin, merged); err != nil {
			return nil, err
		}
		return merged, nil
	}
	return nil, fmt.Errorf("unknown consent scenario %q", scenario)
}

func (c *Coordinator) persist(did, origin string, grants map[string]models.PermissionSetting) error {
	// Stable order keeps the persisted matrix deterministic under test.
	scopes := make([]string, 0, len(grants))
	for scope := range grants {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		if err := c.grants.Set(did, origin, permission.Scope(scope), grants[scope]); err != nil {
			return err
		}
	}
	return nil
}

func missingScopes(requested []string, existing map[string]models.PermissionSetting) []string {
	out := make([]string, 0, len(requested))
	for _, scope := range requested {
		if _, ok := existing[scope]; !ok {
			out = append(out, scope)
		}
	}
	return out
}
