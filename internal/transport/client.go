// Package transport talks to the backend data service: JSON over HTTP for
// reads, writes and app registration, plus one multiplexed WebSocket per
// session for live collection updates.
package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vibe/go-agent/internal/metrics"
	"vibe/go-agent/pkg/models"
)

var ErrNetwork = errors.New("network failure")

const (
	appIDHeader    = "X-Vibe-App-ID"
	defaultTimeout = 15 * time.Second
)

type ReadResult struct {
	OK    bool              `json:"ok"`
	Docs  []json.RawMessage `json:"docs,omitempty"`
	Error string            `json:"error,omitempty"`
}

type WriteAck struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type WriteResult struct {
	OK   bool       `json:"ok"`
	Acks []WriteAck `json:"acks,omitempty"`
}

type AppStatus struct {
	IsRegistered bool                                `json:"isRegistered"`
	Manifest     *models.AppManifest                 `json:"manifest,omitempty"`
	Grants       map[string]models.PermissionSetting `json:"grants,omitempty"`
}

// TokenSource supplies the current bearer token; it changes when the
// active identity does.
type TokenSource func() string

type Client struct {
	base   *url.URL
	appID  string
	token  TokenSource
	http   *http.Client
	logger *slog.Logger
}

func NewClient(baseURL, appID string, token TokenSource, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid backend url %q", ErrNetwork, baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		base:   base,
		appID:  appID,
		token:  token,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}, nil
}

// Read fetches matching documents. Network failures are normalized into an
// unsuccessful ReadResult rather than an error: a failed read leaves no
// partial state behind, so masking is safe here.
func (c *Client) Read(ctx context.Context, collection string, filter any) (ReadResult, error) {
	body := map[string]any{"collection": collection, "filter": filter}
	var out ReadResult
	if err := c.post(ctx, "/api/v1/data/read", body, &out); err != nil {
		metrics.BackendRequests.WithLabelValues("data_read", "error").Inc()
		c.logger.Warn("backend read failed", slog.String("error", err.Error()))
		return ReadResult{OK: false, Error: err.Error()}, nil
	}
	metrics.BackendRequests.WithLabelValues("data_read", "ok").Inc()
	out.OK = out.Error == ""
	out.Docs = validDocuments(c.logger, collection, out.Docs)
	return out, nil
}

// validDocuments keeps only payloads that decode at the typed document
// boundary. One malformed record must not poison a whole snapshot or
// update batch.
func validDocuments(logger *slog.Logger, collection string, docs []json.RawMessage) []json.RawMessage {
	kept := docs[:0]
	for _, raw := range docs {
		if _, err := models.DecodeDocument(collection, raw); err != nil {
			logger.Warn("dropping malformed document",
				slog.String("collection", collection),
				slog.String("error", err.Error()))
			continue
		}
		kept = append(kept, raw)
	}
	return kept
}

// Write stores one document or a batch. The backend answers with a single
// ack or an array of acks. Failures propagate as errors: the caller cannot
// know whether the write landed, so the result must not be masked.
func (c *Client) Write(ctx context.Context, collection string, data any) (WriteResult, error) {
	body := map[string]any{"collection": collection, "data": data}
	var raw json.RawMessage
	if err := c.post(ctx, "/api/v1/data/write", body, &raw); err != nil {
		metrics.BackendRequests.WithLabelValues("data_write", "error").Inc()
		return WriteResult{}, err
	}
	metrics.BackendRequests.WithLabelValues("data_write", "ok").Inc()
	return decodeWriteResult(raw)
}

func decodeWriteResult(raw json.RawMessage) (WriteResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var acks []WriteAck
		if err := json.Unmarshal(trimmed, &acks); err != nil {
			return WriteResult{}, fmt.Errorf("%w: malformed write response: %v", ErrNetwork, err)
		}
		ok := len(acks) > 0
		for _, ack := range acks {
			ok = ok && ack.OK
		}
		return WriteResult{OK: ok, Acks: acks}, nil
	}
	var ack WriteAck
	if err := json.Unmarshal(trimmed, &ack); err != nil {
		return WriteResult{}, fmt.Errorf("%w: malformed write response: %v", ErrNetwork, err)
	}
	return WriteResult{OK: ack.OK, Acks: []WriteAck{ack}}, nil
}

func (c *Client) AppStatus(ctx context.Context, appID string) (AppStatus, error) {
	endpoint := *c.base
	endpoint.Path += "/api/v1/apps/status"
	endpoint.RawQuery = url.Values{"appId": []string{appID}}.Encode()

	var out AppStatus
	if err := c.do(ctx, http.MethodGet, endpoint.String(), nil, &out); err != nil {
		metrics.BackendRequests.WithLabelValues("apps_status", "error").Inc()
		return AppStatus{}, err
	}
	metrics.BackendRequests.WithLabelValues("apps_status", "ok").Inc()
	return out, nil
}

func (c *Client) UpsertApp(ctx context.Context, manifest models.AppManifest, grants map[string]models.PermissionSetting) error {
	body := map[string]any{
		"appId":       manifest.AppID,
		"name":        manifest.Name,
		"permissions": manifest.Permissions,
		"grants":      grants,
	}
	if err := c.post(ctx, "/api/v1/apps/upsert", body, nil); err != nil {
		metrics.BackendRequests.WithLabelValues("apps_upsert", "error").Inc()
		return err
	}
	metrics.BackendRequests.WithLabelValues("apps_upsert", "ok").Inc()
	return nil
}

// Claim exchanges a one-time claim code for a bearer token. The signature
// binds the code to the claiming identity.
func (c *Client) Claim(ctx context.Context, did, claimCode string, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: claim requires an unlocked identity", ErrNetwork)
	}
	signature := ed25519.Sign(priv, ClaimSigningBytes(did, claimCode))
	body := map[string]any{
		"did":       did,
		"claimCode": claimCode,
		"signature": signature,
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/api/v1/admin/claim", body, &out); err != nil {
		metrics.BackendRequests.WithLabelValues("admin_claim", "error").Inc()
		return "", err
	}
	metrics.BackendRequests.WithLabelValues("admin_claim", "ok").Inc()
	if strings.TrimSpace(out.Token) == "" {
		return "", fmt.Errorf("%w: claim returned no token", ErrNetwork)
	}
	return out.Token, nil
}

// ClaimSigningBytes is the canonical byte string signed during a claim.
func ClaimSigningBytes(did, claimCode string) []byte {
	return []byte(did + "|" + claimCode)
}

// SocketURL is the authenticated WebSocket endpoint for this session.
func (c *Client) SocketURL() string {
	endpoint := *c.base
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path += "/ws"
	endpoint.RawQuery = url.Values{
		"token": []string{c.token()},
		"appId": []string{c.appID},
	}.Encode()
	return endpoint.String()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, c.base.String()+path, body, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(appIDHeader, c.appID)
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrNetwork, method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrNetwork, err)
	}
	return nil
}
