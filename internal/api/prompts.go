package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"vibe/go-agent/internal/consent"
	"vibe/go-agent/pkg/models"
)

var ErrUnknownPrompt = errors.New("unknown or already answered prompt")

const promptRetention = 10 * time.Minute

// promptStreamItem is the wire form handed to the polling UI shell.
type promptStreamItem struct {
	ID       string                 `json:"id"`
	Kind     consent.PromptKind     `json:"kind"`
	Manifest *models.AppManifest    `json:"manifest,omitempty"`
	Consent  *models.ConsentRequest `json:"consent,omitempty"`
	Action   *models.ActionRequest  `json:"action,omitempty"`
}

type promptReply struct {
	ID     string                              `json:"id"`
	Ack    bool                                `json:"ack,omitempty"`
	Reject bool                                `json:"reject,omitempty"`
	Grants map[string]models.PermissionSetting `json:"grants,omitempty"`
	Action *models.ActionResponse              `json:"action,omitempty"`
}

type pendingPrompt struct {
	prompt  *consent.Prompt
	created time.Time
}

// PromptBridge adapts the broker's channel protocol to the HTTP bridge:
// prompts get correlation IDs, the UI polls for the next one and answers
// by ID.
type PromptBridge struct {
	incoming <-chan *consent.Prompt
	now      func() time.Time

	mu      sync.Mutex
	queue   []string
	pending map[string]*pendingPrompt
	wake    chan struct{}
}

func NewPromptBridge(broker *consent.Broker) *PromptBridge {
	b := &PromptBridge{
		incoming: broker.Attach(),
		now:      time.Now,
		pending:  map[string]*pendingPrompt{},
		wake:     make(chan struct{}, 1),
	}
	go b.consume()
	return b
}

func (b *PromptBridge) consume() {
	for prompt := range b.incoming {
		id := newPromptID()
		b.mu.Lock()
		b.pending[id] = &pendingPrompt{prompt: prompt, created: b.now()}
		b.queue = append(b.queue, id)
		b.pruneLocked()
		b.mu.Unlock()

		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Next blocks until a prompt is queued or ctx expires.
func (b *PromptBridge) Next(ctx context.Context) (promptStreamItem, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			id := b.queue[0]
			b.queue = b.queue[1:]
			entry, ok := b.pending[id]
			b.mu.Unlock()
			if !ok {
				continue
			}
			return itemFor(id, entry.prompt), true
		}
		b.mu.Unlock()

		select {
		case <-b.wake:
		case <-ctx.Done():
			return promptStreamItem{}, false
		}
	}
}

// Reply answers the identified prompt. Malformed replies for a known
// prompt count as a rejection rather than leaving it hanging.
func (b *PromptBridge) Reply(r promptReply) error {
	b.mu.Lock()
	entry, ok := b.pending[r.ID]
	delete(b.pending, r.ID)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPrompt, r.ID)
	}

	prompt := entry.prompt
	switch {
	case r.Reject:
		prompt.Reject()
	case prompt.Kind == consent.PromptInit && r.Ack:
		prompt.Ack()
	case prompt.Kind == consent.PromptConsent && r.Grants != nil:
		prompt.Grant(r.Grants)
	case prompt.Kind == consent.PromptAction && r.Action != nil:
		prompt.Confirm(*r.Action)
	default:
		prompt.Reject()
	}
	return nil
}

func (b *PromptBridge) pruneLocked() {
	cutoff := b.now().Add(-promptRetention)
	for id, entry := range b.pending {
		if entry.created.Before(cutoff) {
			delete(b.pending, id)
		}
	}
}

func itemFor(id string, prompt *consent.Prompt) promptStreamItem {
	item := promptStreamItem{ID: id, Kind: prompt.Kind}
	switch prompt.Kind {
	case consent.PromptInit:
		manifest := prompt.Manifest
		item.Manifest = &manifest
	case consent.PromptConsent:
		req := prompt.Consent
		item.Consent = &req
	case consent.PromptAction:
		req := prompt.Action
		item.Action = &req
	}
	return item
}

func newPromptID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("p-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
