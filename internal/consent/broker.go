// Package consent drives the registration prompts and carries every UI
// round-trip over typed request/response channels. The external UI layer
// consumes prompts from the broker and answers each one on its own reply
// slot; agent internals never hand out resolver callbacks.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"vibe/go-agent/internal/metrics"
	"vibe/go-agent/pkg/models"
)

var (
	ErrUIHandlerMissing = errors.New("no ui handler is attached")
	ErrPromptTimeout    = errors.New("prompt timed out")
	ErrPromptRejected   = errors.New("prompt rejected")
)

const (
	DefaultPromptTimeout = 2 * time.Minute
	defaultQueueSize     = 16
)

type PromptKind string

const (
	PromptInit    PromptKind = "init"
	PromptConsent PromptKind = "consent"
	PromptAction  PromptKind = "action"
)

type reply struct {
	grants map[string]models.PermissionSetting
	action models.ActionResponse
	err    error
}

// Prompt is one pending UI request. Exactly one of the answer methods must
// be called; later calls are dropped.
type Prompt struct {
	Kind     PromptKind
	Manifest models.AppManifest
	Consent  models.ConsentRequest
	Action   models.ActionRequest

	replied atomic.Bool
	replyCh chan reply
}

// Ack answers an init prompt.
func (p *Prompt) Ack() {
	p.answer(reply{})
}

// Grant answers a consent prompt with the settings the user chose.
func (p *Prompt) Grant(grants map[string]models.PermissionSetting) {
	p.answer(reply{grants: grants})
}

// Confirm answers an action prompt.
func (p *Prompt) Confirm(resp models.ActionResponse) {
	p.answer(reply{action: resp})
}

// Reject answers any prompt with a refusal.
func (p *Prompt) Reject() {
	p.answer(reply{err: ErrPromptRejected})
}

func (p *Prompt) answer(r reply) {
	if p.replied.CompareAndSwap(false, true) {
		p.replyCh <- r
	}
}

// Broker queues prompts for a single attached UI consumer. An unanswered
// prompt fails after the configured timeout instead of blocking forever;
// the timeout counts as a refusal and is never persisted as a remembered
// choice.
type Broker struct {
	prompts  chan *Prompt
	timeout  time.Duration
	attached atomic.Bool
}

func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	return &Broker{
		prompts: make(chan *Prompt, defaultQueueSize),
		timeout: timeout,
	}
}

// Attach hands the prompt stream to the UI layer. Until Attach is called
// every prompt fails with ErrUIHandlerMissing.
func (b *Broker) Attach() <-chan *Prompt {
	b.attached.Store(true)
	return b.prompts
}

func (b *Broker) RequestInitPrompt(ctx context.Context, manifest models.AppManifest) error {
	_, err := b.roundTrip(ctx, &Prompt{Kind: PromptInit, Manifest: manifest})
	return err
}

func (b *Broker) RequestConsent(ctx context.Context, req models.ConsentRequest) (map[string]models.PermissionSetting, error) {
	r, err := b.roundTrip(ctx, &Prompt{Kind: PromptConsent, Consent: req})
	if err != nil {
		return nil, err
	}
	return r.grants, nil
}

func (b *Broker) RequestActionConfirmation(ctx context.Context, req models.ActionRequest) (models.ActionResponse, error) {
	r, err := b.roundTrip(ctx, &Prompt{Kind: PromptAction, Action: req})
	if err != nil {
		return models.ActionResponse{}, err
	}
	return r.action, nil
}

func (b *Broker) roundTrip(ctx context.Context, p *Prompt) (reply, error) {
	kind := string(p.Kind)
	if !b.attached.Load() {
		metrics.PromptOutcomes.WithLabelValues(kind, "no_handler").Inc()
		return reply{}, ErrUIHandlerMissing
	}
	p.replyCh = make(chan reply, 1)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.prompts <- p:
	case <-timer.C:
		metrics.PromptOutcomes.WithLabelValues(kind, "timeout").Inc()
		return reply{}, fmt.Errorf("%w: %s prompt not consumed", ErrPromptTimeout, p.Kind)
	case <-ctx.Done():
		metrics.PromptOutcomes.WithLabelValues(kind, "cancelled").Inc()
		return reply{}, ctx.Err()
	}

	select {
	case r := <-p.replyCh:
		if r.err != nil {
			metrics.PromptOutcomes.WithLabelValues(kind, "rejected").Inc()
		} else {
			metrics.PromptOutcomes.WithLabelValues(kind, "answered").Inc()
		}
		return r, r.err
	case <-timer.C:
		// Mark answered so a late UI reply is dropped instead of being
		// delivered to nobody.
		p.replied.Store(true)
		metrics.PromptOutcomes.WithLabelValues(kind, "timeout").Inc()
		return reply{}, fmt.Errorf("%w: %s prompt unanswered", ErrPromptTimeout, p.Kind)
	case <-ctx.Done():
		p.replied.Store(true)
		metrics.PromptOutcomes.WithLabelValues(kind, "cancelled").Inc()
		return reply{}, ctx.Err()
	}
}
