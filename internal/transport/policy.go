package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler receives the current view of a subscribed collection.
type Handler func(docs []json.RawMessage)

// UpdatePolicy turns one incoming update frame into the document set
// delivered to the subscriber. The strategy is deliberately swappable: the
// backend contract does not pin down whether pushes carry full state or
// single documents.
type UpdatePolicy interface {
	Resolve(ctx context.Context, collection string, payload json.RawMessage) ([]json.RawMessage, error)
}

// Reader is the client surface the refetch policy needs.
type Reader interface {
	Read(ctx context.Context, collection string, filter any) (ReadResult, error)
}

// RefetchPolicy re-reads the whole collection on every push and ignores
// the pushed payload. This mirrors the backend's historical behavior of
// sending single-document updates that cannot be merged locally.
type RefetchPolicy struct {
	Reader Reader
}

func (p RefetchPolicy) Resolve(ctx context.Context, collection string, _ json.RawMessage) ([]json.RawMessage, error) {
	result, err := p.Reader.Read(ctx, collection, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("%w: refetch of %s: %s", ErrNetwork, collection, result.Error)
	}
	return result.Docs, nil
}

// MergePolicy delivers the pushed payload as-is: a JSON array passes
// through, a single document becomes a one-element set.
type MergePolicy struct{}

func (MergePolicy) Resolve(_ context.Context, _ string, payload json.RawMessage) ([]json.RawMessage, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(payload, &docs); err == nil {
		return docs, nil
	}
	return []json.RawMessage{payload}, nil
}
