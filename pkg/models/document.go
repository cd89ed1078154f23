package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidDocument = errors.New("invalid document")

// Document is one record in a backend collection. Known collections decode
// into typed variants; anything else stays an OpaqueDoc so unknown apps can
// still round-trip their data.
type Document interface {
	Collection() string
}

type NoteDoc struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

func (NoteDoc) Collection() string { return "notes" }

type ContactDoc struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	DID  string `json:"did,omitempty"`
}

func (ContactDoc) Collection() string { return "contacts" }

type ProfileDoc struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

func (ProfileDoc) Collection() string { return "profiles" }

type OpaqueDoc struct {
	In     string
	Fields map[string]json.RawMessage
}

func (d OpaqueDoc) Collection() string { return d.In }

// DecodeDocument validates raw backend JSON at the data-access boundary.
func DecodeDocument(collection string, raw json.RawMessage) (Document, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, ErrInvalidDocument
	}
	switch collection {
	case "notes":
		var d NoteDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return d, nil
	case "contacts":
		var d ContactDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return d, nil
	case "profiles":
		var d ProfileDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return d, nil
	default:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return OpaqueDoc{In: collection, Fields: fields}, nil
	}
}
