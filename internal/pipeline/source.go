package pipeline

import (
	"github.com/google/uuid"
)

// SourceKind tags the ingestion variant of a Source.
type SourceKind string

const (
	SourceDocument SourceKind = "document"
	SourceWeb      SourceKind = "web"
	SourceDeck     SourceKind = "deck"
)

// SourceStatus is the sub-job lifecycle state. Transitions only move
// forward: pending, in_progress, then extracted or failed.
type SourceStatus string

const (
	StatusPending    SourceStatus = "pending"
	StatusInProgress SourceStatus = "in_progress"
	StatusExtracted  SourceStatus = "extracted"
	StatusFailed     SourceStatus = "failed"
)

// Source is one ingested input and its extraction outcome.
type Source struct {
	ID       string         `json:"id"`
	Kind     SourceKind     `json:"kind"`
	Origin   string         `json:"origin"`
	Status   SourceStatus   `json:"status"`
	Text     string         `json:"-"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// documentData holds the raw bytes of an uploaded document until
	// extraction runs.
	documentData []byte
	// deck holds the access details for a deck source.
	deck *DeckSpec
}

func newSource(kind SourceKind, origin string) *Source {
	return &Source{
		ID:     uuid.NewString(),
		Kind:   kind,
		Origin: origin,
		Status: StatusPending,
	}
}

func (s *Source) start() {
	if s.Status == StatusPending {
		s.Status = StatusInProgress
	}
}

func (s *Source) complete(text string, metadata map[string]any) {
	if s.terminal() {
		return
	}
	s.Status = StatusExtracted
	s.Text = text
	s.Metadata = metadata
}

func (s *Source) fail(reason string) {
	if s.terminal() {
		return
	}
	s.Status = StatusFailed
	s.Error = reason
}

func (s *Source) terminal() bool {
	return s.Status == StatusExtracted || s.Status == StatusFailed
}
