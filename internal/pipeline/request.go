// Package pipeline runs the research orchestration: it fans ingestion out
// across documents, web pages and decks, assembles the prompt, invokes
// the model, and emits a report with its retrieval index.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validation error kinds.
var (
	ErrEmptyRequest      = errors.New("empty request")
	ErrDeepRequiresQuery = errors.New("deep mode requires a query")
	ErrConfigOutOfRange  = errors.New("config out of range")
)

// Mode selects the research path.
type Mode string

const (
	ModeClassic Mode = "classic"
	ModeDeep    Mode = "deep"
)

// DocumentInput is one uploaded document.
type DocumentInput struct {
	Name  string `validate:"required"`
	Bytes []byte `validate:"required"`
}

// CrawlSpec requests a bounded site crawl.
type CrawlSpec struct {
	StartURL string `validate:"required,url"`
	MaxPages int    `validate:"omitempty,min=1,max=50"`
	MaxDepth int    `validate:"omitempty,min=1,max=8"`
}

// DeckSpec requests extraction of an access-gated deck.
type DeckSpec struct {
	URL      string `validate:"required,url"`
	Email    string `validate:"required,email"`
	Password string
}

// Config carries the enumerated request options. Zero values mean
// defaults; set values are range-checked.
type Config struct {
	Model           string
	Breadth         int  `validate:"omitempty,min=1,max=15"`
	Depth           int  `validate:"omitempty,min=1,max=8"`
	MaxToolCalls    int  `validate:"omitempty,min=1,max=15"`
	ExtractEntities bool
	CrawlLimit      int `validate:"omitempty,min=1,max=50"`
}

// ResearchRequest is the immutable input record for one pipeline run.
type ResearchRequest struct {
	Query       string
	Mode        Mode `validate:"required,oneof=classic deep"`
	Documents   []DocumentInput
	URLs        []string `validate:"dive,url"`
	SitemapRoot string   `validate:"omitempty,url"`
	Crawl       *CrawlSpec
	Deck        *DeckSpec
	Config      Config
}

var validate = validator.New()

// Validate checks structural validity and the mode gating rules: deep
// mode needs a query; classic mode needs a query or at least one input.
func (r *ResearchRequest) Validate() error {
	if r.Mode == "" {
		r.Mode = ModeClassic
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigOutOfRange, err)
	}
	if r.Crawl != nil {
		if err := validate.Struct(r.Crawl); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigOutOfRange, err)
		}
	}
	if r.Deck != nil {
		if err := validate.Struct(r.Deck); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigOutOfRange, err)
		}
	}

	query := strings.TrimSpace(r.Query)
	switch r.Mode {
	case ModeDeep:
		if query == "" {
			return ErrDeepRequiresQuery
		}
	case ModeClassic:
		if query == "" && len(r.Documents) == 0 && len(r.URLs) == 0 &&
			r.SitemapRoot == "" && r.Crawl == nil && r.Deck == nil {
			return ErrEmptyRequest
		}
	}
	return nil
}
