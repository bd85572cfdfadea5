// Package deck extracts text from email-gated slide decks by driving a
// headless browser through the hosting site's access flow, screenshotting
// each slide, and running OCR over the captures.
package deck

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scrutari/scrutari/internal/logger"
)

// Error types for distinguishing failure reasons.
var (
	ErrBrowserInit      = errors.New("browser initialization failed")
	ErrInvalidDeckURL   = errors.New("invalid deck url")
	ErrPasswordRequired = errors.New("deck requires a password")
	ErrAccessDenied     = errors.New("deck access denied")
	ErrNoSlides         = errors.New("no slides found")
	ErrOCR              = errors.New("ocr failed")
)

// SlideText is the OCR output of one slide.
type SlideText struct {
	SlideNumber int    `json:"slide_number"`
	Text        string `json:"text"`
	Length      int    `json:"length"`
}

// Extraction is the deck processing outcome.
type Extraction struct {
	Text       string
	SlideTexts []SlideText
	Metadata   map[string]any
}

// driver is the browser surface the state machine runs against. The
// chromedp implementation is in browser.go; tests substitute a fake.
type driver interface {
	Navigate(ctx context.Context, target string) error
	FindEmailField(ctx context.Context) (string, error)
	FindPasswordField(ctx context.Context) (string, error)
	WaitPasswordField(ctx context.Context, timeout time.Duration) (string, error)
	TypeInto(ctx context.Context, selector, text string) error
	Submit(ctx context.Context, fallbackSelector string) error
	WaitForImages(ctx context.Context, timeout time.Duration) error
	MainImage(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
	IndicatorText(ctx context.Context) (string, error)
	NextSlide(ctx context.Context) error
	Screenshot(ctx context.Context, selector string) ([]byte, error)
	Close() error
}

// OCRFunc converts a PNG capture to text.
type OCRFunc func(ctx context.Context, png []byte) (string, error)

// ProgressFunc receives (percentage, status) updates. It is invoked from
// the extraction goroutine through the Progress guard, never directly
// into UI code.
type ProgressFunc func(percentage int, status string)

// Extractor drives deck extraction sessions.
type Extractor struct {
	newDriver func(ctx context.Context) (driver, error)
	ocr       OCRFunc
	progress  *Progress

	sleep   func(ctx context.Context, d time.Duration) error
	uniform func(lo, hi float64) time.Duration
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithOCR replaces the OCR backend.
func WithOCR(ocr OCRFunc) Option {
	return func(e *Extractor) { e.ocr = ocr }
}

// WithProgress attaches a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Extractor) { e.progress = newProgress(fn) }
}

// NewExtractor creates a deck extractor using a headless Chromium-based
// browser and the configured OCR binary.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		newDriver: newChromeDriver,
		ocr:       ocrExec,
		progress:  newProgress(nil),
		sleep:     sleepCtx,
		uniform:   uniformDuration,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func uniformDuration(lo, hi float64) time.Duration {
	return time.Duration((lo + rand.Float64()*(hi-lo)) * float64(time.Second))
}

// Extract runs the full access-and-capture flow for one deck. The
// password is optional; decks that demand one without it supplied fail
// with ErrPasswordRequired.
func (e *Extractor) Extract(ctx context.Context, deckURL, email, password string) (*Extraction, error) {
	parsed, err := url.Parse(deckURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeckURL, deckURL)
	}

	start := time.Now()
	d, err := e.newDriver(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserInit, err)
	}
	defer d.Close()

	slides, total, err := e.run(ctx, d, deckURL, email, password)
	if err != nil {
		return nil, err
	}

	e.progress.report(95, "Finalizing")

	texts := make([]string, 0, len(slides))
	withText := 0
	totalChars := 0
	for _, s := range slides {
		if s.Text != "" {
			texts = append(texts, s.Text)
			withText++
			totalChars += s.Length
		}
	}

	e.progress.report(100, "Done")
	return &Extraction{
		Text:       strings.Join(texts, " "),
		SlideTexts: slides,
		Metadata: map[string]any{
			"source_type":      "deck",
			"total_slides":     total,
			"processed_slides": len(slides),
			"slides_with_text": withText,
			"total_characters": totalChars,
			"processing_time":  time.Since(start).Seconds(),
			"url":              deckURL,
		},
	}, nil
}

// run walks the access state machine: LOAD, FORM, WAIT_AFTER_FORM,
// PASSWORD, CONTENT, ITERATE.
func (e *Extractor) run(ctx context.Context, d driver, deckURL, email, password string) ([]SlideText, int, error) {
	// LOAD
	e.progress.report(10, "Loading deck")
	if err := d.Navigate(ctx, deckURL); err != nil {
		return nil, 0, fmt.Errorf("navigate: %w", err)
	}
	if err := e.sleep(ctx, e.uniform(2.5, 4.0)); err != nil {
		return nil, 0, err
	}

	// FORM
	e.progress.report(15, "Entering email")
	combined := false
	emailSel, err := d.FindEmailField(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("email field: %w", err)
	}
	if emailSel != "" {
		passSel, err := d.FindPasswordField(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("password field: %w", err)
		}
		if err := d.TypeInto(ctx, emailSel, email); err != nil {
			return nil, 0, fmt.Errorf("type email: %w", err)
		}
		if passSel != "" && password != "" {
			combined = true
			e.progress.report(18, "Entering password")
			if err := d.TypeInto(ctx, passSel, password); err != nil {
				return nil, 0, fmt.Errorf("type password: %w", err)
			}
		}
		if err := d.Submit(ctx, emailSel); err != nil {
			return nil, 0, fmt.Errorf("submit form: %w", err)
		}
	}

	// WAIT_AFTER_FORM
	if err := e.sleep(ctx, e.uniform(3.0, 5.0)); err != nil {
		return nil, 0, err
	}

	// PASSWORD
	if !combined {
		passSel, err := d.WaitPasswordField(ctx, 8*time.Second)
		if err != nil {
			return nil, 0, fmt.Errorf("wait password: %w", err)
		}
		if passSel != "" {
			if password == "" {
				return nil, 0, ErrPasswordRequired
			}
			e.progress.report(20, "Entering password")
			if err := d.TypeInto(ctx, passSel, password); err != nil {
				return nil, 0, fmt.Errorf("type password: %w", err)
			}
			if err := d.Submit(ctx, passSel); err != nil {
				return nil, 0, fmt.Errorf("submit password: %w", err)
			}
			if err := e.sleep(ctx, e.uniform(3.0, 5.0)); err != nil {
				return nil, 0, err
			}
		}
	}

	// CONTENT
	e.progress.report(30, "Locating slides")
	if err := d.WaitForImages(ctx, 15*time.Second); err != nil {
		logger.Debug("no images appeared in time", "url", deckURL, "error", err)
	}
	mainSel, err := d.MainImage(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("main image: %w", err)
	}
	if mainSel == "" {
		source, srcErr := d.PageSource(ctx)
		if srcErr == nil {
			if kind := classifyDenial(source); kind != "" {
				return nil, 0, fmt.Errorf("%w: %s", ErrAccessDenied, kind)
			}
		}
		return nil, 0, ErrNoSlides
	}

	// ITERATE
	indicator, _ := d.IndicatorText(ctx)
	total := parseSlideCount(indicator)

	var slides []SlideText
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		if i > 0 {
			if err := d.NextSlide(ctx); err != nil {
				logger.Debug("slide navigation failed", "slide", i, "error", err)
			}
			if err := e.sleep(ctx, e.uniform(1.0, 2.0)); err != nil {
				return nil, 0, err
			}
			if sel, err := d.MainImage(ctx); err == nil && sel != "" {
				mainSel = sel
			}
		}

		e.progress.report(40+i*50/total, fmt.Sprintf("Processing slide %d of %d", i+1, total))

		text := ""
		png, err := d.Screenshot(ctx, mainSel)
		if err != nil {
			logger.Warn("slide screenshot failed", "slide", i+1, "error", err)
		} else if png != nil {
			text, err = e.ocr(ctx, png)
			if err != nil {
				logger.Warn("slide ocr failed", "slide", i+1, "error", err)
				text = ""
			}
		}
		text = strings.TrimSpace(text)
		slides = append(slides, SlideText{SlideNumber: i + 1, Text: text, Length: len(text)})

		if i < total-1 {
			if err := e.sleep(ctx, e.uniform(0.5, 1.0)); err != nil {
				return nil, 0, err
			}
		}
	}
	return slides, total, nil
}

var slideCountRe = regexp.MustCompile(`(\d+)\s*(?:of|/)\s*(\d+)`)

// parseSlideCount pulls the total from an "n of m" or "n / m" page
// indicator; absent or unparseable indicators mean a single slide.
func parseSlideCount(indicator string) int {
	m := slideCountRe.FindStringSubmatch(indicator)
	if m == nil {
		return 1
	}
	total, err := strconv.Atoi(m[2])
	if err != nil || total < 1 {
		return 1
	}
	return total
}

// denialTokens maps page-source fragments to access-denied sub-kinds.
var denialTokens = []struct {
	token string
	kind  string
}{
	{"approval", "pending_approval"},
	{"verify your email", "email_verification"},
	{"verification", "email_verification"},
	{"incorrect password", "wrong_password"},
	{"wrong password", "wrong_password"},
	{"invalid email", "invalid_email"},
	{"restricted", "restricted"},
	{"private", "private"},
}

func classifyDenial(source string) string {
	lower := strings.ToLower(source)
	for _, dt := range denialTokens {
		if strings.Contains(lower, dt.token) {
			return dt.kind
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
