// Package loader implements the Extract stage: it fetches a batch of user
// records from the live source and falls back to the embedded demo dataset
// whenever the source cannot be used.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/JonMunkholm/MiniETL/internal/core"
	"github.com/JonMunkholm/MiniETL/internal/logging"
)

// Defaults for Config fields left zero.
const (
	DefaultURL          = "https://randomuser.me/api/?results=20&nat=us,gb,fr,de,ca"
	DefaultTimeout      = 10 * time.Second
	DefaultAttempts     = 3
	DefaultRetryInitial = 200 * time.Millisecond
	DefaultRetryMax     = 2 * time.Second
	DefaultMaxBodyBytes = 2 << 20 // 2MB
	DefaultUserAgent    = "mini-etl/1.0"
)

// Config controls the live source request.
type Config struct {
	URL          string
	Timeout      time.Duration // per attempt
	Attempts     int
	RetryInitial time.Duration
	RetryMax     time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return c
}

// Loader fetches raw records. It implements core.Extractor.
type Loader struct {
	cfg      Config
	client   *http.Client
	schema   *jsonschema.Schema
	fallback Dataset
	now      func() time.Time
}

// New creates a Loader with the embedded fallback dataset.
func New(cfg Config) (*Loader, error) {
	ds, err := LoadFallback()
	if err != nil {
		return nil, err
	}
	return NewWithDataset(cfg, ds)
}

// NewWithDataset creates a Loader that falls back to ds.
func NewWithDataset(cfg Config, ds Dataset) (*Loader, error) {
	cfg = cfg.withDefaults()
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:      cfg,
		client:   NewHTTPClient(cfg.Timeout),
		schema:   schema,
		fallback: ds,
		now:      time.Now,
	}, nil
}

// FallbackMetrics returns the precomputed metrics of the demo dataset.
func (l *Loader) FallbackMetrics() core.Metrics {
	return l.fallback.Metrics
}

// Pipeline returns the stage names listed in the demo dataset.
func (l *Loader) Pipeline() []string {
	return l.fallback.Pipeline
}

// Load returns live records when preferLive is set and the source answers
// with a usable payload, and the demo dataset otherwise. It never fails.
func (l *Loader) Load(ctx context.Context, preferLive bool) core.Extraction {
	if !preferLive {
		return l.fallbackExtraction(&core.RetrievalFailure{Reason: core.ReasonDisabled})
	}

	log := logging.WithFields(ctx, "source", l.cfg.URL)
	start := time.Now()

	records, failure := l.fetch(ctx)
	if failure != nil {
		log.Warn("fetch failed",
			"reason", failure.Reason,
			"error", failure.Err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return l.fallbackExtraction(failure)
	}

	log.Debug("fetch completed", "records", len(records), "duration_ms", time.Since(start).Milliseconds())
	return core.Extraction{
		Provenance: core.Provenance{
			SourceURL:    l.cfg.URL,
			FallbackUsed: false,
			FetchedAt:    l.now().UTC(),
		},
		Records: records,
	}
}

func (l *Loader) fallbackExtraction(failure *core.RetrievalFailure) core.Extraction {
	return core.Extraction{
		Provenance: core.Provenance{
			SourceURL:    FallbackSourceURL,
			FallbackUsed: true,
			FetchedAt:    l.now().UTC(),
		},
		Records: l.fallback.records(),
		Failure: failure,
	}
}

// fetch GETs the source with retries and decodes the payload.
func (l *Loader) fetch(ctx context.Context) ([]core.RawRecord, *core.RetrievalFailure) {
	var body []byte
	err := Retry(ctx, l.cfg.Attempts, l.cfg.RetryInitial, l.cfg.RetryMax, func() error {
		b, err := l.get(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		var rf *core.RetrievalFailure
		if errors.As(err, &rf) {
			return nil, rf
		}
		return nil, &core.RetrievalFailure{Reason: core.ReasonTransport, Err: err}
	}

	return decodePayload(l.schema, body)
}

// get performs one attempt. Transport errors, 429 and 5xx are retryable;
// everything else is Permanent.
func (l *Loader) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.URL, nil)
	if err != nil {
		return nil, Permanent(&core.RetrievalFailure{Reason: core.ReasonTransport, Err: err})
	}
	req.Header.Set("User-Agent", l.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &core.RetrievalFailure{Reason: core.ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		rf := &core.RetrievalFailure{Reason: core.ReasonStatus, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, rf
		}
		return nil, Permanent(rf)
	}

	body, n, err := readBody(resp.Body, l.cfg.MaxBodyBytes)
	if err != nil {
		return nil, &core.RetrievalFailure{Reason: core.ReasonTransport, Err: fmt.Errorf("read body: %w", err)}
	}
	if n > l.cfg.MaxBodyBytes {
		return nil, Permanent(&core.RetrievalFailure{
			Reason: core.ReasonTooLarge,
			Err:    fmt.Errorf("body exceeds %d bytes", l.cfg.MaxBodyBytes),
		})
	}
	return body, nil
}
