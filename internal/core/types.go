package core

import (
	"context"
	"time"
)

// Location is the free-form location block of a user record.
type Location struct {
	City    Field[string] `json:"city,omitzero"`
	Country Field[string] `json:"country,omitzero"`
}

// RawRecord is a user record as received from the source, before normalization.
// Every field may be absent.
type RawRecord struct {
	ID       Field[string]   `json:"id,omitzero"`
	Name     Field[string]   `json:"name,omitzero"`
	Email    Field[string]   `json:"email,omitzero"`
	Phone    Field[string]   `json:"phone,omitzero"`
	Location Field[Location] `json:"location,omitzero"`
	Age      Field[int]      `json:"age,omitzero"`
	Gender   Field[string]   `json:"gender,omitzero"`
	Nat      Field[string]   `json:"nat,omitzero"` // nationality / country code
}

// City returns the city of the record's location, if any.
func (r RawRecord) City() Field[string] {
	if loc, ok := r.Location.Get(); ok {
		return loc.City
	}
	return None[string]()
}

// Country returns the country of the record's location, if any.
func (r RawRecord) Country() Field[string] {
	if loc, ok := r.Location.Get(); ok {
		return loc.Country
	}
	return None[string]()
}

// CleanRecord is a normalized record retained by Process.
type CleanRecord struct {
	RawRecord
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"` // why Valid is false
	Key    string   `json:"-"`                // identity key used for dedup
}

// NoDataMarker is shown in place of LastRecord when a batch retained nothing.
const NoDataMarker = "n/a"

// Metrics summarizes one processed batch.
// Invariant: RowsIn == RowsOut + DedupRemoved.
type Metrics struct {
	RowsIn       int           `json:"rows_in"`
	RowsOut      int           `json:"rows_out"`
	DedupRemoved int           `json:"dedup_removed"`
	Countries    int           `json:"countries"`
	RowsInvalid  int           `json:"rows_invalid"`
	LastRecord   Field[string] `json:"lastRecord"`
}

// LastRecordLabel returns LastRecord or NoDataMarker when absent.
func (m Metrics) LastRecordLabel() string {
	return m.LastRecord.Or(NoDataMarker)
}

// MetricsSource tells whether metrics were computed from the batch or
// taken verbatim from the fallback dataset.
type MetricsSource string

const (
	MetricsComputed MetricsSource = "computed"
	MetricsFallback MetricsSource = "fallback"
)

// Provenance describes where a batch came from and when.
type Provenance struct {
	SourceURL    string    `json:"sourceUrl"`
	FallbackUsed bool      `json:"fallbackUsed"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// Extraction is the output of the Extract stage.
type Extraction struct {
	Provenance
	Records []RawRecord

	// Failure says why FallbackUsed is true: the recovered retrieval error,
	// or ReasonDisabled when live data was not requested. Nil for a live batch.
	Failure *RetrievalFailure
}

// StageName identifies a pipeline stage.
type StageName string

const (
	StageExtract   StageName = "Extract"
	StageTransform StageName = "Transform"
	StageLoad      StageName = "Load"
)

// DefaultPipeline is the stage order of every run.
var DefaultPipeline = []string{string(StageExtract), string(StageTransform), string(StageLoad)}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageDone     StageStatus = "done"
	StageDegraded StageStatus = "degraded" // completed, but a side effect failed
)

// StageReport is the log line and timing of one stage.
type StageReport struct {
	Name       StageName   `json:"name"`
	Status     StageStatus `json:"status"`
	Message    string      `json:"message"`
	DurationMs int64       `json:"durationMs"`
}

// ProcessingResult is the complete, immutable output of one run.
// Consumers must treat it as read-only; the next run replaces it wholesale.
type ProcessingResult struct {
	RunID string `json:"runId"`
	Provenance
	Users         []CleanRecord `json:"users"`
	Metrics       Metrics       `json:"metrics"`
	MetricsSource MetricsSource `json:"metricsSource"`
	FallbackCode  string        `json:"fallbackCode,omitempty"` // SRC code when live data was not used
	Stages        []StageReport `json:"stages"`
	Trigger       string        `json:"trigger"`
	StartedAt     time.Time     `json:"startedAt"`
	DurationMs    int64         `json:"durationMs"`

	seq uint64
}

// Summary returns the history row for this result.
func (r *ProcessingResult) Summary() RunSummary {
	return RunSummary{
		RunID:         r.RunID,
		Trigger:       r.Trigger,
		SourceURL:     r.SourceURL,
		FallbackUsed:  r.FallbackUsed,
		MetricsSource: r.MetricsSource,
		FallbackCode:  r.FallbackCode,
		Metrics:       r.Metrics,
		FetchedAt:     r.FetchedAt,
		StartedAt:     r.StartedAt,
		DurationMs:    r.DurationMs,
	}
}

// RunSummary is the persisted record of a run (no user rows).
type RunSummary struct {
	RunID         string        `json:"runId"`
	Trigger       string        `json:"trigger"`
	SourceURL     string        `json:"sourceUrl"`
	FallbackUsed  bool          `json:"fallbackUsed"`
	MetricsSource MetricsSource `json:"metricsSource"`
	FallbackCode  string        `json:"fallbackCode,omitempty"`
	Metrics       Metrics       `json:"metrics"`
	FetchedAt     time.Time     `json:"fetchedAt"`
	StartedAt     time.Time     `json:"startedAt"`
	DurationMs    int64         `json:"durationMs"`
}

// RunEvent is published once a run's result is ready.
type RunEvent struct {
	RunSummary
	Users []CleanRecord `json:"users"`
}

// Extractor obtains a raw batch. Implementations never fail: a broken
// source is reported through Extraction.Failure and fallback data.
type Extractor interface {
	Load(ctx context.Context, preferLive bool) Extraction
}

// Publisher delivers completed runs to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev RunEvent) error
}

// RunStore keeps the history of runs.
type RunStore interface {
	Record(ctx context.Context, run RunSummary) error
	List(ctx context.Context, limit int) ([]RunSummary, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// RunObserver receives run telemetry.
type RunObserver interface {
	ObserveRun(outcome string, d time.Duration, m Metrics)
	ObserveRetrievalFailure(reason string)
	ObservePublishFailure(target string)
}
