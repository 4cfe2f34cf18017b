package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/MiniETL/internal/logging"
)

// RunTimeout is the maximum duration of a single pipeline run.
var RunTimeout = 2 * time.Minute

// Run outcomes reported to the RunObserver.
const (
	OutcomeLive     = "live"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
)

// Side-effect targets reported on publish failures.
const (
	TargetHistory = "history"
	TargetBroker  = "broker"
)

// ServiceOptions configures a Service. Zero values select defaults.
type ServiceOptions struct {
	Store     RunStore    // default: in-memory ring
	Publisher Publisher   // default: discard
	Observer  RunObserver // default: discard

	// FallbackMetrics are used verbatim when an extraction has no records.
	FallbackMetrics Metrics
	// Pipeline lists the stage names shown to clients.
	Pipeline []string

	RunTimeout time.Duration
	MaxWait    time.Duration // how long a trigger waits for the run slot

	Now func() time.Time
}

// Service runs the ETL pipeline and holds the latest result.
type Service struct {
	extractor Extractor
	store     RunStore
	publisher Publisher
	observer  RunObserver

	fallbackMetrics Metrics
	pipeline        []string
	runTimeout      time.Duration
	now             func() time.Time

	limiter  *RunLimiter
	group    singleflight.Group
	seq      atomic.Uint64
	inflight atomic.Int64

	mu      sync.RWMutex
	current *ProcessingResult
}

// NewService creates a new Service instance.
func NewService(extractor Extractor, opts ServiceOptions) *Service {
	s := &Service{
		extractor:       extractor,
		store:           opts.Store,
		publisher:       opts.Publisher,
		observer:        opts.Observer,
		fallbackMetrics: opts.FallbackMetrics,
		pipeline:        opts.Pipeline,
		runTimeout:      opts.RunTimeout,
		now:             opts.Now,
		limiter:         NewRunLimiter(1, opts.MaxWait),
	}
	if s.store == nil {
		s.store = NewMemoryRunStore(0)
	}
	if s.publisher == nil {
		s.publisher = discard{}
	}
	if s.observer == nil {
		s.observer = discard{}
	}
	if len(s.pipeline) == 0 {
		s.pipeline = DefaultPipeline
	}
	if s.runTimeout <= 0 {
		s.runTimeout = RunTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run executes one pipeline run and returns its result.
//
// Concurrent calls with the same preferLive join the run in flight. Other
// calls wait for the run slot and fail with ErrRunBusy when the wait times
// out. A run that fell back to demo data is a success; only a run that could
// not complete returns an error.
//
// The run itself is detached from ctx: a caller that gives up does not
// cancel a run other callers may share.
func (s *Service) Run(ctx context.Context, preferLive bool) (*ProcessingResult, error) {
	key := "fallback"
	if preferLive {
		key = "live"
	}

	ch := s.group.DoChan(key, func() (any, error) {
		s.inflight.Add(1)
		defer s.inflight.Add(-1)
		return s.run(context.WithoutCancel(ctx), preferLive)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ProcessingResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the last published result, or nil before the first run.
func (s *Service) Current() *ProcessingResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// History returns up to limit recent runs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	runs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Pipeline returns the stage names of a run.
func (s *Service) Pipeline() []string {
	return s.pipeline
}

// Store returns the run history store.
func (s *Service) Store() RunStore {
	return s.store
}

// LimiterStatus returns the run slot state for monitoring.
func (s *Service) LimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// WaitForRuns blocks until no run is in flight or ctx is done.
func (s *Service) WaitForRuns(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.inflight.Load() == 0 {
			return s.limiter.WaitForDrain(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// run performs Extract, Transform and Load while holding the run slot.
func (s *Service) run(ctx context.Context, preferLive bool) (res *ProcessingResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	startedAt, begin := s.now(), time.Now()
	if err := s.limiter.Acquire(ctx); err != nil {
		s.observer.ObserveRun(OutcomeFailed, time.Since(begin), Metrics{})
		return nil, err
	}
	defer s.limiter.Release()

	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	log := logging.FromContext(ctx)
	trigger := TriggerFromContext(ctx)
	seq := s.seq.Add(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline run panicked", "panic", r, "stack", string(debug.Stack()))
			s.observer.ObserveRun(OutcomeFailed, time.Since(begin), Metrics{})
			res, err = nil, fmt.Errorf("%w: %v", ErrRunFailed, r)
		}
	}()

	log.Info("pipeline run started", "trigger", trigger, "prefer_live", preferLive,
		"ip", GetIPAddressFromContext(ctx))

	result := &ProcessingResult{
		RunID:     runID,
		Trigger:   trigger,
		StartedAt: startedAt,
		seq:       seq,
	}

	// Extract
	stageStart := time.Now()
	ext := s.extractor.Load(ctx, preferLive)
	result.Provenance = ext.Provenance
	if f := ext.Failure; f != nil {
		result.FallbackCode = MapError(f).Code
		if f.Reason != ReasonDisabled {
			s.observer.ObserveRetrievalFailure(f.Reason)
			log.Warn("live source unavailable, using demo data",
				"reason", f.Reason, "error", f, "code", result.FallbackCode)
		}
	}
	result.Stages = append(result.Stages, s.stage(log, StageExtract, StageDone, stageStart,
		fmt.Sprintf("Extract ▸ received %d users (%s)", len(ext.Records), sourceLabel(ext.Provenance))))

	// Transform
	stageStart = time.Now()
	if len(ext.Records) == 0 {
		result.Users = []CleanRecord{}
		result.Metrics = s.fallbackMetrics
		result.MetricsSource = MetricsFallback
	} else {
		result.Users, result.Metrics = Process(ext.Records)
		result.MetricsSource = MetricsComputed
	}
	m := result.Metrics
	result.Stages = append(result.Stages, s.stage(log, StageTransform, StageDone, stageStart,
		fmt.Sprintf("Transform ▸ kept %d records (%d invalid), removed %d duplicates",
			m.RowsOut, m.RowsInvalid, m.DedupRemoved)))

	// Load
	stageStart = time.Now()
	result.DurationMs = time.Since(begin).Milliseconds()
	status := s.load(ctx, result)
	result.Stages = append(result.Stages, s.stage(log, StageLoad, status, stageStart,
		fmt.Sprintf("Load ▸ data ready. Last record: %s", m.LastRecordLabel())))
	result.DurationMs = time.Since(begin).Milliseconds()

	s.publish(result)

	outcome := OutcomeLive
	if result.FallbackUsed {
		outcome = OutcomeFallback
	}
	s.observer.ObserveRun(outcome, time.Since(begin), m)
	log.Info("pipeline run completed",
		"outcome", outcome,
		"rows_in", m.RowsIn,
		"rows_out", m.RowsOut,
		"dedup_removed", m.DedupRemoved,
		"duration_ms", result.DurationMs,
	)

	return result, nil
}

// load records the run and notifies downstream consumers. Failures degrade
// the stage but never fail the run.
func (s *Service) load(ctx context.Context, result *ProcessingResult) StageStatus {
	log := logging.FromContext(ctx)
	status := StageDone
	summary := result.Summary()

	if err := s.store.Record(ctx, summary); err != nil {
		log.Error("record run failed", "error", err, "code", MapError(err).Code)
		s.observer.ObservePublishFailure(TargetHistory)
		status = StageDegraded
	}

	if err := s.publisher.Publish(ctx, RunEvent{RunSummary: summary, Users: result.Users}); err != nil {
		log.Error("publish run failed", "error", err)
		s.observer.ObservePublishFailure(TargetBroker)
		status = StageDegraded
	}

	return status
}

// publish makes result the current one unless a newer run already won.
func (s *Service) publish(result *ProcessingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.seq > result.seq {
		return
	}
	s.current = result
}

func (s *Service) stage(log *slog.Logger, name StageName, status StageStatus, start time.Time, msg string) StageReport {
	d := time.Since(start)
	log.Info(msg, "stage", string(name), "status", string(status), "duration_ms", d.Milliseconds())
	return StageReport{
		Name:       name,
		Status:     status,
		Message:    msg,
		DurationMs: d.Milliseconds(),
	}
}

// sourceLabel names the data origin for the Extract log line.
func sourceLabel(p Provenance) string {
	if p.FallbackUsed {
		return "demo data"
	}
	if u, err := url.Parse(p.SourceURL); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return p.SourceURL
}

// discard is the no-op Publisher and RunObserver.
type discard struct{}

func (discard) Publish(context.Context, RunEvent) error { return nil }

func (discard) ObserveRun(string, time.Duration, Metrics) {}

func (discard) ObserveRetrievalFailure(string) {}

func (discard) ObservePublishFailure(string) {}
