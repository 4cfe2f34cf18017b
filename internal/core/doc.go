// Package core provides the business logic of the mini ETL pipeline.
//
// It is independent of any transport: the web handlers, the server's startup
// run and tests drive it through [Service] alone.
//
// # Pipeline
//
// Each run executes three stages in order:
//
//  1. Extract: an [Extractor] returns a raw batch. A broken live source
//     never fails the run; the extractor substitutes demo data and reports
//     the cause in [Extraction].Failure.
//  2. Transform: [Process] normalizes, validates and deduplicates the batch
//     and computes [Metrics]. An empty batch takes the demo dataset's
//     metrics verbatim ([MetricsFallback]).
//  3. Load: the run summary is written to the [RunStore], the run is sent to
//     the [Publisher], and the result becomes the one returned by
//     [Service.Current].
//
// # Deduplication
//
// Records are identified by [IdentityKey]: identifier, else email, else input
// position. The first record with a key wins; later ones are dropped.
//
// # Concurrency
//
// Concurrent [Service.Run] calls for the same mode share one run. Runs of
// different modes are serialized by a one-slot [RunLimiter]; a caller that
// waits too long gets [ErrRunBusy]. Consumers only ever see complete
// results; a result from an older run never replaces a newer one.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a code for support reference:
//
//   - SRC001-SRC005: why demo data was used
//   - RUN001-RUN004: run-level failures returned by Service.Run
//   - DB001-DB004: run history storage
//   - RATE001, AUTH001-AUTH002: HTTP access
package core
