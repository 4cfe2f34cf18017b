package core

import (
	"errors"
	"fmt"
)

// ErrRunBusy is returned when another run holds the run slot and the wait
// timeout expires. Clients should retry after a short delay.
var ErrRunBusy = errors.New("run busy: another pipeline run is in progress")

// ErrRunFailed wraps an unexpected failure inside a run. It is distinct from
// a run that completed on fallback data.
var ErrRunFailed = errors.New("pipeline run failed")

// Retrieval failure reasons.
const (
	ReasonDisabled  = "disabled"  // live data not requested
	ReasonTransport = "transport" // network error or timeout
	ReasonStatus    = "status"    // non-2xx response
	ReasonTooLarge  = "too_large" // body over the size limit
	ReasonDecode    = "decode"    // not JSON, or a record could not be decoded
	ReasonSchema    = "schema"    // JSON with the wrong shape
)

// RetrievalFailure describes why live data could not be used. The loader
// recovers from it by substituting the fallback dataset; it is never
// returned to callers of Run.
type RetrievalFailure struct {
	Reason string
	Err    error
}

func (e *RetrievalFailure) Error() string {
	if e.Err == nil {
		return "retrieval failed (" + e.Reason + ")"
	}
	return fmt.Sprintf("retrieval failed (%s): %v", e.Reason, e.Err)
}

func (e *RetrievalFailure) Unwrap() error {
	return e.Err
}
