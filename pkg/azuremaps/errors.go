package azuremaps

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the batch client.
var (
	// ErrMissingContinuation is returned when a batch submission response
	// carries neither a Location nor an Operation-Location header.
	ErrMissingContinuation = errors.New("azuremaps: missing Location/Operation-Location header in response")

	// ErrPollTimeout is returned when a batch's poll loop exceeds the
	// configured ceiling without reaching a terminal state.
	ErrPollTimeout = errors.New("azuremaps: polling timed out for batch job")

	// ErrResultCountMismatch is returned when a parsed batch response does
	// not contain exactly one result per submitted request. Positional
	// correspondence is the only link back to the submitted addresses, so a
	// count mismatch means the whole batch is unusable.
	ErrResultCountMismatch = errors.New("azuremaps: result count does not match request count")
)

// APIError is returned when the service responds with an unexpected HTTP status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("azuremaps: HTTP %d: %s", e.StatusCode, e.Body)
}

// maxSnapshotLen bounds the diagnostic payload carried by BatchFailedError.
const maxSnapshotLen = 500

// BatchFailedError is returned when the service reports a batch job as
// Failed/Error. Snapshot holds at most the first 500 characters of the
// response body.
type BatchFailedError struct {
	Snapshot string
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("azuremaps: batch failed: %s", e.Snapshot)
}

func newBatchFailedError(body []byte) *BatchFailedError {
	snapshot := string(body)
	if len(snapshot) > maxSnapshotLen {
		snapshot = snapshot[:maxSnapshotLen]
	}
	return &BatchFailedError{Snapshot: snapshot}
}
