package azuremaps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// transientRetryDelay is the fixed sleep before retrying a poll response that
// was unparsable or carried an unknown state.
const transientRetryDelay = 3 * time.Second

// pollBody mirrors the polled batch response. BatchItems stays raw so that a
// present-but-empty collection can be told apart from an omitted field: when
// the key is present the results are ready regardless of any state field.
type pollBody struct {
	BatchItems json.RawMessage `json:"batchItems"`
	Summary    *struct {
		State string `json:"state"`
	} `json:"summary"`
	Status string `json:"status"`
}

// state returns the job state, preferring summary.state over the top-level
// status field. Which one the service fills is not documented, so both are
// kept, in that order.
func (b *pollBody) state() string {
	if b.Summary != nil && b.Summary.State != "" {
		return b.Summary.State
	}
	return b.Status
}

// poll issues GETs against the continuation URL until the batch reaches a
// terminal state or the poll budget is exhausted.
func (c *client) poll(ctx context.Context, opLoc string) (*pollBody, error) {
	pollURL, err := mergeQuery(opLoc, url.Values{
		"api-version":      {c.apiVersion},
		"subscription-key": {c.key},
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.pollTimeout)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "azuremaps: poll rate limit")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "azuremaps: build poll request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "azuremaps: poll batch")
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close() //nolint:errcheck
		if readErr != nil {
			return nil, eris.Wrap(readErr, "azuremaps: read poll response")
		}

		// Still running; the service often returns 202 with no body.
		if resp.StatusCode == http.StatusAccepted {
			delay := c.retryDelay(resp.Header.Get("Retry-After"))
			zap.L().Debug("batch still running", zap.Duration("sleep", delay))
			if err := c.sleep(ctx, deadline, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		}

		var body pollBody
		if err := json.Unmarshal(data, &body); err != nil {
			// Transient garbage from the service; retry under the same deadline.
			if serr := c.sleep(ctx, deadline, c.transientDelay); serr != nil {
				return nil, serr
			}
			continue
		}

		// Results are frequently embedded directly, with no state field at all.
		if body.BatchItems != nil {
			return &body, nil
		}

		switch state := body.state(); state {
		case "Running", "Pending", "InProgress":
			delay := c.retryDelay(resp.Header.Get("Retry-After"))
			zap.L().Debug("batch state", zap.String("state", state), zap.Duration("sleep", delay))
			if err := c.sleep(ctx, deadline, delay); err != nil {
				return nil, err
			}
		case "Succeeded", "Completed":
			return &body, nil
		case "Failed", "Error":
			return nil, newBatchFailedError(data)
		default:
			// Unknown or absent state; treat as transient.
			zap.L().Debug("batch state unknown", zap.String("state", state))
			if err := c.sleep(ctx, deadline, c.transientDelay); err != nil {
				return nil, err
			}
		}
	}
}

// retryDelay computes the next poll sleep from a Retry-After header value,
// bounded below by the poll floor and above by the poll cap.
func (c *client) retryDelay(retryAfter string) time.Duration {
	delay := c.pollFloor
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
		if hint := time.Duration(secs) * time.Second; hint > delay {
			delay = hint
		}
	}
	if delay > c.pollCap {
		delay = c.pollCap
	}
	return delay
}

// sleep waits for delay unless the poll deadline or the context expires first.
func (c *client) sleep(ctx context.Context, deadline time.Time, delay time.Duration) error {
	if time.Now().After(deadline) {
		return ErrPollTimeout
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "azuremaps: poll cancelled")
	case <-timer.C:
	}

	if time.Now().After(deadline) {
		return ErrPollTimeout
	}
	return nil
}
