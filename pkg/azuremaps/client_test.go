package azuremaps

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a client pointed at srv with fast polling knobs.
func newTestClient(srv *httptest.Server, opts ...Option) *client {
	base := []Option{
		WithBaseURL(srv.URL),
		WithPollFloor(time.Millisecond),
		WithPollCap(5 * time.Millisecond),
		WithPollTimeout(2 * time.Second),
		WithRateLimit(10000),
	}
	c := NewClient("test-key", append(base, opts...)...).(*client)
	c.transientDelay = time.Millisecond
	return c
}

func TestGeocodeBatch_SubmitPollReady(t *testing.T) {
	var polls atomic.Int32
	var submitted batchPayload

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1.0", r.URL.Query().Get("api-version"))
		require.Equal(t, "test-key", r.URL.Query().Get("subscription-key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &submitted))

		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.URL.Query().Get("subscription-key"))

		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"batchItems":[
			{"response":{"results":[{"type":"Point Address","score":0.98,"position":{"lat":40.7128,"lon":-74.006}}]}},
			{"response":{"results":[]}}
		]}`)
	})

	c := newTestClient(srv)
	results, err := c.GeocodeBatch(context.Background(), []Request{
		{Query: "1 Main St"},
		{Query: "2 Oak Ave"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Two still-running ticks, then the embedded results.
	assert.Equal(t, int32(3), polls.Load())

	require.NotNil(t, results[0].Lat)
	assert.InDelta(t, 40.7128, *results[0].Lat, 1e-9)
	assert.Equal(t, "Point Address", results[0].Status)
	require.NotNil(t, results[0].Confidence)
	assert.InDelta(t, 0.98, *results[0].Confidence, 1e-9)

	assert.Nil(t, results[1].Lat)
	assert.Nil(t, results[1].Lon)
	assert.Equal(t, StatusNoMatch, results[1].Status)
	assert.Nil(t, results[1].Confidence)

	// The client fills countrySet for requests that omit it.
	require.Len(t, submitted.BatchItems, 2)
	assert.Equal(t, "US", submitted.BatchItems[0].CountrySet)
}

func TestGeocodeBatch_MissingContinuationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingContinuation)
}

func TestGeocodeBatch_OperationLocationFallback(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Operation-Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"batchItems":[{"response":{"results":[]}}]}`)
	})

	c := newTestClient(srv)
	results, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusNoMatch, results[0].Status)
}

func TestGeocodeBatch_SubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid subscription key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestGeocodeBatch_PollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted) // never finishes
	})

	c := newTestClient(srv, WithPollTimeout(30*time.Millisecond))
	_, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestGeocodeBatch_ProviderReportsFailure(t *testing.T) {
	longDetail := make([]byte, 2000)
	for i := range longDetail {
		longDetail[i] = 'x'
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"summary":{"state":"Failed"},"detail":"`+string(longDetail)+`"}`)
	})

	c := newTestClient(srv)
	_, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.Error(t, err)

	var failed *BatchFailedError
	require.ErrorAs(t, err, &failed)
	assert.LessOrEqual(t, len(failed.Snapshot), 500)
}

func TestGeocodeBatch_RunningStateThenResults(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch polls.Add(1) {
		case 1:
			_, _ = io.WriteString(w, `{"summary":{"state":"Running"}}`)
		case 2:
			_, _ = io.WriteString(w, `{"status":"InProgress"}`)
		default:
			_, _ = io.WriteString(w, `{"batchItems":[{"response":{"results":[]}}]}`)
		}
	})

	c := newTestClient(srv)
	results, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGeocodeBatch_TransientGarbageThenResults(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		switch polls.Add(1) {
		case 1:
			_, _ = io.WriteString(w, `<html>gateway hiccup</html>`)
		case 2:
			_, _ = io.WriteString(w, `{"status":"SomethingOdd"}`)
		default:
			_, _ = io.WriteString(w, `{"batchItems":[{"response":{"results":[]}}]}`)
		}
	})

	c := newTestClient(srv)
	results, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGeocodeBatch_SucceededWithoutItemsFailsCountCheck(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"summary":{"state":"Succeeded"}}`)
	})

	c := newTestClient(srv)
	_, err := c.GeocodeBatch(context.Background(), []Request{{Query: "1 Main St"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResultCountMismatch)
}

func TestGeocodeBatch_ResultCountMismatch(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"batchItems":[{"response":{"results":[]}}]}`)
	})

	c := newTestClient(srv)
	_, err := c.GeocodeBatch(context.Background(), []Request{
		{Query: "1 Main St"},
		{Query: "2 Oak Ave"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResultCountMismatch)
}

func TestGeocodeAll_ChunksSequentially(t *testing.T) {
	var submits atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var payload batchPayload
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		require.LessOrEqual(t, len(payload.BatchItems), 2)
		submits.Add(1)

		w.Header().Set("Location", srv.URL+"/poll/"+r.URL.Query().Get("subscription-key"))
		w.WriteHeader(http.StatusAccepted)

		items := make([]map[string]any, len(payload.BatchItems))
		for i := range items {
			items[i] = map[string]any{"response": map[string]any{"results": []any{}}}
		}
		lastBatch.Store(&items)
	})
	mux.HandleFunc("GET /poll/", func(w http.ResponseWriter, _ *http.Request) {
		items := *lastBatch.Load()
		_ = json.NewEncoder(w).Encode(map[string]any{"batchItems": items})
	})

	c := newTestClient(srv, WithBatchSize(2))
	results, err := c.GeocodeAll(context.Background(), []Request{
		{Query: "1 Main St"},
		{Query: "2 Oak Ave"},
		{Query: "3 Pine Rd"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, int32(2), submits.Load(), "3 requests at batch size 2 need 2 batches")
}

// lastBatch carries the most recent submission's size to the poll handler.
// Batches run strictly sequentially, so a single slot is enough.
var lastBatch atomic.Pointer[[]map[string]any]

func TestGeocodeAll_SingleBatchForTwoEligible(t *testing.T) {
	var submits atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var payload batchPayload
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, 2, len(payload.BatchItems))
		submits.Add(1)
		w.Header().Set("Location", srv.URL+"/poll")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"batchItems":[
			{"response":{"results":[]}},
			{"response":{"results":[]}}
		]}`)
	})

	c := newTestClient(srv)
	results, err := c.GeocodeAll(context.Background(), []Request{
		{Query: "1 Main St"},
		{Query: "2 Oak Ave"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(1), submits.Load())
}

func TestGeocodeAll_Empty(t *testing.T) {
	c := NewClient("test-key").(*client)
	results, err := c.GeocodeAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestMergeQuery_ExistingParamsWin(t *testing.T) {
	merged, err := mergeQuery("https://example.com/batch/1?api-version=2.0&foo=bar", url.Values{
		"api-version":      {"1.0"},
		"subscription-key": {"k"},
	})
	require.NoError(t, err)

	u, err := url.Parse(merged)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, []string{"2.0"}, q["api-version"], "existing value wins")
	assert.Equal(t, []string{"k"}, q["subscription-key"])
	assert.Equal(t, []string{"bar"}, q["foo"])
}

func TestMergeQuery_Idempotent(t *testing.T) {
	params := url.Values{"api-version": {"1.0"}, "subscription-key": {"k"}}

	once, err := mergeQuery("https://example.com/batch/1", params)
	require.NoError(t, err)
	twice, err := mergeQuery(once, params)
	require.NoError(t, err)

	u, err := url.Parse(twice)
	require.NoError(t, err)
	for key, vals := range u.Query() {
		assert.Len(t, vals, 1, "parameter %s duplicated", key)
	}
	assert.Equal(t, once, twice)
}

func TestRetryDelay(t *testing.T) {
	c := &client{pollFloor: 2 * time.Second, pollCap: 15 * time.Second}

	tests := []struct {
		name       string
		retryAfter string
		want       time.Duration
	}{
		{"no header uses floor", "", 2 * time.Second},
		{"hint below floor ignored", "1", 2 * time.Second},
		{"hint above floor honored", "5", 5 * time.Second},
		{"huge hint clamped to cap", "600", 15 * time.Second},
		{"garbage uses floor", "soon", 2 * time.Second},
		{"negative uses floor", "-3", 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.retryDelay(tt.retryAfter))
		})
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	c := &client{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.sleep(ctx, time.Now().Add(time.Minute), 10*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_DeadlinePassed(t *testing.T) {
	c := &client{}
	err := c.sleep(context.Background(), time.Now().Add(-time.Second), time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{StatusCode: 500, Body: "boom"}
	assert.Equal(t, "azuremaps: HTTP 500: boom", err.Error())
	assert.True(t, errors.As(error(err), new(*APIError)))
}
