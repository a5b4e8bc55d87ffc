package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// PullRequest is spec.md §6's GET /sync/pull query.
type PullRequest struct {
	StoreID string
	Since   int64
	Limit   int
	WaitMs  int
}

// PullResponse is spec.md §6's pull response body.
type PullResponse struct {
	Head      int64                `json:"head"`
	Events    []RemoteEventEnvelope `json:"events"`
	HasMore   bool                 `json:"hasMore"`
	NextSince *int64               `json:"nextSince"`
}

// RemoteEventEnvelope is one element of a pull response's events
// array: the record plus the server-assigned global sequence.
type RemoteEventEnvelope struct {
	GlobalSequence int64  `json:"globalSequence"`
	EventID        string `json:"eventId"`
	RecordJSON     string `json:"recordJson"`
}

// PushEvent is one element of a push request's events array.
type PushEvent struct {
	EventID    string `json:"eventId"`
	RecordJSON string `json:"recordJson"`
}

// PushRequest is spec.md §6's POST /sync/push body.
type PushRequest struct {
	StoreID       string      `json:"storeId"`
	ExpectedHead  int64       `json:"expectedHead"`
	Events        []PushEvent `json:"events"`
}

// PushAssignment is one {eventId, globalSequence} pairing in a
// successful push response.
type PushAssignment struct {
	EventID        string `json:"eventId"`
	GlobalSequence int64  `json:"globalSequence"`
}

// PushResponse is spec.md §6's push response body. Reason is only
// populated when OK is false (409 server_ahead|server_behind).
type PushResponse struct {
	OK       bool                 `json:"ok"`
	Head     int64                `json:"head"`
	Assigned []PushAssignment     `json:"assigned"`
	Reason   string               `json:"reason"`
	Missing  []RemoteEventEnvelope `json:"missing"`
}

// Port is the sync engine's transport dependency, implemented here by
// HTTPTransport and, for tests, by whatever internal/synctest.Server
// client wraps it.
type Port interface {
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
}

// ErrServerError marks a pull/push failure that should count against
// the pull backoff / set status error{code:"server"}, as opposed to a
// transport-protocol violation.
type ErrServerError struct{ Status int }

func (e *ErrServerError) Error() string { return fmt.Sprintf("sync: server error: status %d", e.Status) }

// HTTPTransport is the production Port, grounded on
// internal/clients/catalog_client.go's plain http.Client usage, with a
// circuit breaker around the underlying request so a sustained remote
// outage stops hammering it between backoff attempts.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	settings := gobreaker.Settings{
		Name:        "sync-transport",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &HTTPTransport{baseURL: baseURL, client: client, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (t *HTTPTransport) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	q := url.Values{}
	q.Set("storeId", req.StoreID)
	q.Set("since", strconv.FormatInt(req.Since, 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.WaitMs > 0 {
		q.Set("waitMs", strconv.Itoa(req.WaitMs))
	}

	result, err := t.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/sync/pull?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &ErrServerError{Status: resp.StatusCode}
		}
		var out PullResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("sync: decode pull response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*PullResponse), nil
}

func (t *HTTPTransport) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sync: marshal push request: %w", err)
	}

	result, err := t.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync/push", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
			return nil, &ErrServerError{Status: resp.StatusCode}
		}
		var out PushResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("sync: decode push response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*PushResponse), nil
}

// retryBackoff builds the [1s, 20s] exponential backoff of spec.md
// §5 used by the pull loop's error path.
func retryBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(1*time.Second),
		backoff.WithMaxInterval(20*time.Second),
		backoff.WithMultiplier(2),
	)
}
