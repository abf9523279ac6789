package membership

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestClient(t *testing.T, handler http.Handler, policy RetryPolicy) (*HTTPClient, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &HTTPClient{
		baseURL: srv.URL,
		http:    srv.Client(),
		policy:  policy,
	}, srv
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestEnsureRoleAddsAbsentMember(t *testing.T) {
	var addedBody grantRequest

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(errorBody{ErrorCode: "NOT_FOUND", Message: "no membership"})
	})
	mux.HandleFunc("POST /api/projects/p1/members", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&addedBody))
		w.Header().Set("X-Request-Id", "req-add-1")
		w.WriteHeader(http.StatusCreated)
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	outcome, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.NoError(t, err)
	require.Equal(t, ActionAdded, outcome.Action)
	require.Empty(t, outcome.PreviousRole)
	require.Equal(t, "req-add-1", outcome.RequestID)
	require.Equal(t, grantRequest{Email: "dev@example.com", Role: "developer"}, addedBody)
}

func TestEnsureRoleUpdatesDifferentRole(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Member{Email: "dev@example.com", Role: "viewer"})
	})
	mux.HandleFunc("PUT /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-upd-1")
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	outcome, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.NoError(t, err)
	require.Equal(t, ActionUpdated, outcome.Action)
	require.Equal(t, "viewer", outcome.PreviousRole)
	require.Equal(t, "req-upd-1", outcome.RequestID)
}

func TestEnsureRoleSkipsSameRole(t *testing.T) {
	var actCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Member{Email: "dev@example.com", Role: "developer"})
	})
	mux.HandleFunc("PUT /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		actCalls++
	})
	mux.HandleFunc("POST /api/projects/p1/members", func(w http.ResponseWriter, r *http.Request) {
		actCalls++
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	outcome, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, outcome.Action)
	require.Equal(t, "developer", outcome.PreviousRole)
	require.Zero(t, actCalls)
}

// Converging twice must never produce a duplicate grant: the second ensure
// observes the role and reports skipped.
func TestEnsureRoleIdempotent(t *testing.T) {
	var mu sync.Mutex
	roles := map[string]string{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		role, ok := roles["dev@example.com"]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(errorBody{ErrorCode: "NOT_FOUND", Message: "no membership"})
			return
		}
		json.NewEncoder(w).Encode(Member{Email: "dev@example.com", Role: role})
	})
	mux.HandleFunc("POST /api/projects/p1/members", func(w http.ResponseWriter, r *http.Request) {
		var req grantRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		roles[req.Email] = req.Role
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	first, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.NoError(t, err)
	require.Equal(t, ActionAdded, first.Action)

	second, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, second.Action)
}

func TestEnsureRoleAddConflictIsSkipped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(errorBody{ErrorCode: "NOT_FOUND", Message: "no membership"})
	})
	mux.HandleFunc("POST /api/projects/p1/members", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(errorBody{ErrorCode: "ALREADY_MEMBER", Message: "membership exists"})
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	outcome, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, outcome.Action)
}

func TestRetryOnRateLimitThenSuccess(t *testing.T) {
	var calls int

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(errorBody{Message: "slow down"})
			return
		}
		json.NewEncoder(w).Encode(Project{ID: "p1", Name: "Platform"})
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	project, err := client.GetProject(context.Background(), "tok", "p1")
	require.NoError(t, err)
	require.Equal(t, "Platform", project.Name)
	require.Equal(t, 2, calls)
}

func TestRateLimitCarriesRetryAfterHint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(errorBody{Message: "slow down"})
	})

	client, _ := newTestClient(t, mux, RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond})

	_, err := client.GetProject(context.Background(), "tok", "p1")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeRateLimitExceeded, apiErr.Code)
	require.Equal(t, 2*time.Second, apiErr.RetryAfter)
	require.True(t, apiErr.Retryable())
}

func TestRetryExhaustionOn5xx(t *testing.T) {
	var calls int

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(errorBody{Message: "upstream exploded"})
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	_, err := client.GetProject(context.Background(), "tok", "p1")
	require.Error(t, err)
	require.Equal(t, 3, calls)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeUpstream5xx, apiErr.Code)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestNoRetryOnPermanent4xx(t *testing.T) {
	var calls int

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-Request-Id", "req-403")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(errorBody{ErrorCode: "FORBIDDEN", Message: "insufficient scope"})
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	_, err := client.GetProject(context.Background(), "tok", "p1")
	require.Error(t, err)
	require.Equal(t, 1, calls)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "FORBIDDEN", apiErr.Code)
	require.Equal(t, "req-403", apiErr.RequestID)
	require.False(t, apiErr.Retryable())
}

func TestTransportFailureTypedAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	client := &HTTPClient{
		baseURL: srv.URL,
		http:    &http.Client{Timeout: time.Second},
		policy:  fastPolicy(),
	}

	_, err := client.GetProject(context.Background(), "tok", "p1")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeUpstreamUnavailable, apiErr.Code)
}

func TestBackoffPrefersRetryAfterHint(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

	require.Equal(t, 2*time.Second, policy.backoff(1, 2*time.Second))
	require.Equal(t, 100*time.Millisecond, policy.backoff(1, 0))
	require.Equal(t, 200*time.Millisecond, policy.backoff(2, 0))
}

func TestEnsureRolePropagatesCheckFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/p1/members/dev@example.com", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(errorBody{ErrorCode: "INVALID_EMAIL", Message: "malformed email"})
	})

	client, _ := newTestClient(t, mux, fastPolicy())

	_, err := client.EnsureRole(context.Background(), "tok", "p1", "dev@example.com", "developer")
	require.Error(t, err)
	require.False(t, errors.Is(err, context.Canceled))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "INVALID_EMAIL", apiErr.Code)
}
