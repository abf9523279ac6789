package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"accessplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("membership.client",
	fx.Provide(NewHTTPClient, func(c *HTTPClient) Ensurer { return c }),
)

// Action describes what EnsureRole actually did on the platform.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Member struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Outcome is the settled result of one ensure operation.
type Outcome struct {
	Action       Action
	PreviousRole string
	RequestID    string
}

// Ensurer is the contract the scheduler depends on. It hides the platform's
// HTTP shape and the retry policy entirely: callers only see success, skip,
// or a typed *Error.
type Ensurer interface {
	GetProject(ctx context.Context, credential, projectID string) (*Project, error)
	EnsureRole(ctx context.Context, credential, projectID, email, role string) (*Outcome, error)
}

type HTTPClient struct {
	baseURL string
	http    *http.Client
	policy  RetryPolicy
}

type ClientParams struct {
	fx.In
	Config *config.Config
}

func NewHTTPClient(p ClientParams) *HTTPClient {
	up := p.Config.Upstream
	return &HTTPClient{
		baseURL: strings.TrimRight(up.BaseURL, "/"),
		http:    &http.Client{Timeout: up.Timeout},
		policy: RetryPolicy{
			MaxAttempts: up.MaxAttempts,
			BaseDelay:   up.BaseDelay,
		},
	}
}

func (c *HTTPClient) GetProject(ctx context.Context, credential, projectID string) (*Project, error) {
	var project Project
	path := fmt.Sprintf("/api/projects/%s", url.PathEscape(projectID))
	if _, err := c.do(ctx, credential, http.MethodGet, path, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// getMember returns (nil, nil) when the user has no membership on the project.
func (c *HTTPClient) getMember(ctx context.Context, credential, projectID, email string) (*Member, string, error) {
	var member Member
	path := fmt.Sprintf("/api/projects/%s/members/%s", url.PathEscape(projectID), url.PathEscape(email))
	requestID, err := c.do(ctx, credential, http.MethodGet, path, nil, &member)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, apiErr.RequestID, nil
		}
		return nil, "", err
	}
	return &member, requestID, nil
}

type grantRequest struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

func (c *HTTPClient) addMember(ctx context.Context, credential, projectID, email, role string) (string, error) {
	path := fmt.Sprintf("/api/projects/%s/members", url.PathEscape(projectID))
	return c.do(ctx, credential, http.MethodPost, path, grantRequest{Email: email, Role: role}, nil)
}

func (c *HTTPClient) updateMember(ctx context.Context, credential, projectID, email, role string) (string, error) {
	path := fmt.Sprintf("/api/projects/%s/members/%s", url.PathEscape(projectID), url.PathEscape(email))
	return c.do(ctx, credential, http.MethodPut, path, grantRequest{Role: role}, nil)
}

// EnsureRole converges the user's membership on the project to the target
// role: absent members are added, members holding a different role are
// updated, members already holding the role are a no-op reported as skipped.
// The window between the check and the act is not reconciled; a concurrent
// modification surfaces as whatever the act call reports.
func (c *HTTPClient) EnsureRole(ctx context.Context, credential, projectID, email, role string) (*Outcome, error) {
	member, requestID, err := c.getMember(ctx, credential, projectID, email)
	if err != nil {
		return nil, err
	}

	if member == nil {
		requestID, err := c.addMember(ctx, credential, projectID, email, role)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
				// Another actor granted the role between check and act.
				return &Outcome{Action: ActionSkipped, PreviousRole: role, RequestID: apiErr.RequestID}, nil
			}
			return nil, err
		}
		return &Outcome{Action: ActionAdded, RequestID: requestID}, nil
	}

	if member.Role == role {
		return &Outcome{Action: ActionSkipped, PreviousRole: member.Role, RequestID: requestID}, nil
	}

	requestID, err = c.updateMember(ctx, credential, projectID, email, role)
	if err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionUpdated, PreviousRole: member.Role, RequestID: requestID}, nil
}

// do runs one upstream call with the retry policy applied: Retry-After on
// 429, linear backoff on 5xx and transport errors, no retry on other 4xx.
func (c *HTTPClient) do(ctx context.Context, credential, method, path string, body any, out any) (string, error) {
	attempts := c.policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		requestID, err := c.once(ctx, credential, method, path, body, out)
		if err == nil {
			return requestID, nil
		}
		lastErr = err

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			if ctx.Err() != nil {
				return "", err
			}
			// Transport-level failure; typed once the budget is spent.
			lastErr = &Error{Code: CodeUpstreamUnavailable, Message: err.Error()}
			if attempt == attempts {
				break
			}
			if err := sleep(ctx, c.policy.backoff(attempt, 0)); err != nil {
				return "", err
			}
			continue
		}

		if !apiErr.Retryable() || attempt == attempts {
			break
		}

		zap.L().Warn("retrying upstream call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("status_code", apiErr.StatusCode),
			zap.Duration("retry_after", apiErr.RetryAfter),
		)

		if err := sleep(ctx, c.policy.backoff(attempt, apiErr.RetryAfter)); err != nil {
			return "", err
		}
	}

	return "", lastErr
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *HTTPClient) once(ctx context.Context, credential, method, path string, body any, out any) (string, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	requestID := resp.Header.Get("X-Request-Id")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return "", fmt.Errorf("decode upstream response: %w", err)
			}
		}
		return requestID, nil
	}

	apiErr := &Error{
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
	}

	var eb errorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
		apiErr.Message = eb.Message
		apiErr.Code = eb.ErrorCode
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if apiErr.Code == "" {
			apiErr.Code = CodeRateLimitExceeded
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	case resp.StatusCode >= 500:
		if apiErr.Code == "" {
			apiErr.Code = CodeUpstream5xx
		}
	default:
		if apiErr.Code == "" {
			apiErr.Code = CodeUpstream4xx
		}
	}

	return "", apiErr
}
