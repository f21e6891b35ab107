package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultJwxtTimeout = 30 * time.Second

	maxUpstreamBody      = 8 << 20
	upstreamFallbackText = "教务系统服务异常"
)

// TransportError means the academic-affairs service could not be reached or
// answered with a body that is not the expected JSON. Callers may retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("jwxt %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is any non-2xx reply from the academic-affairs service.
type UpstreamError struct {
	HTTPStatus int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("jwxt returned status %d: %s", e.HTTPStatus, e.Message)
}

// JwxtClient is the typed surface of the academic-affairs service.
// Empty semesterID means "current semester"; empty userID disables the course cache.
type JwxtClient interface {
	Login(ctx context.Context, username, password string) (LoginResult, error)
	RefreshSession(ctx context.Context, token, username, password string) (RefreshResult, error)
	ValidateSession(ctx context.Context, token string) bool

	GetCourses(ctx context.Context, token, semesterID, userID string) (*CourseData, error)
	ClearCourseCache(ctx context.Context, userID string) (int, error)
	GetGrades(ctx context.Context, token, semesterID string) (*GradeData, error)
	GetExams(ctx context.Context, token, semesterID string) (*ExamData, error)
	GetSemesters(ctx context.Context, token string) (*SemesterList, error)

	GetEvaluationPending(ctx context.Context, token string) ([]EvaluationItem, error)
	SubmitEvaluation(ctx context.Context, token, evaluationID string, data EvaluationSubmission) (*EvaluationResult, error)
	AutoEvaluate(ctx context.Context, token string) (*AutoEvaluateResult, error)

	GetUserInfo(ctx context.Context, token string) (*UpstreamUserInfo, error)
	GetCacheStats(ctx context.Context) (UpstreamCacheStats, error)
	ClearUpstreamCache(ctx context.Context, pattern string) (*UpstreamCacheClearResult, error)
	HealthCheck(ctx context.Context) bool
}

type JwxtClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// HTTPClient overrides Timeout when set.
	HTTPClient *http.Client
	Courses    *CourseCache
	Metrics    *Metrics
}

// HTTPJwxtClient calls the academic-affairs HTTP API.
type HTTPJwxtClient struct {
	client  *http.Client
	base    string
	apiKey  string
	courses *CourseCache
	metrics *Metrics
}

func NewHTTPJwxtClient(opts JwxtClientOptions) *HTTPJwxtClient {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultJwxtTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPJwxtClient{
		client:  client,
		base:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		courses: opts.Courses,
		metrics: opts.Metrics,
	}
}

// upstreamCall describes one request. endpoint is the metric/log label.
type upstreamCall struct {
	endpoint string
	method   string
	path     string
	token    string
	query    url.Values
	body     any
}

// do performs the request and translates every failure: transport problems
// become *TransportError, non-2xx replies become *UpstreamError.
func (c *HTTPJwxtClient) do(ctx context.Context, call upstreamCall) ([]byte, error) {
	started := time.Now()
	raw, err := c.roundTrip(ctx, call)
	outcome := "ok"
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		outcome = fmt.Sprintf("%dxx", ue.HTTPStatus/100)
	case err != nil:
		outcome = "transport"
	}
	c.metrics.upstream(call.endpoint, outcome, started)
	if err != nil {
		slog.Error("jwxt request failed", "method", call.method, "path", call.path, "err", err)
		return nil, err
	}
	slog.Debug("jwxt request", "method", call.method, "path", call.path, "elapsed", time.Since(started))
	return raw, nil
}

func (c *HTTPJwxtClient) roundTrip(ctx context.Context, call upstreamCall) ([]byte, error) {
	if c.base == "" {
		return nil, &TransportError{Op: call.endpoint, Err: errors.New("jwxt service url not configured")}
	}
	target := c.base + call.path
	if len(call.query) > 0 {
		target += "?" + call.query.Encode()
	}

	var body io.Reader
	if call.body != nil {
		b, err := json.Marshal(call.body)
		if err != nil {
			return nil, &TransportError{Op: call.endpoint, Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, call.method, target, body)
	if err != nil {
		return nil, &TransportError{Op: call.endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if call.token != "" {
		req.Header.Set("Authorization", "Bearer "+call.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: call.endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, &TransportError{Op: call.endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{HTTPStatus: resp.StatusCode, Message: upstreamMessage(resp.StatusCode, raw)}
	}
	return raw, nil
}

// upstreamMessage extracts the human-readable part of an error body. FastAPI
// sends {"detail": "..."} or, for validation errors, {"detail": [{"msg": ...}]}.
func upstreamMessage(status int, raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if msg := detailText(body.Detail); msg != "" {
			return msg
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if status > 0 {
		return fmt.Sprintf("request failed with status code %d", status)
	}
	return upstreamFallbackText
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

func decodeUpstream(endpoint string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: endpoint, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

func (c *HTTPJwxtClient) getJSON(ctx context.Context, call upstreamCall, out any) error {
	raw, err := c.do(ctx, call)
	if err != nil {
		return err
	}
	return decodeUpstream(call.endpoint, raw, out)
}

func semesterQuery(semesterID string) url.Values {
	if semesterID == "" {
		return nil
	}
	return url.Values{"semester_id": {semesterID}}
}

// Login reports rejected credentials (any 4xx, or success=false) in the
// result. Only transport failures, 5xx and malformed bodies are errors.
func (c *HTTPJwxtClient) Login(ctx context.Context, username, password string) (LoginResult, error) {
	raw, err := c.do(ctx, upstreamCall{
		endpoint: "/auth/login",
		method:   http.MethodPost,
		path:     "/auth/login",
		body:     map[string]string{"username": username, "password": password},
	})
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.HTTPStatus < 500 {
			return LoginResult{Success: false, Error: ue.Message}, nil
		}
		return LoginResult{}, err
	}

	var resp struct {
		Success   bool           `json:"success"`
		Token     string         `json:"token"`
		ExpiresIn int            `json:"expires_in"`
		UserInfo  map[string]any `json:"user_info"`
		Error     string         `json:"error"`
		Message   string         `json:"message"`
	}
	if err := decodeUpstream("/auth/login", raw, &resp); err != nil {
		return LoginResult{}, err
	}
	if !resp.Success || resp.Token == "" {
		return LoginResult{Success: false, Error: firstNonEmpty(resp.Error, resp.Message, "教务系统登录失败")}, nil
	}

	result := LoginResult{
		Success: true,
		UpstreamSession: UpstreamSession{
			Token:            resp.Token,
			ExpiresInSeconds: resp.ExpiresIn,
		},
	}
	if resp.UserInfo != nil {
		info := NormalizeUserInfo(resp.UserInfo, username)
		result.UserInfo = &info
	}
	return result, nil
}

func (c *HTTPJwxtClient) RefreshSession(ctx context.Context, token, username, password string) (RefreshResult, error) {
	var resp struct {
		Success   *bool  `json:"success"`
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/auth/refresh",
		method:   http.MethodPost,
		path:     "/auth/refresh",
		token:    token,
		body:     map[string]string{"username": username, "password": password},
	}, &resp)
	if err != nil {
		return RefreshResult{}, err
	}
	ok := resp.Token != ""
	if resp.Success != nil {
		ok = ok && *resp.Success
	}
	if !ok {
		return RefreshResult{Success: false}, nil
	}
	return RefreshResult{Success: true, Token: resp.Token, ExpiresInSeconds: resp.ExpiresIn}, nil
}

// ValidateSession treats every failure as an invalid session.
func (c *HTTPJwxtClient) ValidateSession(ctx context.Context, token string) bool {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/auth/validate",
		method:   http.MethodGet,
		path:     "/auth/validate",
		token:    token,
	}, &resp)
	return err == nil && resp.Valid
}

// GetCourses serves the course table from the course cache when userID is set.
func (c *HTTPJwxtClient) GetCourses(ctx context.Context, token, semesterID, userID string) (*CourseData, error) {
	fetch := func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, upstreamCall{
			endpoint: "/course",
			method:   http.MethodGet,
			path:     "/course",
			token:    token,
			query:    semesterQuery(semesterID),
		})
	}
	if c.courses == nil || userID == "" {
		raw, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		var data CourseData
		if err := decodeUpstream("/course", raw, &data); err != nil {
			return nil, err
		}
		return &data, nil
	}
	return c.courses.load(ctx, CourseCacheKey(userID, semesterID), fetch)
}

// ClearCourseCache drops every cached course table of userID.
func (c *HTTPJwxtClient) ClearCourseCache(ctx context.Context, userID string) (int, error) {
	if c.courses == nil {
		return 0, nil
	}
	return c.courses.Clear(ctx, userID)
}

func (c *HTTPJwxtClient) GetGrades(ctx context.Context, token, semesterID string) (*GradeData, error) {
	var data GradeData
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/grade",
		method:   http.MethodGet,
		path:     "/grade",
		token:    token,
		query:    semesterQuery(semesterID),
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *HTTPJwxtClient) GetExams(ctx context.Context, token, semesterID string) (*ExamData, error) {
	var data ExamData
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/exam",
		method:   http.MethodGet,
		path:     "/exam",
		token:    token,
		query:    semesterQuery(semesterID),
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *HTTPJwxtClient) GetSemesters(ctx context.Context, token string) (*SemesterList, error) {
	var list SemesterList
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/semester",
		method:   http.MethodGet,
		path:     "/semester",
		token:    token,
	}, &list)
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// GetEvaluationPending accepts both a bare array and {"evaluations": [...]}.
func (c *HTTPJwxtClient) GetEvaluationPending(ctx context.Context, token string) ([]EvaluationItem, error) {
	raw, err := c.do(ctx, upstreamCall{
		endpoint: "/evaluation/pending",
		method:   http.MethodGet,
		path:     "/evaluation/pending",
		token:    token,
	})
	if err != nil {
		return nil, err
	}
	items := []EvaluationItem{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := decodeUpstream("/evaluation/pending", trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var wrapped struct {
		Evaluations []EvaluationItem `json:"evaluations"`
	}
	if err := decodeUpstream("/evaluation/pending", raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Evaluations != nil {
		items = wrapped.Evaluations
	}
	return items, nil
}

func (c *HTTPJwxtClient) SubmitEvaluation(ctx context.Context, token, evaluationID string, data EvaluationSubmission) (*EvaluationResult, error) {
	var result EvaluationResult
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/evaluation/submit",
		method:   http.MethodPost,
		path:     "/evaluation/submit/" + url.PathEscape(evaluationID),
		token:    token,
		body:     data,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.EvaluationID == "" {
		result.EvaluationID = evaluationID
	}
	return &result, nil
}

func (c *HTTPJwxtClient) AutoEvaluate(ctx context.Context, token string) (*AutoEvaluateResult, error) {
	var result AutoEvaluateResult
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/evaluation/auto",
		method:   http.MethodPost,
		path:     "/evaluation/auto",
		token:    token,
		body:     struct{}{},
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetUserInfo returns the normalized profile. Some deployments wrap it in
// "data" or "user_info".
func (c *HTTPJwxtClient) GetUserInfo(ctx context.Context, token string) (*UpstreamUserInfo, error) {
	var raw map[string]any
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/user",
		method:   http.MethodGet,
		path:     "/user",
		token:    token,
	}, &raw)
	if err != nil {
		return nil, err
	}
	for _, wrapper := range []string{"data", "user_info"} {
		if inner, ok := raw[wrapper].(map[string]any); ok {
			raw = inner
			break
		}
	}
	info := NormalizeUserInfo(raw, "")
	return &info, nil
}

func (c *HTTPJwxtClient) GetCacheStats(ctx context.Context) (UpstreamCacheStats, error) {
	stats := UpstreamCacheStats{}
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/cache/stats",
		method:   http.MethodGet,
		path:     "/cache/stats",
	}, &stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ClearUpstreamCache asks the service to drop its own cache. Empty pattern clears all.
func (c *HTTPJwxtClient) ClearUpstreamCache(ctx context.Context, pattern string) (*UpstreamCacheClearResult, error) {
	body := map[string]string{}
	if pattern != "" {
		body["pattern"] = pattern
	}
	var result UpstreamCacheClearResult
	err := c.getJSON(ctx, upstreamCall{
		endpoint: "/cache/clear",
		method:   http.MethodPost,
		path:     "/cache/clear",
		body:     body,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck never fails; any error means unhealthy.
func (c *HTTPJwxtClient) HealthCheck(ctx context.Context) bool {
	_, err := c.do(ctx, upstreamCall{
		endpoint: "/health",
		method:   http.MethodGet,
		path:     "/health",
	})
	return err == nil
}
