package featurescope

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// SignatureHeader carries the HMAC-SHA256 signature of webhook deliveries.
const SignatureHeader = "X-Signature-256"

// Client wraps the HTTP interactions with the FeatureScope REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// FeatureRequest is the payload required to submit a feature for analysis.
type FeatureRequest struct {
	RequestID string     `json:"request_id"`
	Feature   string     `json:"feature"`
	Priority  string     `json:"priority"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Submission is returned once a request has been accepted.
type Submission struct {
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	TrackingURL string `json:"tracking_url"`
}

// Status describes the progress of every analysis layer.
type Status struct {
	RequestID           string            `json:"request_id"`
	Status              string            `json:"status"`
	Cancelled           bool              `json:"cancelled,omitempty"`
	Progress            map[string]string `json:"progress"`
	SubmittedAt         time.Time         `json:"submitted_at"`
	EstimatedCompletion *time.Time        `json:"estimated_completion"`
}

// Final reports whether the request will not change any more.
func (s Status) Final() bool {
	return s.Status != "" && s.Status != "processing"
}

// Analysis is the output of a single agent.
type Analysis struct {
	Impact      string   `json:"impact"`
	Components  []string `json:"components"`
	Changes     []string `json:"changes"`
	EffortHours float64  `json:"effort_hours"`
	Risks       []string `json:"risks"`
	NeedsAgentB bool     `json:"needs_agent_b"`
	NeedsAgentC bool     `json:"needs_agent_c"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// Layer is one node of the consolidated result tree.
type Layer struct {
	AgentID                 string     `json:"agent_id"`
	TaskID                  string     `json:"task_id"`
	Status                  string     `json:"status"`
	Analysis                *Analysis  `json:"analysis,omitempty"`
	ConsolidatedEffortHours float64    `json:"consolidated_effort_hours"`
	Risks                   []string   `json:"risks"`
	Error                   *TaskError `json:"error,omitempty"`
	DeniedDispatches        []string   `json:"denied_dispatches,omitempty"`
	Downstream              []*Layer   `json:"downstream,omitempty"`
}

// TaskError represents a failed layer.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BranchError is a flattened failure of one layer.
type BranchError struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id,omitempty"`
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the consolidated outcome of a request.
type Result struct {
	RequestID        string        `json:"request_id"`
	OverallStatus    string        `json:"overall_status"`
	Layers           *Layer        `json:"layers,omitempty"`
	TotalEffortHours float64       `json:"total_effort_hours"`
	Risks            []string      `json:"risks"`
	Recommendation   string        `json:"recommendation"`
	Errors           []BranchError `json:"errors,omitempty"`
	AgentsInvolved   []string      `json:"agents_involved"`
	CompletedAt      time.Time     `json:"completed_at"`
}

// RequestSummary is an entry returned by ListRequests.
type RequestSummary struct {
	RequestID   string     `json:"request_id"`
	Feature     string     `json:"feature"`
	Priority    string     `json:"priority"`
	UserID      string     `json:"user_id,omitempty"`
	Status      string     `json:"status"`
	Cancelled   bool       `json:"cancelled,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListOptions filters ListRequests. Zero values are omitted.
type ListOptions struct {
	Statuses []string
	Query    string
	Limit    int
	Offset   int
}

// RequestPage is a page of requests.
type RequestPage struct {
	Requests []RequestSummary `json:"requests"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// WebhookRegistration is the payload for registering a webhook.
type WebhookRegistration struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

// Webhook is a registered webhook.
type Webhook struct {
	WebhookID string   `json:"webhook_id"`
	Status    string   `json:"status"`
	Events    []string `json:"events"`
}

// Delivery is a single webhook delivery attempt record.
type Delivery struct {
	DeliveryID     string    `json:"delivery_id"`
	Event          string    `json:"event"`
	RequestID      string    `json:"request_id"`
	State          string    `json:"state"`
	Attempts       int       `json:"attempts"`
	LastStatusCode int       `json:"last_status_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Notification is the body posted to webhooks when a request finishes.
type Notification struct {
	Event            string    `json:"event"`
	RequestID        string    `json:"request_id"`
	OverallStatus    string    `json:"overall_status"`
	Recommendation   string    `json:"recommendation"`
	TotalEffortHours float64   `json:"total_effort_hours"`
	ResultURL        string    `json:"result_url,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}

// ErrNotReady is returned by GetResult while the request is still processing.
var ErrNotReady = errors.New("featurescope: result not ready")

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StatusURL  string            `json:"-"`
	RetryAfter time.Duration     `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("featurescope api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("featurescope api error (%d): %s", e.StatusCode, e.Message)
}

// Is makes a not_ready APIError match ErrNotReady.
func (e *APIError) Is(target error) bool {
	return target == ErrNotReady && e != nil && e.Code == "not_ready"
}

// NewClient instantiates a client for the FeatureScope API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Submit sends a feature request for hierarchical analysis.
func (c *Client) Submit(ctx context.Context, fr FeatureRequest) (Submission, error) {
	var out Submission
	if err := c.send(ctx, http.MethodPost, "/api/v1/feature-request", nil, fr, &out); err != nil {
		return Submission{}, err
	}
	return out, nil
}

// GetStatus fetches per-layer progress of a request.
func (c *Client) GetStatus(ctx context.Context, requestID string) (Status, error) {
	var out Status
	if err := c.send(ctx, http.MethodGet, "/api/v1/status/"+url.PathEscape(requestID), nil, nil, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// GetResult fetches the consolidated result. While the request is still
// processing the returned error matches ErrNotReady.
func (c *Client) GetResult(ctx context.Context, requestID string) (*Result, error) {
	var out Result
	if err := c.send(ctx, http.MethodGet, "/api/v1/results/"+url.PathEscape(requestID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReport fetches the consolidated result rendered as markdown.
func (c *Client) GetReport(ctx context.Context, requestID string) (string, error) {
	q := url.Values{"format": {"markdown"}}
	var buf bytes.Buffer
	if err := c.send(ctx, http.MethodGet, "/api/v1/results/"+url.PathEscape(requestID), q, nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Cancel stops further dispatch for a request.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/requests/"+url.PathEscape(requestID), nil, nil, nil)
}

// ListRequests returns a page of requests visible to the caller.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (RequestPage, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var out RequestPage
	if err := c.send(ctx, http.MethodGet, "/api/v1/requests", q, nil, &out); err != nil {
		return RequestPage{}, err
	}
	return out, nil
}

// WaitForResult polls the status endpoint until the request is final and
// returns its result.
func (c *Client) WaitForResult(ctx context.Context, requestID string, interval time.Duration) (*Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetStatus(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if status.Final() {
			return c.GetResult(ctx, requestID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegisterWebhook subscribes a URL to completion events.
func (c *Client) RegisterWebhook(ctx context.Context, reg WebhookRegistration) (Webhook, error) {
	var out Webhook
	if err := c.send(ctx, http.MethodPost, "/api/v1/webhooks", nil, reg, &out); err != nil {
		return Webhook{}, err
	}
	return out, nil
}

// ListDeliveries returns the delivery log of a webhook.
func (c *Client) ListDeliveries(ctx context.Context, webhookID string) ([]Delivery, error) {
	var out struct {
		Deliveries []Delivery `json:"deliveries"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/webhooks/"+url.PathEscape(webhookID)+"/deliveries", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Deliveries, nil
}

// VerifySignature checks a webhook body against the X-Signature-256 header
// value using the secret supplied at registration.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// ParseNotification verifies and decodes a webhook delivery.
func ParseNotification(secret string, r *http.Request) (Notification, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Notification{}, fmt.Errorf("read body: %w", err)
	}
	if secret != "" && !VerifySignature(secret, body, r.Header.Get(SignatureHeader)) {
		return Notification{}, errors.New("featurescope: invalid webhook signature")
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	token := c.AccessToken()
	if token == "" {
		return nil, errors.New("featurescope: access token is not set")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := dst.ReadFrom(resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	var envelope struct {
		Error     json.RawMessage `json:"error"`
		StatusURL string          `json:"status_url"`
	}
	if len(data) > 0 && json.Unmarshal(data, &envelope) == nil && len(envelope.Error) > 0 {
		var code string
		if json.Unmarshal(envelope.Error, &code) == nil {
			// 结果未就绪时服务端返回扁平结构。
			apiErr.Code = code
			apiErr.Message = "result not ready"
			apiErr.StatusURL = envelope.StatusURL
		} else {
			_ = json.Unmarshal(envelope.Error, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
