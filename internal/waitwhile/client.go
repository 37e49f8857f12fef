// client.go -- Waitwhile queue provider client.
//
// Submit forwards a finished intake as a new visit; GetVisit reads a visit's
// live status. Response bodies are read with gjson because the provider's
// shapes differ between endpoints and API versions.
package waitwhile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/chiroport/internal/intake"
	"github.com/MGallo-Code/chiroport/internal/metrics"
	"github.com/gofrs/uuid/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the provider's v2 REST endpoint.
const DefaultBaseURL = "https://api.waitwhile.com/v2"

// maxBody caps how much of a provider response is read.
const maxBody = 1 << 20

// idempotencyWindow is how long repeat submissions for one phone at one
// location share an Idempotency-Key.
const idempotencyWindow = 15 * time.Minute

var idempotencyNamespace = uuid.NewV5(uuid.NamespaceURL, DefaultBaseURL+"/visits")

var (
	// ErrNotConfigured is returned by New without an API key.
	ErrNotConfigured = errors.New("waitwhile: api key not configured")
	// ErrVisitNotFound is returned when the provider has no such visit.
	ErrVisitNotFound = errors.New("waitwhile: visit not found")
)

// ProviderError is a non-2xx provider response.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("waitwhile: %d %s: %s", e.Status, e.Code, e.Message)
}

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client talks to the Waitwhile REST API. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	lookups    singleflight.Group
	submits    singleflight.Group
}

// New returns a Client. Timeout defaults to 10s and BaseURL to DefaultBaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}, nil
}

// Visit is a queue entry's live status.
type Visit struct {
	ID                   string    `json:"id"`
	LocationID           string    `json:"locationId"`
	Status               string    `json:"status"`
	Position             *int      `json:"position,omitempty"`
	EstimatedWaitMinutes *int      `json:"estimatedWaitMinutes,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Submit adds the intake to the location's waitlist. If the phone number
// already has a waiting visit there, that visit is returned with
// AlreadyInQueue set and no new entry is created.
//
// Concurrent submits for the same phone and location share one provider
// call, and repeats inside idempotencyWindow reuse one Idempotency-Key.
func (c *Client) Submit(ctx context.Context, in intake.Intake) (*intake.SubmitResult, error) {
	phone, ok := intake.NormalizePhone(in.Phone)
	if !ok {
		return nil, fmt.Errorf("waitwhile: invalid phone number")
	}
	key := idempotencyKey(in.LocationID, phone, c.now())

	v, err := c.shared(ctx, &c.submits, key.String(), 2*c.httpClient.Timeout, func(ctx context.Context) (any, error) {
		return c.submit(ctx, in, phone, key)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*intake.SubmitResult)
	return &res, nil
}

func (c *Client) submit(ctx context.Context, in intake.Intake, phone string, key uuid.UUID) (*intake.SubmitResult, error) {
	existing, err := c.findWaiting(ctx, in.LocationID, phone)
	if err != nil {
		return nil, err
	}
	if existing.Exists() {
		res := submitResult(existing)
		res.AlreadyInQueue = true
		return res, nil
	}

	body, err := visitBody(in, phone)
	if err != nil {
		return nil, err
	}
	status, resp, err := c.do(ctx, "create_visit", http.MethodPost, "/visits", body, map[string]string{
		"Idempotency-Key": key.String(),
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, parseProviderError(status, resp)
	}
	return submitResult(gjson.ParseBytes(resp)), nil
}

// idempotencyKey derives a stable key from location, normalized phone and
// the current idempotencyWindow bucket.
func idempotencyKey(locationID, phone string, now time.Time) uuid.UUID {
	bucket := now.Unix() / int64(idempotencyWindow/time.Second)
	return uuid.NewV5(idempotencyNamespace, locationID+"|"+phone+"|"+strconv.FormatInt(bucket, 10))
}

// GetVisit fetches one visit. Concurrent lookups of the same id share a
// single provider call.
func (c *Client) GetVisit(ctx context.Context, id string) (*Visit, error) {
	if id == "" {
		return nil, ErrVisitNotFound
	}
	v, err := c.shared(ctx, &c.lookups, id, c.httpClient.Timeout, func(ctx context.Context) (any, error) {
		return c.getVisit(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	visit := *v.(*Visit)
	return &visit, nil
}

// shared runs fn once per key across concurrent callers. fn gets a context
// detached from any one caller's cancellation and bounded by timeout; each
// caller still stops waiting when its own ctx is done.
func (c *Client) shared(ctx context.Context, g *singleflight.Group, key string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	ch := g.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return fn(sctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

func (c *Client) getVisit(ctx context.Context, id string) (*Visit, error) {
	status, resp, err := c.do(ctx, "get_visit", http.MethodGet, "/visits/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrVisitNotFound
	case status != http.StatusOK:
		return nil, parseProviderError(status, resp)
	}

	r := gjson.ParseBytes(resp)
	v := &Visit{
		ID:         r.Get("id").String(),
		LocationID: r.Get("locationId").String(),
		Status:     strings.ToUpper(r.Get("state").String()),
		Position:   optionalInt(r.Get("position")),
		CreatedAt:  parseTime(r.Get("created")),
	}
	// waitTime is reported in seconds.
	if wt := r.Get("waitTime"); wt.Exists() {
		mins := int((wt.Int() + 59) / 60)
		v.EstimatedWaitMinutes = &mins
	}
	return v, nil
}

// findWaiting returns the first WAITING visit for phone at the location,
// or a non-existent result.
func (c *Client) findWaiting(ctx context.Context, locationID, phone string) (gjson.Result, error) {
	q := url.Values{
		"locationId": {locationID},
		"phone":      {phone},
		"states":     {"WAITING"},
		"limit":      {"1"},
	}
	status, resp, err := c.do(ctx, "find_visit", http.MethodGet, "/visits?"+q.Encode(), nil, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	if status != http.StatusOK {
		return gjson.Result{}, parseProviderError(status, resp)
	}
	return gjson.GetBytes(resp, "results.0"), nil
}

// do sends one request and returns the status and body. Transport errors are
// counted with status "error".
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("waitwhile: building request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ProviderDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(op, "error").Inc()
		return 0, nil, fmt.Errorf("waitwhile: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.ProviderRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("waitwhile: reading %s response: %w", op, err)
	}
	return resp.StatusCode, data, nil
}

type bodyField struct {
	path  string
	value any
}

// visitBody builds the create-visit request. Wizard answers go in notes and
// custom data fields so front-desk staff see them.
func visitBody(in intake.Intake, phone string) ([]byte, error) {
	first, last := intake.FirstAndLastName(in.Name)
	fields := []bodyField{
		{"locationId", in.LocationID},
		{"state", "WAITING"},
		{"firstName", first},
		{"lastName", last},
		{"phone", phone},
		{"email", in.Email},
		{"notes", in.AdditionalInfo},
		{"dataFields.birthday", in.Birthday},
		{"dataFields.discomfort", strings.Join(in.Discomfort, ", ")},
		{"dataFields.consent", in.Consent},
	}
	if t := in.SelectedTreatment; t != nil {
		fields = append(fields,
			bodyField{"dataFields.treatment", t.Title},
			bodyField{"dataFields.treatmentPrice", t.Price},
		)
	}
	if in.VisitCategory != "" {
		fields = append(fields, bodyField{"dataFields.visitCategory", in.VisitCategory})
	}
	if in.IsMember != nil {
		fields = append(fields, bodyField{"dataFields.member", *in.IsMember})
	}
	if in.SpinalAdjustment != nil {
		fields = append(fields, bodyField{"dataFields.spinalAdjustment", *in.SpinalAdjustment})
	}

	body := []byte(`{}`)
	var err error
	for _, f := range fields {
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return nil, fmt.Errorf("waitwhile: setting %s: %w", f.path, err)
		}
	}
	return body, nil
}

// submitResult maps a provider visit object.
func submitResult(r gjson.Result) *intake.SubmitResult {
	queueID := r.Get("waitlistId").String()
	if queueID == "" {
		queueID = r.Get("locationId").String()
	}
	return &intake.SubmitResult{
		QueueEntryID:  r.Get("id").String(),
		PublicToken:   r.Get("publicVisitToken").String(),
		QueueID:       queueID,
		Status:        strings.ToUpper(r.Get("state").String()),
		CreatedAt:     parseTime(r.Get("created")),
		QueuePosition: optionalInt(r.Get("position")),
	}
}

// parseProviderError reads code and message from whichever error shape the
// provider returned, falling back to the HTTP status text.
func parseProviderError(status int, body []byte) *ProviderError {
	r := gjson.ParseBytes(body)
	code := firstString(r, "code", "error.code", "error")
	msg := firstString(r, "message", "error.message", "error_description")
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{Status: status, Code: code, Message: msg}
}

// firstString returns the first path holding a plain string.
func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func optionalInt(r gjson.Result) *int {
	if r.Type != gjson.Number {
		return nil
	}
	n := int(r.Int())
	return &n
}

// parseTime accepts RFC 3339 strings and epoch milliseconds.
func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.String:
		t, err := time.Parse(time.RFC3339, r.Str)
		if err == nil {
			return t
		}
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	}
	return time.Time{}
}
