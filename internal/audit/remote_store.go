package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteStore sends audit events to an audit service over HTTP. Filtering,
// sorting, and pagination are performed by the service; results pass through
// unchanged.
type RemoteStore struct {
	baseURL    string
	createPath string
	listPath   string
	headers    http.Header
	timeout    time.Duration
	httpClient *http.Client
}

// RemoteStoreConfig configures the remote adapter.
type RemoteStoreConfig struct {
	BaseURL    string
	CreatePath string
	ListPath   string

	// Headers are added to every request.
	Headers map[string]string

	// Timeout bounds each request. Zero means no adapter-imposed limit.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// NewRemoteStore creates a client for the audit service.
func NewRemoteStore(cfg RemoteStoreConfig) (*RemoteStore, error) {
	if cfg.BaseURL == "" || cfg.CreatePath == "" || cfg.ListPath == "" {
		return nil, fmt.Errorf("%w: remote adapter requires base URL, create path, and list path", ErrConfiguration)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: remote base URL: %w", ErrConfiguration, err)
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &RemoteStore{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		createPath: cfg.CreatePath,
		listPath:   cfg.ListPath,
		headers:    headers,
		timeout:    cfg.Timeout,
		httpClient: client,
	}, nil
}

// Save posts the normalized event. When the service answers with an id or
// timestamp, those values are adopted.
func (r *RemoteStore) Save(ctx context.Context, event *Event) error {
	normalized, err := normalize(event)
	if err != nil {
		return err
	}

	body, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", ErrStoreUnavailable, err)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+r.createPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrStoreUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := r.do(req)
	if err != nil {
		return err
	}

	// The body is optional; adopt server-assigned identity when present.
	var result struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	if len(respBody) > 0 && json.Unmarshal(respBody, &result) == nil {
		if result.ID != "" {
			event.ID = result.ID
		}
		if result.Timestamp != 0 {
			event.Timestamp = result.Timestamp
		}
	}
	return nil
}

// Query sends one list request and passes the service's page through.
func (r *RemoteStore) Query(ctx context.Context, opts QueryOptions) (*PaginatedResult, error) {
	q, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+r.listPath+"?"+encodeListParams(q).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrStoreUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := r.do(req)
	if err != nil {
		return nil, err
	}
	return decodeListResponse(respBody)
}

// Clear asks the service to delete every event.
func (r *RemoteStore) Clear(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+r.listPath, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrStoreUnavailable, err)
	}
	_, err = r.do(req)
	return err
}

func (r *RemoteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

// do sends req with the configured headers and returns the body of a 2xx
// response. Every failure is reported as ErrStoreUnavailable.
func (r *RemoteStore) do(req *http.Request) ([]byte, error) {
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrStoreUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: audit service returned %d: %s", ErrStoreUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// encodeListParams flattens a resolved query into list request parameters.
func encodeListParams(q resolvedQuery) url.Values {
	v := url.Values{}
	f := q.filter
	setIf := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	setIf("action", f.Action)
	setIf("entity", f.Entity)
	setIf("entityId", f.EntityID)
	setIf("userId", f.UserID)
	setIf("search", f.Search)
	if f.StartDate != 0 {
		v.Set("startDate", strconv.FormatInt(f.StartDate, 10))
	}
	if f.EndDate != 0 {
		v.Set("endDate", strconv.FormatInt(f.EndDate, 10))
	}
	v.Set("page", strconv.Itoa(q.page))
	v.Set("pageSize", strconv.Itoa(q.pageSize))
	v.Set("sortField", q.sortField)
	v.Set("sortDirection", string(q.sortDir))
	return v
}

// decodeListResponse parses a list body, defaulting missing fields rather
// than failing the call.
func decodeListResponse(body []byte) (*PaginatedResult, error) {
	var wire struct {
		Data        []Event `json:"data"`
		Total       *int    `json:"total"`
		Page        *int    `json:"page"`
		PageSize    *int    `json:"pageSize"`
		TotalPages  *int    `json:"totalPages"`
		Approximate bool    `json:"approximate"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: decode list response: %w", ErrStoreUnavailable, err)
	}

	result := &PaginatedResult{
		Data:        wire.Data,
		Page:        DefaultPage,
		PageSize:    DefaultPageSize,
		Approximate: wire.Approximate,
	}
	if result.Data == nil {
		result.Data = []Event{}
	}
	if wire.Total != nil {
		result.Total = *wire.Total
	}
	if wire.Page != nil {
		result.Page = *wire.Page
	}
	if wire.PageSize != nil {
		result.PageSize = *wire.PageSize
	}
	if wire.TotalPages != nil {
		result.TotalPages = *wire.TotalPages
	}
	return result, nil
}

// ParseListParams is the inverse of the list request encoding, used by the
// service side of the wire contract. Absent pagination or sort parameters
// leave the corresponding option nil so defaults apply.
func ParseListParams(v url.Values) (QueryOptions, error) {
	var opts QueryOptions
	f := &opts.Filter
	f.Action = v.Get("action")
	f.Entity = v.Get("entity")
	f.EntityID = v.Get("entityId")
	f.UserID = v.Get("userId")
	f.Search = v.Get("search")

	var err error
	if f.StartDate, err = parseInt64Param(v, "startDate"); err != nil {
		return opts, err
	}
	if f.EndDate, err = parseInt64Param(v, "endDate"); err != nil {
		return opts, err
	}

	if v.Has("page") || v.Has("pageSize") {
		p := &Pagination{Page: DefaultPage, PageSize: DefaultPageSize}
		if v.Has("page") {
			if p.Page, err = strconv.Atoi(v.Get("page")); err != nil {
				return opts, fmt.Errorf("%w: page: %w", ErrInvalidQuery, err)
			}
		}
		if v.Has("pageSize") {
			if p.PageSize, err = strconv.Atoi(v.Get("pageSize")); err != nil {
				return opts, fmt.Errorf("%w: pageSize: %w", ErrInvalidQuery, err)
			}
		}
		opts.Pagination = p
	}

	if v.Has("sortField") || v.Has("sortDirection") {
		opts.Sort = &Sort{
			Field:     v.Get("sortField"),
			Direction: SortDirection(v.Get("sortDirection")),
		}
	}

	return opts, opts.Validate()
}

func parseInt64Param(v url.Values, key string) (int64, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidQuery, key, err)
	}
	return n, nil
}
