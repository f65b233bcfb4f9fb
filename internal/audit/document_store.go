package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// DefaultDocumentIndex is the index used when none is configured.
const DefaultDocumentIndex = "audit_events"

// TotalPolicy selects how the document store reports PaginatedResult.Total.
type TotalPolicy string

const (
	// TotalExact asks the search to track every hit, which OpenSearch answers
	// in the same round trip.
	TotalExact TotalPolicy = "exact"

	// TotalPage skips hit counting and reports offset+len(data), a lower bound
	// flagged with PaginatedResult.Approximate.
	TotalPage TotalPolicy = "page"
)

// DocumentStore keeps events in an OpenSearch index. The client and index are
// set up on first use, not at construction.
type DocumentStore struct {
	cfg    DocumentStoreConfig
	logger *slog.Logger

	mu     sync.Mutex
	ready  bool
	client *opensearch.Client

	lastSeq atomic.Int64
}

// DocumentStoreConfig configures the document-store adapter.
type DocumentStoreConfig struct {
	Addresses []string
	Username  string
	Password  string

	// Index defaults to DefaultDocumentIndex.
	Index string

	// Total defaults to TotalExact.
	Total TotalPolicy

	// MaxRetries bounds client retries on 429/502/503/504. Defaults to 3.
	MaxRetries int

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// NewDocumentStore validates the configuration. It performs no I/O.
func NewDocumentStore(cfg DocumentStoreConfig) (*DocumentStore, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: document store requires at least one address", ErrConfiguration)
	}
	if cfg.Index == "" {
		cfg.Index = DefaultDocumentIndex
	}
	switch cfg.Total {
	case "":
		cfg.Total = TotalExact
	case TotalExact, TotalPage:
	default:
		return nil, fmt.Errorf("%w: unknown total policy %q", ErrConfiguration, cfg.Total)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DocumentStore{cfg: cfg, logger: cfg.Logger}, nil
}

// Connected reports whether the one-time initialization has completed.
func (d *DocumentStore) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// connect creates the client and the index on first use. A failed attempt
// leaves the store unconnected so the next call retries.
func (d *DocumentStore) connect(ctx context.Context) (*opensearch.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return d.client, nil
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:     d.cfg.Addresses,
		Username:      d.cfg.Username,
		Password:      d.cfg.Password,
		Transport:     d.cfg.Transport,
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
		MaxRetries: d.cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create opensearch client: %w", ErrStoreUnavailable, err)
	}
	if err := d.ensureIndex(ctx, client); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	d.client = client
	d.ready = true
	d.logger.Info("document store connected", "index", d.cfg.Index)
	return client, nil
}

const documentMapping = `{
	"mappings": {
		"properties": {
			"id":          {"type": "keyword"},
			"action":      {"type": "keyword"},
			"entity":      {"type": "keyword"},
			"entityId":    {"type": "keyword"},
			"userId":      {"type": "keyword"},
			"userName":    {"type": "keyword"},
			"description": {"type": "keyword"},
			"timestamp":   {"type": "long"},
			"ipAddress":   {"type": "keyword"},
			"userAgent":   {"type": "keyword"},
			"metadata":    {"type": "object", "enabled": false},
			"seq":         {"type": "long"}
		}
	}
}`

func (d *DocumentStore) ensureIndex(ctx context.Context, client *opensearch.Client) error {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{d.cfg.Index}}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		if res.IsError() {
			return fmt.Errorf("check index: %s", res.Status())
		}
		return nil
	}

	res, err = opensearchapi.IndicesCreateRequest{
		Index: d.cfg.Index,
		Body:  strings.NewReader(documentMapping),
	}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// Another writer created it between our check and create.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index: %s: %s", res.Status(), string(body))
	}
	d.logger.Info("document index created", "index", d.cfg.Index)
	return nil
}

// storedDocument is the indexed form of an event. Seq orders events saved
// with equal sort keys, most recent first.
type storedDocument struct {
	Event
	Seq int64 `json:"seq"`
}

// nextSeq returns a strictly increasing insertion sequence.
func (d *DocumentStore) nextSeq() int64 {
	for {
		last := d.lastSeq.Load()
		next := max(time.Now().UnixNano(), last+1)
		if d.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Save indexes the event and waits for the index refresh so that later
// queries observe it.
func (d *DocumentStore) Save(ctx context.Context, event *Event) error {
	normalized, err := normalize(event)
	if err != nil {
		return err
	}
	client, err := d.connect(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(storedDocument{Event: normalized, Seq: d.nextSeq()})
	if err != nil {
		return fmt.Errorf("%w: marshal event: %w", ErrStoreUnavailable, err)
	}

	res, err := opensearchapi.IndexRequest{
		Index:   d.cfg.Index,
		Body:    bytes.NewReader(body),
		Refresh: "wait_for",
	}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("%w: index event: %w", ErrStoreUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		respBody, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%w: index event: %s: %s", ErrStoreUnavailable, res.Status(), string(respBody))
	}
	return nil
}

// Query translates opts into one search request.
func (d *DocumentStore) Query(ctx context.Context, opts QueryOptions) (*PaginatedResult, error) {
	q, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	search := buildSearchBody(q, d.cfg.Total)
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(search); err != nil {
		return nil, fmt.Errorf("%w: encode search: %w", ErrStoreUnavailable, err)
	}

	res, err := opensearchapi.SearchRequest{
		Index: []string{d.cfg.Index},
		Body:  &buf,
	}.Do(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrStoreUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		respBody, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("%w: search: %s: %s", ErrStoreUnavailable, res.Status(), string(respBody))
	}

	var result struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %w", ErrStoreUnavailable, err)
	}

	data := make([]Event, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		data[i] = hit.Source
	}

	page := &PaginatedResult{
		Data:     data,
		Page:     q.page,
		PageSize: q.pageSize,
	}
	switch {
	case d.cfg.Total != TotalPage:
		page.Total = result.Hits.Total.Value
	case len(data) == 0 && q.offset() > 0:
		// Past the last page the offset bounds nothing, so count instead.
		n, err := d.count(ctx, client, search["query"])
		if err != nil {
			return nil, err
		}
		page.Total = n
	default:
		page.Total = q.offset() + len(data)
		page.Approximate = true
	}
	page.TotalPages = totalPages(page.Total, q.pageSize)
	return page, nil
}

// Clear deletes every document and then counts what is left. Documents
// written concurrently may survive; they are reported, not hidden.
func (d *DocumentStore) Clear(ctx context.Context) error {
	client, err := d.connect(ctx)
	if err != nil {
		return err
	}

	refresh := true
	res, err := opensearchapi.DeleteByQueryRequest{
		Index:     []string{d.cfg.Index},
		Body:      strings.NewReader(`{"query":{"match_all":{}}}`),
		Refresh:   &refresh,
		Conflicts: "proceed",
	}.Do(ctx, client)
	if err != nil {
		return fmt.Errorf("%w: delete events: %w", ErrStoreUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		respBody, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%w: delete events: %s: %s", ErrStoreUnavailable, res.Status(), string(respBody))
	}

	remaining, err := d.count(ctx, client, nil)
	if err != nil {
		return err
	}
	if remaining > 0 {
		d.logger.Warn("events written during clear survived", "index", d.cfg.Index, "remaining", remaining)
	}
	return nil
}

// count returns the number of documents matching query, or every document
// when query is nil.
func (d *DocumentStore) count(ctx context.Context, client *opensearch.Client, query any) (int, error) {
	req := opensearchapi.CountRequest{Index: []string{d.cfg.Index}}
	if query != nil {
		body, err := json.Marshal(map[string]any{"query": query})
		if err != nil {
			return 0, fmt.Errorf("%w: encode count: %w", ErrStoreUnavailable, err)
		}
		req.Body = bytes.NewReader(body)
	}

	res, err := req.Do(ctx, client)
	if err != nil {
		return 0, fmt.Errorf("%w: count events: %w", ErrStoreUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, fmt.Errorf("%w: count events: %s", ErrStoreUnavailable, res.Status())
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode count: %w", ErrStoreUnavailable, err)
	}
	return body.Count, nil
}

// searchFields are the fields a free-text search term is matched against.
var searchFields = []string{"action", "entity", "entityId", "userName", "description"}

// buildSearchBody maps a resolved query onto OpenSearch query DSL.
func buildSearchBody(q resolvedQuery, total TotalPolicy) map[string]any {
	var filters []any
	f := q.filter

	for _, term := range [][2]string{
		{"action", f.Action},
		{"entity", f.Entity},
		{"entityId", f.EntityID},
		{"userId", f.UserID},
	} {
		if term[1] != "" {
			filters = append(filters, map[string]any{"term": map[string]any{term[0]: term[1]}})
		}
	}

	if f.StartDate != 0 || f.EndDate != 0 {
		bounds := map[string]any{}
		if f.StartDate != 0 {
			bounds["gte"] = f.StartDate
		}
		if f.EndDate != 0 {
			bounds["lte"] = f.EndDate
		}
		filters = append(filters, map[string]any{"range": map[string]any{"timestamp": bounds}})
	}

	if f.Search != "" {
		pattern := "*" + escapeWildcard(f.Search) + "*"
		should := make([]any, 0, len(searchFields))
		for _, field := range searchFields {
			should = append(should, map[string]any{
				"wildcard": map[string]any{
					field: map[string]any{"value": pattern, "case_insensitive": true},
				},
			})
		}
		filters = append(filters, map[string]any{
			"bool": map[string]any{"should": should, "minimum_should_match": 1},
		})
	}

	query := map[string]any{"match_all": map[string]any{}}
	if len(filters) > 0 {
		query = map[string]any{"bool": map[string]any{"filter": filters}}
	}

	unmapped := "keyword"
	if q.sortField == "timestamp" {
		unmapped = "long"
	}

	return map[string]any{
		"query": query,
		"sort": []any{
			map[string]any{q.sortField: map[string]any{
				"order":         string(q.sortDir),
				"missing":       "_last",
				"unmapped_type": unmapped,
			}},
			map[string]any{"seq": map[string]any{"order": "desc"}},
		},
		"from":             q.offset(),
		"size":             q.pageSize,
		"track_total_hits": total != TotalPage,
	}
}

var wildcardEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

func escapeWildcard(s string) string {
	return wildcardEscaper.Replace(s)
}
