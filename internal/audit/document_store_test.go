package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeOpenSearch serves the handful of endpoints the document store uses.
// Search ignores the query and sort, returning the from/size window of every
// stored document in insertion order; it records the request body so tests
// can inspect the translated query.
type fakeOpenSearch struct {
	mu          sync.Mutex
	index       string
	created     bool
	mapping     map[string]any
	docs        []json.RawMessage
	lastSearch  map[string]any
	lastCount   map[string]any
	requests    []string
	failSearch  bool
	searchTotal int
}

func (f *fakeOpenSearch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	indexPath := "/" + f.index
	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"version":{"number":"2.11.0","distribution":"opensearch"}}`)

	case r.Method == http.MethodHead && r.URL.Path == indexPath:
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
		}

	case r.Method == http.MethodPut && r.URL.Path == indexPath:
		f.created = true
		_ = json.Unmarshal(body, &f.mapping)
		_, _ = io.WriteString(w, `{"acknowledged":true}`)

	case r.URL.Path == indexPath+"/_doc":
		if r.URL.Query().Get("refresh") != "wait_for" {
			http.Error(w, `{"error":"missing refresh"}`, http.StatusBadRequest)
			return
		}
		f.docs = append(f.docs, json.RawMessage(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)

	case r.URL.Path == indexPath+"/_search":
		f.lastSearch = map[string]any{}
		_ = json.Unmarshal(body, &f.lastSearch)
		if f.failSearch {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		from, size := 0, len(f.docs)
		if v, ok := f.lastSearch["from"].(float64); ok {
			from = min(int(v), len(f.docs))
		}
		if v, ok := f.lastSearch["size"].(float64); ok {
			size = int(v)
		}
		window := f.docs[from:min(from+size, len(f.docs))]
		hits := make([]map[string]any, len(window))
		for i, d := range window {
			hits[i] = map[string]any{"_source": d}
		}
		total := f.searchTotal
		if total == 0 {
			total = len(f.docs)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hits": map[string]any{"total": map[string]any{"value": total}, "hits": hits},
		})

	case r.URL.Path == indexPath+"/_delete_by_query":
		n := len(f.docs)
		f.docs = nil
		_ = json.NewEncoder(w).Encode(map[string]any{"deleted": n})

	case r.URL.Path == indexPath+"/_count":
		f.lastCount = map[string]any{}
		_ = json.Unmarshal(body, &f.lastCount)
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(f.docs)})

	default:
		http.Error(w, `{"error":"unexpected"}`, http.StatusBadRequest)
	}
}

func (f *fakeOpenSearch) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeOpenSearch) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

type DocumentStoreSuite struct {
	suite.Suite
	fake   *fakeOpenSearch
	server *httptest.Server
	store  *DocumentStore
}

func TestDocumentStoreSuite(t *testing.T) {
	suite.Run(t, new(DocumentStoreSuite))
}

func (s *DocumentStoreSuite) SetupTest() {
	s.fake = &fakeOpenSearch{index: "audit_test"}
	s.server = httptest.NewServer(s.fake)

	store, err := NewDocumentStore(DocumentStoreConfig{
		Addresses: []string{s.server.URL},
		Index:     "audit_test",
		Logger:    discardLogger(),
	})
	s.Require().NoError(err)
	s.store = store
}

func (s *DocumentStoreSuite) TearDownTest() {
	s.server.Close()
}

func (s *DocumentStoreSuite) TestConstructionPerformsNoIO() {
	s.False(s.store.Connected())
	s.Empty(s.fake.requestLog())
}

func (s *DocumentStoreSuite) TestFirstUseCreatesIndex() {
	ctx := context.Background()
	s.Require().NoError(s.store.Save(ctx, &Event{Action: "LOGIN", Entity: "User"}))

	s.True(s.store.Connected())
	var props map[string]any
	s.fake.locked(func() {
		s.True(s.fake.created)
		props = s.fake.mapping["mappings"].(map[string]any)["properties"].(map[string]any)
	})
	s.Equal(map[string]any{"type": "keyword"}, props["action"])
	s.Equal(map[string]any{"type": "long"}, props["timestamp"])
	s.Equal(map[string]any{"type": "object", "enabled": false}, props["metadata"])

	// A second call must not re-run initialization.
	before := len(s.fake.requestLog())
	s.Require().NoError(s.store.Save(ctx, &Event{Action: "LOGOUT", Entity: "User"}))
	s.Equal([]string{"POST /audit_test/_doc"}, s.fake.requestLog()[before:])
}

func (s *DocumentStoreSuite) TestFailedInitIsRetried() {
	s.server.Close()

	err := s.store.Save(context.Background(), &Event{Action: "A", Entity: "E"})
	s.Require().ErrorIs(err, ErrStoreUnavailable)
	s.False(s.store.Connected())
}

func (s *DocumentStoreSuite) TestSaveAssignsIdentityAndSequence() {
	draft := &Event{Action: "LOGIN", Entity: "User", Metadata: map[string]any{"mfa": true}}
	s.Require().NoError(s.store.Save(context.Background(), draft))
	s.Require().NoError(s.store.Save(context.Background(), &Event{Action: "LOGIN", Entity: "User"}))

	s.NotEmpty(draft.ID)
	s.NotZero(draft.Timestamp)

	var docs []json.RawMessage
	s.fake.locked(func() { docs = append(docs, s.fake.docs...) })
	s.Require().Len(docs, 2)
	var first, second storedDocument
	s.Require().NoError(json.Unmarshal(docs[0], &first))
	s.Require().NoError(json.Unmarshal(docs[1], &second))
	s.Equal(draft.ID, first.ID)
	s.Equal(true, first.Metadata["mfa"])
	s.Greater(second.Seq, first.Seq)
}

func (s *DocumentStoreSuite) TestQueryExactTotal() {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		s.Require().NoError(s.store.Save(ctx, &Event{ID: id, Action: "A", Entity: "E", Timestamp: 1}))
	}
	s.fake.locked(func() { s.fake.searchTotal = 42 })

	result, err := s.store.Query(ctx, QueryOptions{
		Filter:     Filter{Action: "A"},
		Pagination: &Pagination{Page: 2, PageSize: 5},
	})
	s.Require().NoError(err)

	s.Equal(42, result.Total)
	s.Equal(9, result.TotalPages)
	s.Equal(2, result.Page)
	s.False(result.Approximate)
	s.Require().Len(result.Data, 1)
	s.Equal("f", result.Data[0].ID)

	s.fake.locked(func() {
		s.Equal(true, s.fake.lastSearch["track_total_hits"])
		s.Equal(float64(5), s.fake.lastSearch["from"])
		s.Equal(float64(5), s.fake.lastSearch["size"])
	})
}

func (s *DocumentStoreSuite) TestQueryPageTotalIsApproximate() {
	store, err := NewDocumentStore(DocumentStoreConfig{
		Addresses: []string{s.server.URL},
		Index:     "audit_test",
		Total:     TotalPage,
		Logger:    discardLogger(),
	})
	s.Require().NoError(err)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		s.Require().NoError(store.Save(ctx, &Event{ID: id, Action: "A", Entity: "E"}))
	}
	s.fake.locked(func() { s.fake.searchTotal = 1000 })

	result, err := store.Query(ctx, QueryOptions{Pagination: &Pagination{Page: 2, PageSize: 2}})
	s.Require().NoError(err)

	s.True(result.Approximate)
	s.Equal(3, result.Total)
	s.Equal(2, result.TotalPages)
	s.fake.locked(func() { s.Equal(false, s.fake.lastSearch["track_total_hits"]) })
	s.NotContains(strings.Join(s.fake.requestLog(), "\n"), "_count")
}

func (s *DocumentStoreSuite) TestQueryPageTotalPastLastPageCounts() {
	store, err := NewDocumentStore(DocumentStoreConfig{
		Addresses: []string{s.server.URL},
		Index:     "audit_test",
		Total:     TotalPage,
		Logger:    discardLogger(),
	})
	s.Require().NoError(err)
	ctx := context.Background()

	result, err := store.Query(ctx, QueryOptions{Pagination: &Pagination{Page: 5, PageSize: 10}})
	s.Require().NoError(err)
	s.Empty(result.Data)
	s.Equal(0, result.Total)
	s.Equal(0, result.TotalPages)
	s.False(result.Approximate)

	for _, id := range []string{"a", "b", "c"} {
		s.Require().NoError(store.Save(ctx, &Event{ID: id, Action: "A", Entity: "E"}))
	}
	result, err = store.Query(ctx, QueryOptions{
		Filter:     Filter{Action: "A"},
		Pagination: &Pagination{Page: 5, PageSize: 10},
	})
	s.Require().NoError(err)
	s.Empty(result.Data)
	s.Equal(3, result.Total)
	s.Equal(1, result.TotalPages)
	s.False(result.Approximate)
	s.fake.locked(func() {
		s.Equal(s.fake.lastSearch["query"], s.fake.lastCount["query"])
	})
}

func (s *DocumentStoreSuite) TestQueryEmptyIndexReturnsEmptyData() {
	result, err := s.store.Query(context.Background(), QueryOptions{})
	s.Require().NoError(err)
	s.NotNil(result.Data)
	s.Empty(result.Data)
	s.Equal(0, result.TotalPages)
}

func (s *DocumentStoreSuite) TestInvalidQueryRejectedBeforeIO() {
	_, err := s.store.Query(context.Background(), QueryOptions{Sort: &Sort{Field: "metadata"}})
	s.Require().ErrorIs(err, ErrInvalidQuery)
	s.Empty(s.fake.requestLog())
}

func (s *DocumentStoreSuite) TestSearchFailure() {
	s.fake.locked(func() { s.fake.failSearch = true })
	_, err := s.store.Query(context.Background(), QueryOptions{})
	s.Require().ErrorIs(err, ErrStoreUnavailable)
}

func (s *DocumentStoreSuite) TestClear() {
	ctx := context.Background()
	s.Require().NoError(s.store.Save(ctx, &Event{Action: "A", Entity: "E"}))
	s.Require().NoError(s.store.Clear(ctx))
	s.fake.locked(func() { s.Empty(s.fake.docs) })

	reqs := strings.Join(s.fake.requestLog(), "\n")
	s.Contains(reqs, "/audit_test/_delete_by_query")
	s.Contains(reqs, "/audit_test/_count")
}

func TestNewDocumentStore_Configuration(t *testing.T) {
	_, err := NewDocumentStore(DocumentStoreConfig{})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewDocumentStore(DocumentStoreConfig{Addresses: []string{"http://x"}, Total: "guess"})
	require.ErrorIs(t, err, ErrConfiguration)

	store, err := NewDocumentStore(DocumentStoreConfig{Addresses: []string{"http://x"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultDocumentIndex, store.cfg.Index)
	assert.Equal(t, TotalExact, store.cfg.Total)
}

func TestBuildSearchBody(t *testing.T) {
	q, err := QueryOptions{
		Filter: Filter{
			Action:    "CREATE",
			UserID:    "u1",
			Search:    "do*c",
			StartDate: 100,
			EndDate:   200,
		},
		Pagination: &Pagination{Page: 3, PageSize: 20},
		Sort:       &Sort{Field: "userName", Direction: SortAsc},
	}.resolve()
	require.NoError(t, err)

	raw, err := json.Marshal(buildSearchBody(q, TotalExact))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"query": {"bool": {"filter": [
			{"term": {"action": "CREATE"}},
			{"term": {"userId": "u1"}},
			{"range": {"timestamp": {"gte": 100, "lte": 200}}},
			{"bool": {"minimum_should_match": 1, "should": [
				{"wildcard": {"action":      {"value": "*do\\*c*", "case_insensitive": true}}},
				{"wildcard": {"entity":      {"value": "*do\\*c*", "case_insensitive": true}}},
				{"wildcard": {"entityId":    {"value": "*do\\*c*", "case_insensitive": true}}},
				{"wildcard": {"userName":    {"value": "*do\\*c*", "case_insensitive": true}}},
				{"wildcard": {"description": {"value": "*do\\*c*", "case_insensitive": true}}}
			]}}
		]}},
		"sort": [
			{"userName": {"order": "asc", "missing": "_last", "unmapped_type": "keyword"}},
			{"seq": {"order": "desc"}}
		],
		"from": 40,
		"size": 20,
		"track_total_hits": true
	}`, string(raw))
}

func TestBuildSearchBody_Defaults(t *testing.T) {
	q, err := QueryOptions{}.resolve()
	require.NoError(t, err)

	body := buildSearchBody(q, TotalPage)
	assert.Equal(t, map[string]any{"match_all": map[string]any{}}, body["query"])
	assert.Equal(t, 0, body["from"])
	assert.Equal(t, 10, body["size"])
	assert.Equal(t, false, body["track_total_hits"])

	sortClause := body["sort"].([]any)[0].(map[string]any)["timestamp"].(map[string]any)
	assert.Equal(t, "desc", sortClause["order"])
	assert.Equal(t, "long", sortClause["unmapped_type"])
}
