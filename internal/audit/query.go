package audit

import "fmt"

// Default query parameters applied when options are absent.
const (
	DefaultPage      = 1
	DefaultPageSize  = 10
	DefaultSortField = "timestamp"
)

// SortDirection orders query results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Filter selects events. Empty string fields and zero dates are not applied;
// all applied predicates are ANDed.
type Filter struct {
	Action   string `json:"action,omitempty"`
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entityId,omitempty"`
	UserID   string `json:"userId,omitempty"`

	// Search is a case-insensitive substring matched against action, entity,
	// entityId, userName, and description.
	Search string `json:"search,omitempty"`

	// StartDate and EndDate bound the timestamp inclusively (ms since epoch).
	StartDate int64 `json:"startDate,omitempty"`
	EndDate   int64 `json:"endDate,omitempty"`
}

// Pagination selects a page window. Both fields must be positive.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Sort names the event field to order by and the direction.
type Sort struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction,omitempty"`
}

// QueryOptions describes a query. The zero value matches every event and
// returns the first page of ten, newest first.
type QueryOptions struct {
	Filter     Filter      `json:"filter"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Sort       *Sort       `json:"sort,omitempty"`
}

// PaginatedResult is a windowed, counted view over a filtered, sorted set.
type PaginatedResult struct {
	Data       []Event `json:"data"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	TotalPages int     `json:"totalPages"`

	// Approximate is set when Total is a conservative lower bound rather than
	// an exact count.
	Approximate bool `json:"approximate,omitempty"`
}

// sortableFields lists the event attributes a query may sort by, keyed by
// their wire names.
var sortableFields = map[string]bool{
	"id":          true,
	"action":      true,
	"entity":      true,
	"entityId":    true,
	"userId":      true,
	"userName":    true,
	"description": true,
	"timestamp":   true,
	"ipAddress":   true,
	"userAgent":   true,
}

// resolvedQuery is QueryOptions with defaults applied and validated.
type resolvedQuery struct {
	filter    Filter
	page      int
	pageSize  int
	sortField string
	sortDir   SortDirection
}

func (q resolvedQuery) offset() int {
	return (q.page - 1) * q.pageSize
}

// resolve applies defaults and validates the options.
func (o QueryOptions) resolve() (resolvedQuery, error) {
	q := resolvedQuery{
		filter:    o.Filter,
		page:      DefaultPage,
		pageSize:  DefaultPageSize,
		sortField: DefaultSortField,
		sortDir:   SortDesc,
	}

	if p := o.Pagination; p != nil {
		if p.Page < 1 {
			return q, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidQuery, p.Page)
		}
		if p.PageSize < 1 {
			return q, fmt.Errorf("%w: pageSize must be >= 1, got %d", ErrInvalidQuery, p.PageSize)
		}
		q.page, q.pageSize = p.Page, p.PageSize
	}

	if s := o.Sort; s != nil {
		if s.Field != "" {
			if !sortableFields[s.Field] {
				return q, fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, s.Field)
			}
			q.sortField = s.Field
		}
		switch s.Direction {
		case "":
		case SortAsc, SortDesc:
			q.sortDir = s.Direction
		default:
			return q, fmt.Errorf("%w: unknown sort direction %q", ErrInvalidQuery, s.Direction)
		}
	}

	if f := o.Filter; f.StartDate < 0 || f.EndDate < 0 {
		return q, fmt.Errorf("%w: negative date bound", ErrInvalidQuery)
	}

	return q, nil
}

// Validate reports whether the options satisfy the query contract.
func (o QueryOptions) Validate() error {
	_, err := o.resolve()
	return err
}

// totalPages returns ceil(total/pageSize).
func totalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
