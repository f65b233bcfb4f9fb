package audit

import (
	"cmp"
	"slices"
	"strings"
)

// Evaluate runs a query over events held in store sequence order (most recent
// first): filter, then a stable sort, then the page window. Total is the exact
// filtered count. events is not modified.
func Evaluate(events []Event, opts QueryOptions) (*PaginatedResult, error) {
	q, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	matched := make([]Event, 0, len(events))
	for i := range events {
		if q.filter.matches(&events[i]) {
			matched = append(matched, events[i])
		}
	}

	slices.SortStableFunc(matched, func(a, b Event) int {
		return compareEvents(&a, &b, q.sortField, q.sortDir)
	})

	total := len(matched)
	start := min(q.offset(), total)
	end := min(start+q.pageSize, total)

	page := make([]Event, end-start)
	copy(page, matched[start:end])

	return &PaginatedResult{
		Data:       page,
		Total:      total,
		Page:       q.page,
		PageSize:   q.pageSize,
		TotalPages: totalPages(total, q.pageSize),
	}, nil
}

// matches reports whether e satisfies every predicate set on f.
func (f Filter) matches(e *Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Entity != "" && e.Entity != f.Entity {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.StartDate != 0 && e.Timestamp < f.StartDate {
		return false
	}
	if f.EndDate != 0 && e.Timestamp > f.EndDate {
		return false
	}
	if f.Search != "" && !searchMatches(e, f.Search) {
		return false
	}
	return true
}

func searchMatches(e *Event, term string) bool {
	term = strings.ToLower(term)
	for _, v := range []string{e.Action, e.Entity, e.EntityID, e.UserName, e.Description} {
		if v != "" && strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}

// compareEvents orders a and b by field. Events missing the field rank after
// events that have it in both directions; two missing values compare equal so
// the stable sort keeps store order.
func compareEvents(a, b *Event, field string, dir SortDirection) int {
	if field == "timestamp" {
		return comparePresent(a.Timestamp, b.Timestamp, a.Timestamp != 0, b.Timestamp != 0, dir)
	}
	av, bv := stringField(a, field), stringField(b, field)
	return comparePresent(av, bv, av != "", bv != "", dir)
}

func comparePresent[T cmp.Ordered](a, b T, aOK, bOK bool, dir SortDirection) int {
	switch {
	case !aOK && !bOK:
		return 0
	case !aOK:
		return 1
	case !bOK:
		return -1
	}
	c := cmp.Compare(a, b)
	if dir == SortDesc {
		return -c
	}
	return c
}

func stringField(e *Event, field string) string {
	switch field {
	case "id":
		return e.ID
	case "action":
		return e.Action
	case "entity":
		return e.Entity
	case "entityId":
		return e.EntityID
	case "userId":
		return e.UserID
	case "userName":
		return e.UserName
	case "description":
		return e.Description
	case "ipAddress":
		return e.IPAddress
	case "userAgent":
		return e.UserAgent
	}
	return ""
}
