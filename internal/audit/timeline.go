package audit

import "time"

// Entry is one append-only audit record. Entries are never updated or
// deleted once written.
type Entry struct {
	ID       int64
	Action   string
	Entity   string
	EntityID string
	ActorID  int64
	Before   map[string]any
	After    map[string]any
	At       time.Time
}

// Filters narrows timeline queries. Zero values mean "no filter".
type Filters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// PagingInfo carries simple pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles one timeline page with its paging info.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}
