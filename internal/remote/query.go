package remote

// Query selects entities by owner. Build it with NewQuery.
type Query struct {
	Owner             string `json:"owner"`
	IncludeAttributes bool   `json:"withAttributes"`
	IncludePayload    bool   `json:"withPayload"`
	PageSize          int    `json:"limit"`
	Cursor            string `json:"cursor,omitempty"`
}

// NewQuery starts an owner query with attributes and payload included.
func NewQuery() Query {
	return Query{IncludeAttributes: true, IncludePayload: true}
}

// OwnedBy restricts the query to entities owned by owner.
func (q Query) OwnedBy(owner string) Query {
	q.Owner = owner
	return q
}

// WithAttributes toggles inlining of attributes.
func (q Query) WithAttributes(b bool) Query {
	q.IncludeAttributes = b
	return q
}

// WithPayload toggles inlining of payloads.
func (q Query) WithPayload(b bool) Query {
	q.IncludePayload = b
	return q
}

// Limit sets the page size.
func (q Query) Limit(n int) Query {
	q.PageSize = n
	return q
}

// Next returns the query for the page following p.
func (q Query) Next(p *Page) Query {
	q.Cursor = p.NextCursor
	return q
}

// Page is one page of query results.
type Page struct {
	Entities   []Entity `json:"entities"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// HasNextPage reports whether another page follows.
func (p *Page) HasNextPage() bool { return p.NextCursor != "" }
