package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultVersion ResultType = "version"
	ResultAudit   ResultType = "audit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	VersionID string     `json:"versionId"`
	CaseID    string     `json:"caseId,omitempty"`
	DocType   string     `json:"docType,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterCaseID string
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexVersion(v VersionRecord) error
	IndexAudit(a AuditRecord) error
	DeleteVersion(id string) error
}

// VersionRecord is the data we index for a document version.
type VersionRecord struct {
	ID              string `json:"id"`
	DocType         string `json:"docType"`
	OwnerID         string `json:"ownerId"`
	OwnerName       string `json:"ownerName"`
	CaseID          string `json:"caseId"`
	Version         int    `json:"version"`
	Status          string `json:"status"`
	RejectionReason string `json:"rejectionReason"`
}

// AuditRecord is the data we index for an audit entry.
type AuditRecord struct {
	ID        string `json:"id"`
	VersionID string `json:"versionId"`
	CaseID    string `json:"caseId"`
	Action    string `json:"action"`
	ActorName string `json:"actorName"`
	Reason    string `json:"reason"`
	Notes     string `json:"notes"`
}
