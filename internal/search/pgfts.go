package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across document_versions and audit_entries
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Document version sub-query
	if q.FilterType == "" || q.FilterType == ResultVersion {
		verWhere := "v.fts @@ " + tsQuery
		if q.FilterCaseID != "" {
			verWhere += fmt.Sprintf(" AND v.case_id = $%d", argN)
			args = append(args, q.FilterCaseID)
			argN++
		}
		if q.FilterStatus != "" {
			verWhere += fmt.Sprintf(" AND v.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'version'::text AS type, v.id, v.doc_type AS title,
				ts_headline('english', coalesce(v.rejection_reason, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				v.id AS version_id, coalesce(v.case_id, '') AS case_id,
				v.doc_type, v.status,
				ts_rank(v.fts, %s) AS rank
			FROM document_versions v
			WHERE %s`, tsQuery, tsQuery, verWhere))
	}

	// Audit sub-query
	if q.FilterType == "" || q.FilterType == ResultAudit {
		auditWhere := "a.fts @@ " + tsQuery
		if q.FilterCaseID != "" {
			auditWhere += fmt.Sprintf(" AND v.case_id = $%d", argN)
			args = append(args, q.FilterCaseID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'audit'::text AS type, a.id, a.action AS title,
				ts_headline('english', coalesce(a.reason, coalesce(a.metadata->>'notes', '')), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.version_id, coalesce(v.case_id, '') AS case_id,
				v.doc_type, v.status,
				ts_rank(a.fts, %s) AS rank
			FROM audit_entries a
			JOIN document_versions v ON v.id = a.version_id
			WHERE %s`, tsQuery, tsQuery, auditWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, version_id, case_id, doc_type, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.VersionID, &r.CaseID, &r.DocType, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]VersionRecord, []AuditRecord, error) {
	verRows, err := p.db.QueryContext(ctx, `
		SELECT v.id, v.doc_type, v.owner_id, u.display_name, coalesce(v.case_id, ''), v.version, v.status, coalesce(v.rejection_reason, '')
		FROM document_versions v
		JOIN users u ON u.id = v.owner_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load versions: %w", err)
	}
	defer verRows.Close()

	versions := make([]VersionRecord, 0)
	for verRows.Next() {
		var v VersionRecord
		if err := verRows.Scan(&v.ID, &v.DocType, &v.OwnerID, &v.OwnerName, &v.CaseID, &v.Version, &v.Status, &v.RejectionReason); err != nil {
			return nil, nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := verRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate versions: %w", err)
	}

	auditRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.version_id, coalesce(v.case_id, ''), a.action, a.actor_name, coalesce(a.reason, ''), coalesce(a.metadata->>'notes', '')
		FROM audit_entries a
		JOIN document_versions v ON v.id = a.version_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load audit entries: %w", err)
	}
	defer auditRows.Close()

	audits := make([]AuditRecord, 0)
	for auditRows.Next() {
		var a AuditRecord
		if err := auditRows.Scan(&a.ID, &a.VersionID, &a.CaseID, &a.Action, &a.ActorName, &a.Reason, &a.Notes); err != nil {
			return nil, nil, fmt.Errorf("scan audit entry: %w", err)
		}
		audits = append(audits, a)
	}
	if err := auditRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return versions, audits, nil
}
