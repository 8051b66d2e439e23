package search

import (
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexVersion indexes a document version (fire-and-forget to Meilisearch).
func (s *Service) IndexVersion(v VersionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexVersion(v); err != nil {
			log.Printf("search: index version %s: %v", v.ID, err)
		}
	}()
}

// IndexAudit indexes an audit entry (fire-and-forget to Meilisearch).
func (s *Service) IndexAudit(a AuditRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAudit(a); err != nil {
			log.Printf("search: index audit %s: %v", a.ID, err)
		}
	}()
}

// DeleteVersion removes a hard-deleted version and its audit hits from the
// search index (fire-and-forget).
func (s *Service) DeleteVersion(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteVersion(id); err != nil {
			log.Printf("search: delete version %s: %v", id, err)
		}
		if err := s.meili.DeleteAuditByVersion(id); err != nil {
			log.Printf("search: delete audit for version %s: %v", id, err)
		}
	}()
}

// ReindexAll reads all entities from PG and pushes them to Meilisearch.
// Called during bootstrap if Meilisearch is healthy and indexes are empty.
func (s *Service) ReindexAll(versions []VersionRecord, audits []AuditRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(versions) > 0 {
		if err := s.meili.IndexVersions(versions); err != nil {
			log.Printf("search: reindex versions: %v", err)
		}
	}
	if len(audits) > 0 {
		if err := s.meili.IndexAudits(audits); err != nil {
			log.Printf("search: reindex audit entries: %v", err)
		}
	}
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
