// Package search provides free-text search over the audit log:
// Meilisearch when configured and healthy, otherwise a local normalized
// filter over the recent-events window.
package search

import (
	"log"

	"listdiff/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to
// filtering the caller-provided window locally.
type Service struct {
	meili *Meili
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// IndexEvent pushes one appended audit entry to the index,
// fire-and-forget. The log in Postgres stays the source of truth.
func (s *Service) IndexEvent(event store.Event) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexEvent(event); err != nil {
			log.Printf("search: index event %d: %v", event.ID, err)
		}
	}()
}

// Search returns events matching the free-text query. window holds the
// store-listed events (already narrowed by the SQL filter) used by the
// local fallback.
func (s *Service) Search(roomID, query string, filter store.EventFilter, limit int, window []store.Event) []store.Event {
	if s.meili != nil && s.meili.Healthy() {
		events, err := s.meili.Search(roomID, query, filter, limit)
		if err == nil {
			return events
		}
		log.Printf("search: meilisearch error, falling back to local filter: %v", err)
	}
	return Filter(window, query)
}
