package search

import (
	"strings"

	"listdiff/api/internal/normalize"
	"listdiff/api/internal/store"
)

// Filter keeps events whose normalized text contains the normalized
// query, good enough for the log view when Meilisearch is down.
func Filter(events []store.Event, query string) []store.Event {
	q := normalize.Normalize(query)
	if q == "" {
		return events
	}
	matched := make([]store.Event, 0, len(events))
	for _, event := range events {
		text := normalize.Normalize(strings.Join([]string{
			event.NameBefore,
			event.NameAfter,
			event.NoteBefore,
			event.NoteAfter,
			event.Who,
			event.ListName,
			event.Action,
		}, " "))
		if strings.Contains(text, q) {
			matched = append(matched, event)
		}
	}
	return matched
}
