package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"listdiff/api/internal/store"
)

const idxEvents = "listdiff_events"

// eventRecord is the indexed shape of an audit entry.
type eventRecord struct {
	ID           string   `json:"id"`
	RoomID       string   `json:"roomId"`
	Who          string   `json:"who"`
	Action       string   `json:"action"`
	ListName     string   `json:"listName"`
	ItemID       string   `json:"itemId"`
	NameBefore   string   `json:"nameBefore"`
	NameAfter    string   `json:"nameAfter"`
	NoteBefore   string   `json:"noteBefore"`
	NoteAfter    string   `json:"noteAfter"`
	ValueBefore  *float64 `json:"valueBefore"`
	ValueAfter   *float64 `json:"valueAfter"`
	ChangedField string   `json:"changedField"`
	CreatedAt    int64    `json:"createdAt"`
}

// Meili maintains the audit-log index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the events index.
// The caller should proceed without it if the instance never becomes
// reachable; search degrades to the local filter.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxEvents,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxEvents, err)
	}

	index := m.client.Index(idxEvents)
	filterable := []interface{}{"roomId", "listName", "action", "who"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxEvents, err)
	}
	searchable := []string{"nameBefore", "nameAfter", "who", "noteBefore", "noteAfter"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxEvents, err)
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs for %s: %v", idxEvents, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexEvent adds one audit entry to the index.
func (m *Meili) IndexEvent(event store.Event) error {
	_, err := m.client.Index(idxEvents).AddDocuments([]eventRecord{toRecord(event)}, nil)
	return err
}

// Search queries the events index, newest first.
func (m *Meili) Search(roomID, query string, filter store.EventFilter, limit int) ([]store.Event, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	filters := []string{fmt.Sprintf("roomId = %q", roomID)}
	if filter.ListName != "" {
		filters = append(filters, fmt.Sprintf("listName = %q", filter.ListName))
	}
	if filter.Action != "" {
		filters = append(filters, fmt.Sprintf("action = %q", filter.Action))
	}
	if filter.Who != "" {
		filters = append(filters, fmt.Sprintf("who = %q", filter.Who))
	}

	resp, err := m.client.Index(idxEvents).Search(query, &meili.SearchRequest{
		Limit:  int64(limit),
		Filter: filters,
		Sort:   []string{"createdAt:desc"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	events := make([]store.Event, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		events = append(events, hitToEvent(hit))
	}
	return events, nil
}

func toRecord(event store.Event) eventRecord {
	record := eventRecord{
		ID:           strconv.FormatInt(event.ID, 10),
		RoomID:       event.RoomID,
		Who:          event.Who,
		Action:       event.Action,
		ListName:     event.ListName,
		ItemID:       event.ItemID,
		NameBefore:   event.NameBefore,
		NameAfter:    event.NameAfter,
		NoteBefore:   event.NoteBefore,
		NoteAfter:    event.NoteAfter,
		ChangedField: event.ChangedField,
		CreatedAt:    event.CreatedAt.Unix(),
	}
	if event.ValueBefore.Present {
		n := event.ValueBefore.Num
		record.ValueBefore = &n
	}
	if event.ValueAfter.Present {
		n := event.ValueAfter.Num
		record.ValueAfter = &n
	}
	return record
}

func hitToEvent(hit meili.Hit) store.Event {
	event := store.Event{
		RoomID:       decodeString(hit, "roomId"),
		Who:          decodeString(hit, "who"),
		Action:       decodeString(hit, "action"),
		ListName:     decodeString(hit, "listName"),
		ItemID:       decodeString(hit, "itemId"),
		NameBefore:   decodeString(hit, "nameBefore"),
		NameAfter:    decodeString(hit, "nameAfter"),
		NoteBefore:   decodeString(hit, "noteBefore"),
		NoteAfter:    decodeString(hit, "noteAfter"),
		ChangedField: decodeString(hit, "changedField"),
	}
	if id, err := strconv.ParseInt(decodeString(hit, "id"), 10, 64); err == nil {
		event.ID = id
	}
	if n, ok := decodeFloat(hit, "valueBefore"); ok {
		event.ValueBefore = store.Number(n)
	}
	if n, ok := decodeFloat(hit, "valueAfter"); ok {
		event.ValueAfter = store.Number(n)
	}
	if ts, ok := decodeFloat(hit, "createdAt"); ok {
		event.CreatedAt = time.Unix(int64(ts), 0).UTC()
	}
	return event
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFloat(hit meili.Hit, key string) (float64, bool) {
	raw, ok := hit[key]
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}
