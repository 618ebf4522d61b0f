package app

import (
	"context"
	"fmt"

	"listdiff/api/internal/access"
	"listdiff/api/internal/broadcast"
	"listdiff/api/internal/config"
	"listdiff/api/internal/search"
	"listdiff/api/internal/store"
	"listdiff/api/internal/util"
)

type dataStore interface {
	GetRoom(context.Context, string) (*store.Room, error)
	InsertRoom(context.Context, store.Room) error
	UpdateRoomLists(context.Context, string, store.ItemList, store.ItemList) error
	UpdateRoomLock(context.Context, string, bool, string) error
	AppendEvent(context.Context, store.Event) (store.Event, error)
	ListEvents(context.Context, string, int, store.EventFilter) ([]store.Event, error)
	ListEventsForItem(context.Context, string, string, int) ([]store.Event, error)
	InsertVersion(context.Context, store.Version) (store.Version, error)
	GetVersion(context.Context, string) (*store.Version, error)
	ListVersions(context.Context, string, int) ([]store.Version, error)
	Ping(ctx context.Context) error
}

type broadcaster interface {
	PublishRoom(context.Context, store.Room, string) error
	PublishEvent(context.Context, store.Event) error
	PublishVersion(context.Context, store.Version) error
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	broadcast broadcaster
	search    *search.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, broker *broadcast.Broker, searchService *search.Service) *Service {
	if searchService == nil {
		searchService = search.NewService(nil)
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		broadcast: broker,
		search:    searchService,
	}
}

// OpenRoom loads the room, creating it on first access with one blank
// row per list and fresh capability secrets.
func (s *Service) OpenRoom(ctx context.Context, roomID string) (*store.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}

	seed := store.Room{
		ID:             roomID,
		OldItems:       store.ItemList{store.EmptyItem()},
		NewItems:       store.ItemList{store.EmptyItem()},
		EditCapability: util.NewID("ed"),
		ViewCapability: util.NewID("vw"),
	}
	if err := s.store.InsertRoom(ctx, seed); err != nil {
		return nil, err
	}

	// Re-read so concurrent first-access creators converge on one row.
	room, err = s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("room %s vanished after seed", roomID)
	}
	return room, nil
}

// OpenSession resolves the caller's role and returns a session owning a
// snapshot of the room.
func (s *Service) OpenSession(ctx context.Context, roomID, who string, capability access.Capability) (*RoomSession, error) {
	room, err := s.OpenRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return newRoomSession(s, room, who, access.ResolveRole(room, capability)), nil
}

// Events lists the audit window newest-first, optionally narrowed by the
// SQL-side filter and a free-text query. limit is capped by the
// configured window size; zero means the full window.
func (s *Service) Events(ctx context.Context, roomID string, filter store.EventFilter, query string, limit int) ([]store.Event, error) {
	if limit <= 0 || limit > s.cfg.EventLimit {
		limit = s.cfg.EventLimit
	}
	events, err := s.store.ListEvents(ctx, roomID, limit, filter)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return events, nil
	}
	return s.search.Search(roomID, query, filter, limit, events), nil
}

// EventsForItem returns the per-item history.
func (s *Service) EventsForItem(ctx context.Context, roomID, itemID string) ([]store.Event, error) {
	return s.store.ListEventsForItem(ctx, roomID, itemID, s.cfg.EventLimit)
}

func (s *Service) Versions(ctx context.Context, roomID string) ([]store.Version, error) {
	return s.store.ListVersions(ctx, roomID, s.cfg.VersionLimit)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBroadcast(ctx context.Context) error {
	if s.broadcast == nil {
		return fmt.Errorf("broadcast not configured")
	}
	return s.broadcast.Ping(ctx)
}
