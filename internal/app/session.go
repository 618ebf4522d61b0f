package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"listdiff/api/internal/access"
	"listdiff/api/internal/paste"
	"listdiff/api/internal/reconcile"
	"listdiff/api/internal/store"
	"listdiff/api/internal/util"
)

// RoomSession owns one collaborator's view of a room: the current
// document snapshot, buffered field edits awaiting their commit signal,
// and the set of outstanding write origins used to recognize echoes. All
// dependencies come in through the service; there is no ambient state.
type RoomSession struct {
	svc  *Service
	who  string
	role access.Role

	mu      sync.Mutex
	room    *store.Room
	status  string
	pending map[string]struct{}
	edits   map[string]store.Item
}

func newRoomSession(svc *Service, room *store.Room, who string, role access.Role) *RoomSession {
	if who == "" {
		who = "Unknown"
	}
	return &RoomSession{
		svc:     svc,
		who:     who,
		role:    role,
		room:    room,
		status:  "connected",
		pending: make(map[string]struct{}),
		edits:   make(map[string]store.Item),
	}
}

func (s *RoomSession) Who() string       { return s.who }
func (s *RoomSession) Role() access.Role { return s.role }

// Room returns a copy of the current snapshot.
func (s *RoomSession) Room() store.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.room
}

// Status reports the last persistence outcome. Failed writes leave the
// local state ahead of storage rather than rolling back.
func (s *RoomSession) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Reconcile diffs the session's current snapshot.
func (s *RoomSession) Reconcile() reconcile.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reconcile.Reconcile(s.room.OldItems, s.room.NewItems)
}

// AddRow appends a blank row and logs one add event.
func (s *RoomSession) AddRow(ctx context.Context, list string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !access.CanMutate(s.room, s.role) {
		return ErrPermissionDenied
	}

	item := store.EmptyItem()
	s.room.SetList(list, append(s.room.List(list), item))
	s.persist(ctx)
	s.logEvent(ctx, store.Event{
		Action:   store.ActionAdd,
		ListName: list,
		ItemID:   item.ID,
	})
	return nil
}

// DeleteRow removes a row by id and logs one delete event carrying the
// removed row's values.
func (s *RoomSession) DeleteRow(ctx context.Context, list, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !access.CanMutate(s.room, s.role) {
		return ErrPermissionDenied
	}

	items := s.room.List(list)
	idx := indexOf(items, itemID)
	if idx < 0 {
		return nil
	}
	removed := items[idx]
	next := make(store.ItemList, 0, len(items)-1)
	next = append(next, items[:idx]...)
	next = append(next, items[idx+1:]...)
	s.room.SetList(list, next)
	delete(s.edits, editKey(list, itemID))

	s.persist(ctx)
	s.logEvent(ctx, store.Event{
		Action:      store.ActionDelete,
		ListName:    list,
		ItemID:      itemID,
		NameBefore:  removed.Name,
		ValueBefore: removed.Value,
		NoteBefore:  removed.Note,
	})
	return nil
}

// StageName buffers a name edit. Nothing is persisted or logged until
// the commit signal.
func (s *RoomSession) StageName(list, itemID, name string) error {
	return s.stage(list, itemID, func(item *store.Item) { item.Name = name })
}

// StageValue buffers a value edit.
func (s *RoomSession) StageValue(list, itemID string, value store.Value) error {
	return s.stage(list, itemID, func(item *store.Item) { item.Value = value })
}

// StageNote buffers a note edit.
func (s *RoomSession) StageNote(list, itemID, note string) error {
	return s.stage(list, itemID, func(item *store.Item) { item.Note = note })
}

func (s *RoomSession) stage(list, itemID string, apply func(*store.Item)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !access.CanMutate(s.room, s.role) {
		return ErrPermissionDenied
	}

	items := s.room.List(list)
	idx := indexOf(items, itemID)
	if idx < 0 {
		return nil
	}

	// The before image is captured at the first edit since the last
	// commit, so a stage-and-revert round trip compares equal.
	key := editKey(list, itemID)
	if _, buffered := s.edits[key]; !buffered {
		s.edits[key] = items[idx]
	}
	apply(&items[idx])
	return nil
}

// CommitEdit is the commit signal for buffered field edits (typically
// sent by the client on loss of focus). A commit that changed nothing is
// discarded silently: no persistence, no event. Otherwise it persists
// the document and logs exactly one update event with full before/after
// values plus the field that triggered the commit.
func (s *RoomSession) CommitEdit(ctx context.Context, list, itemID, triggerField string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !access.CanMutate(s.room, s.role) {
		return ErrPermissionDenied
	}

	key := editKey(list, itemID)
	before, buffered := s.edits[key]
	if !buffered {
		return nil
	}
	delete(s.edits, key)

	items := s.room.List(list)
	idx := indexOf(items, itemID)
	if idx < 0 {
		return nil
	}
	after := items[idx]

	if before.Name == after.Name && before.Value.Equal(after.Value) && before.Note == after.Note {
		return nil
	}

	s.persist(ctx)
	s.logEvent(ctx, store.Event{
		Action:       store.ActionUpdate,
		ListName:     list,
		ItemID:       itemID,
		NameBefore:   before.Name,
		NameAfter:    after.Name,
		ValueBefore:  before.Value,
		ValueAfter:   after.Value,
		NoteBefore:   before.Note,
		NoteAfter:    after.Note,
		ChangedField: triggerField,
	})
	return nil
}

// ImportPaste parses free text into rows and appends them after the
// existing non-blank rows. The whole import is one aggregate add event;
// pasted rows are not logged one by one.
func (s *RoomSession) ImportPaste(ctx context.Context, list, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !access.CanMutate(s.room, s.role) {
		return ErrPermissionDenied
	}

	parsed := paste.Parse(raw)
	if len(parsed) == 0 {
		return nil
	}

	kept := make(store.ItemList, 0, len(s.room.List(list))+len(parsed))
	for _, item := range s.room.List(list) {
		if !item.IsEmpty() {
			kept = append(kept, item)
		}
	}
	kept = append(kept, parsed...)
	s.room.SetList(list, kept)

	var sum float64
	for _, item := range parsed {
		sum += item.Value.Or0()
	}

	s.persist(ctx)
	s.logEvent(ctx, store.Event{
		Action:     store.ActionAdd,
		ListName:   list,
		ItemID:     util.NewItemID(),
		NameAfter:  fmt.Sprintf("pasted %d rows", len(parsed)),
		ValueAfter: store.Number(sum),
	})
	return nil
}

// Lock closes the room for editing. Requires an editor and a PIN, which
// is stored hashed as the lock secret.
func (s *RoomSession) Lock(ctx context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != access.RoleEditor || s.room.IsLocked {
		return ErrPermissionDenied
	}
	if pin == "" {
		return ErrPINRequired
	}

	secret, err := access.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	s.room.IsLocked = true
	s.room.LockSecret = secret
	s.persistLock(ctx)
	s.logEvent(ctx, store.Event{
		Action:     store.ActionUpdate,
		ListName:   store.ListSystem,
		ItemID:     util.NewItemID(),
		NameBefore: "lock",
		NameAfter:  "locked",
	})
	return nil
}

// Unlock lifts the lock given the exact PIN. A mismatch fails with no
// side effects.
func (s *RoomSession) Unlock(ctx context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != access.RoleEditor || !s.room.IsLocked {
		return ErrPermissionDenied
	}
	if !access.VerifyPIN(s.room.LockSecret, pin) {
		return ErrWrongPIN
	}

	s.room.IsLocked = false
	s.room.LockSecret = ""
	s.persistLock(ctx)
	s.logEvent(ctx, store.Event{
		Action:     store.ActionUpdate,
		ListName:   store.ListSystem,
		ItemID:     util.NewItemID(),
		NameBefore: "lock",
		NameAfter:  "unlocked",
	})
	return nil
}

// SaveVersion captures both lists verbatim. The room itself is never
// touched; saving is allowed while locked.
func (s *RoomSession) SaveVersion(ctx context.Context, note string) (store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != access.RoleEditor {
		return store.Version{}, ErrPermissionDenied
	}

	version := store.Version{
		ID:       util.NewID("ver"),
		RoomID:   s.room.ID,
		SavedBy:  s.who,
		Note:     note,
		OldItems: s.room.OldItems,
		NewItems: s.room.NewItems,
	}
	saved, err := s.svc.store.InsertVersion(ctx, version)
	if err != nil {
		s.status = "save error: " + err.Error()
		return store.Version{}, err
	}
	s.publishVersion(ctx, saved)
	s.status = "saved"
	return saved, nil
}

// RestoreVersion overwrites both lists from a snapshot and logs one
// system event. The version itself is never mutated.
func (s *RoomSession) RestoreVersion(ctx context.Context, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !access.CanMutate(s.room, s.role) {
		return ErrPermissionDenied
	}

	version, err := s.svc.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if version == nil || version.RoomID != s.room.ID {
		return ErrNotFound
	}

	s.room.OldItems = version.OldItems
	s.room.NewItems = version.NewItems
	s.edits = make(map[string]store.Item)

	s.persist(ctx)
	s.logEvent(ctx, store.Event{
		Action:     store.ActionUpdate,
		ListName:   store.ListSystem,
		ItemID:     util.NewItemID(),
		NameBefore: "version",
		NameAfter:  "restore " + version.ID,
	})
	return nil
}

// ApplyRoomUpdate reconciles an incoming broadcast snapshot with local
// state. A snapshot whose origin matches an outstanding local write is
// our own echo: it confirms the write and must not disturb local state
// (or ever re-log it). Foreign snapshots replace the document wholesale
// and drop any buffered edits, matching last-write-wins. Reports whether
// the snapshot was applied.
func (s *RoomSession) ApplyRoomUpdate(room store.Room, origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if origin != "" {
		if _, ours := s.pending[origin]; ours {
			delete(s.pending, origin)
			s.status = "synced"
			return false
		}
	}

	s.room = &room
	s.edits = make(map[string]store.Item)
	s.status = "synced"
	return true
}

// persist writes the whole document back, racing silently with
// concurrent writers, and broadcasts the new snapshot tagged with this
// write's origin. Failures surface only through the status string. The
// origin joins the pending set only once the write lands; a failed write
// never broadcasts, so tracking it would leak the entry forever.
func (s *RoomSession) persist(ctx context.Context) {
	s.room.UpdatedAt = time.Now().UTC()

	if err := s.svc.store.UpdateRoomLists(ctx, s.room.ID, s.room.OldItems, s.room.NewItems); err != nil {
		s.status = "save error: " + err.Error()
		return
	}
	op := util.NewID("op")
	s.pending[op] = struct{}{}
	s.publishRoom(ctx, op)
	s.status = "saved"
}

func (s *RoomSession) persistLock(ctx context.Context) {
	s.room.UpdatedAt = time.Now().UTC()

	if err := s.svc.store.UpdateRoomLock(ctx, s.room.ID, s.room.IsLocked, s.room.LockSecret); err != nil {
		s.status = "save error: " + err.Error()
		return
	}
	op := util.NewID("op")
	s.pending[op] = struct{}{}
	s.publishRoom(ctx, op)
	s.status = "saved"
}

// logEvent appends exactly one audit entry for a committed mutation.
// Snapshot application never calls this.
func (s *RoomSession) logEvent(ctx context.Context, event store.Event) {
	event.RoomID = s.room.ID
	event.Who = s.who

	appended, err := s.svc.store.AppendEvent(ctx, event)
	if err != nil {
		s.status = "log error: " + err.Error()
		return
	}
	s.svc.search.IndexEvent(appended)
	if s.svc.broadcast != nil {
		if err := s.svc.broadcast.PublishEvent(ctx, appended); err != nil {
			s.status = "log error: " + err.Error()
		}
	}
}

func (s *RoomSession) publishRoom(ctx context.Context, origin string) {
	if s.svc.broadcast == nil {
		return
	}
	if err := s.svc.broadcast.PublishRoom(ctx, *s.room, origin); err != nil {
		s.status = "save error: " + err.Error()
	}
}

func (s *RoomSession) publishVersion(ctx context.Context, version store.Version) {
	if s.svc.broadcast == nil {
		return
	}
	if err := s.svc.broadcast.PublishVersion(ctx, version); err != nil {
		s.status = "save error: " + err.Error()
	}
}

func editKey(list, itemID string) string {
	return list + "/" + itemID
}

func indexOf(items store.ItemList, itemID string) int {
	for i, item := range items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}
