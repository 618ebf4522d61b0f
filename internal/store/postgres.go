package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetRoom returns the room or nil when absent.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	const query = `
		SELECT id, old_items, new_items, is_locked, COALESCE(lock_secret, ''),
			edit_capability, view_capability, updated_at
		FROM rooms
		WHERE id=$1
	`
	var (
		room   Room
		oldRaw []byte
		newRaw []byte
	)
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&room.ID,
		&oldRaw,
		&newRaw,
		&room.IsLocked,
		&room.LockSecret,
		&room.EditCapability,
		&room.ViewCapability,
		&room.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if err := json.Unmarshal(oldRaw, &room.OldItems); err != nil {
		return nil, fmt.Errorf("decode old items: %w", err)
	}
	if err := json.Unmarshal(newRaw, &room.NewItems); err != nil {
		return nil, fmt.Errorf("decode new items: %w", err)
	}
	return &room, nil
}

func (s *PostgresStore) InsertRoom(ctx context.Context, room Room) error {
	oldRaw, newRaw, err := encodeLists(room.OldItems, room.NewItems)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, old_items, new_items, is_locked, lock_secret, edit_capability, view_capability)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, room.ID, oldRaw, newRaw, room.IsLocked, room.LockSecret, room.EditCapability, room.ViewCapability)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// UpdateRoomLists writes both lists back in one statement; the whole
// document is last-write-wins.
func (s *PostgresStore) UpdateRoomLists(ctx context.Context, roomID string, oldItems, newItems ItemList) error {
	oldRaw, newRaw, err := encodeLists(oldItems, newItems)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE rooms
		SET old_items=$2, new_items=$3, updated_at=NOW()
		WHERE id=$1
	`, roomID, oldRaw, newRaw)
	if err != nil {
		return fmt.Errorf("update room lists: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRoomLock(ctx context.Context, roomID string, isLocked bool, lockSecret string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET is_locked=$2, lock_secret=NULLIF($3, ''), updated_at=NOW()
		WHERE id=$1
	`, roomID, isLocked, lockSecret)
	if err != nil {
		return fmt.Errorf("update room lock: %w", err)
	}
	return nil
}

// AppendEvent inserts one audit entry and returns it with the
// server-generated id and timestamp. room_events has no update or delete
// path.
func (s *PostgresStore) AppendEvent(ctx context.Context, event Event) (Event, error) {
	const query = `
		INSERT INTO room_events (room_id, who, action, list_name, item_id,
			item_name_before, item_name_after, value_before, value_after,
			note_before, note_after, changed_field)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		event.RoomID,
		event.Who,
		event.Action,
		event.ListName,
		event.ItemID,
		event.NameBefore,
		event.NameAfter,
		nullValue(event.ValueBefore),
		nullValue(event.ValueAfter),
		event.NoteBefore,
		event.NoteAfter,
		event.ChangedField,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, roomID string, limit int, filter EventFilter) ([]Event, error) {
	query := `
		SELECT id, room_id, who, action, list_name, item_id,
			item_name_before, item_name_after, value_before, value_after,
			note_before, note_after, changed_field, created_at
		FROM room_events
		WHERE room_id=$1
	`
	args := []any{roomID}
	argN := 2
	if filter.ListName != "" {
		query += fmt.Sprintf(" AND list_name=$%d", argN)
		args = append(args, filter.ListName)
		argN++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action=$%d", argN)
		args = append(args, filter.Action)
		argN++
	}
	if filter.Who != "" {
		query += fmt.Sprintf(" AND who=$%d", argN)
		args = append(args, filter.Who)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argN)
	args = append(args, limit)

	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) ListEventsForItem(ctx context.Context, roomID, itemID string, limit int) ([]Event, error) {
	const query = `
		SELECT id, room_id, who, action, list_name, item_id,
			item_name_before, item_name_after, value_before, value_after,
			note_before, note_after, changed_field, created_at
		FROM room_events
		WHERE room_id=$1 AND item_id=$2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	return s.queryEvents(ctx, query, roomID, itemID, limit)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			event       Event
			valueBefore sql.NullFloat64
			valueAfter  sql.NullFloat64
		)
		if err := rows.Scan(
			&event.ID,
			&event.RoomID,
			&event.Who,
			&event.Action,
			&event.ListName,
			&event.ItemID,
			&event.NameBefore,
			&event.NameAfter,
			&valueBefore,
			&valueAfter,
			&event.NoteBefore,
			&event.NoteAfter,
			&event.ChangedField,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.ValueBefore = fromNull(valueBefore)
		event.ValueAfter = fromNull(valueAfter)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, version Version) (Version, error) {
	oldRaw, newRaw, err := encodeLists(version.OldItems, version.NewItems)
	if err != nil {
		return Version{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO room_versions (id, room_id, saved_by, note, old_items, new_items)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, version.ID, version.RoomID, version.SavedBy, version.Note, oldRaw, newRaw).Scan(&version.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	const query = `
		SELECT id, room_id, saved_by, note, old_items, new_items, created_at
		FROM room_versions
		WHERE id=$1
	`
	var (
		version Version
		oldRaw  []byte
		newRaw  []byte
	)
	err := s.db.QueryRowContext(ctx, query, versionID).Scan(
		&version.ID,
		&version.RoomID,
		&version.SavedBy,
		&version.Note,
		&oldRaw,
		&newRaw,
		&version.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	if err := json.Unmarshal(oldRaw, &version.OldItems); err != nil {
		return nil, fmt.Errorf("decode version old items: %w", err)
	}
	if err := json.Unmarshal(newRaw, &version.NewItems); err != nil {
		return nil, fmt.Errorf("decode version new items: %w", err)
	}
	return &version, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, roomID string, limit int) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, saved_by, note, old_items, new_items, created_at
		FROM room_versions
		WHERE room_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		var (
			version Version
			oldRaw  []byte
			newRaw  []byte
		)
		if err := rows.Scan(
			&version.ID,
			&version.RoomID,
			&version.SavedBy,
			&version.Note,
			&oldRaw,
			&newRaw,
			&version.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := json.Unmarshal(oldRaw, &version.OldItems); err != nil {
			return nil, fmt.Errorf("decode version old items: %w", err)
		}
		if err := json.Unmarshal(newRaw, &version.NewItems); err != nil {
			return nil, fmt.Errorf("decode version new items: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func encodeLists(oldItems, newItems ItemList) ([]byte, []byte, error) {
	if oldItems == nil {
		oldItems = ItemList{}
	}
	if newItems == nil {
		newItems = ItemList{}
	}
	oldRaw, err := json.Marshal(oldItems)
	if err != nil {
		return nil, nil, fmt.Errorf("encode old items: %w", err)
	}
	newRaw, err := json.Marshal(newItems)
	if err != nil {
		return nil, nil, fmt.Errorf("encode new items: %w", err)
	}
	return oldRaw, newRaw, nil
}

func nullValue(v Value) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v.Num, Valid: v.Present}
}

func fromNull(n sql.NullFloat64) Value {
	return Value{Num: n.Float64, Present: n.Valid}
}
