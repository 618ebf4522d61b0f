package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"listdiff/api/internal/util"
)

// Value is an optional numeric field. The zero value is "absent", which
// aggregates as 0 but is rendered as null.
type Value struct {
	Num     float64
	Present bool
}

func Number(n float64) Value {
	return Value{Num: n, Present: true}
}

// Or0 coerces an absent value to 0 for sums and diff comparison.
func (v Value) Or0() float64 {
	if !v.Present {
		return 0
	}
	return v.Num
}

// Equal compares after coercion: blank-vs-zero is indistinguishable from
// zero-vs-zero.
func (v Value) Equal(o Value) bool {
	return v.Or0() == o.Or0()
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Present {
		return []byte("null"), nil
	}
	return json.Marshal(v.Num)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	// Legacy stored rows may carry "" for absent.
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*v = Value{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric value: %w", err)
		}
		*v = Value{Num: n, Present: true}
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = Value{Num: n, Present: true}
	return nil
}

// Item is one named, valued row in a list. Identity is ID; business
// identity for reconciliation is the normalized Name.
type Item struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value Value  `json:"value"`
	Note  string `json:"note"`
}

// EmptyItem returns a fresh blank row.
func EmptyItem() Item {
	return Item{ID: util.NewItemID()}
}

// IsEmpty reports whether the row carries nothing worth keeping.
func (it Item) IsEmpty() bool {
	return it.Name == "" && !it.Value.Present && it.Note == ""
}

// ItemList is an ordered sequence of rows. Order is display order only.
type ItemList []Item

// Sum totals the list with absent values coerced to 0.
func (l ItemList) Sum() float64 {
	var total float64
	for _, it := range l {
		total += it.Value.Or0()
	}
	return total
}

// List names recognized by mutations and the audit log.
const (
	ListOld    = "old"
	ListNew    = "new"
	ListSystem = "system"
)

// Room is the shared mutable document, one per collaboration session.
type Room struct {
	ID             string    `json:"id"`
	OldItems       ItemList  `json:"oldItems"`
	NewItems       ItemList  `json:"newItems"`
	IsLocked       bool      `json:"isLocked"`
	LockSecret     string    `json:"-"`
	EditCapability string    `json:"editCapability,omitempty"`
	ViewCapability string    `json:"viewCapability,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// List returns the named list, defaulting to the new list.
func (r *Room) List(name string) ItemList {
	if name == ListOld {
		return r.OldItems
	}
	return r.NewItems
}

// SetList replaces the named list.
func (r *Room) SetList(name string, items ItemList) {
	if name == ListOld {
		r.OldItems = items
	} else {
		r.NewItems = items
	}
}

// Event action kinds.
const (
	ActionAdd    = "add"
	ActionDelete = "delete"
	ActionUpdate = "update"
)

// Event is one immutable audit entry. Exactly one is appended per
// committed mutation.
type Event struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"roomId"`
	Who          string    `json:"who"`
	Action       string    `json:"action"`
	ListName     string    `json:"listName"`
	ItemID       string    `json:"itemId"`
	NameBefore   string    `json:"nameBefore"`
	NameAfter    string    `json:"nameAfter"`
	ValueBefore  Value     `json:"valueBefore"`
	ValueAfter   Value     `json:"valueAfter"`
	NoteBefore   string    `json:"noteBefore"`
	NoteAfter    string    `json:"noteAfter"`
	ChangedField string    `json:"changedField,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	ListName string
	Action   string
	Who      string
}

// Version is an immutable named snapshot of both lists.
type Version struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SavedBy   string    `json:"savedBy"`
	Note      string    `json:"note"`
	OldItems  ItemList  `json:"oldItems"`
	NewItems  ItemList  `json:"newItems"`
	CreatedAt time.Time `json:"createdAt"`
}
