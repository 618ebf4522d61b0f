// Package reconcile computes the four-way diff between the two lists of a
// room, keyed by normalized name rather than by position.
package reconcile

import (
	"math"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"listdiff/api/internal/normalize"
	"listdiff/api/internal/store"
)

// Values closer than this are the same: blank coerces to 0 on both sides.
const epsilon = 1e-6

// Change records one item present on both sides with differing values.
type Change struct {
	Name     string  `json:"name"`
	OldValue float64 `json:"oldValue"`
	NewValue float64 `json:"newValue"`
	Diff     float64 `json:"diff"`
}

// Result buckets every keyed item exactly once.
type Result struct {
	Added     []store.Item `json:"added"`
	Removed   []store.Item `json:"removed"`
	Changed   []Change     `json:"changed"`
	Unchanged []store.Item `json:"unchanged"`
}

// Reconcile classifies items by normalized-name identity. Within a list
// the first occurrence of a key is canonical; later duplicates and rows
// with an empty key (the seeded blank row) are ignored.
func Reconcile(oldList, newList store.ItemList) Result {
	oldByKey, oldKeys := index(oldList)
	newByKey, newKeys := index(newList)

	result := Result{
		Added:     make([]store.Item, 0),
		Removed:   make([]store.Item, 0),
		Changed:   make([]Change, 0),
		Unchanged: make([]store.Item, 0),
	}

	for _, key := range oldKeys {
		oldItem := oldByKey[key]
		newItem, ok := newByKey[key]
		if !ok {
			result.Removed = append(result.Removed, oldItem)
			continue
		}
		a := oldItem.Value.Or0()
		b := newItem.Value.Or0()
		if math.Abs(a-b) < epsilon {
			result.Unchanged = append(result.Unchanged, newItem)
			continue
		}
		result.Changed = append(result.Changed, Change{
			Name:     oldItem.Name,
			OldValue: a,
			NewValue: b,
			Diff:     b - a,
		})
	}

	for _, key := range newKeys {
		if _, ok := oldByKey[key]; !ok {
			result.Added = append(result.Added, newByKey[key])
		}
	}

	c := collate.New(language.Arabic)
	byName := func(items []store.Item) {
		sort.SliceStable(items, func(i, j int) bool {
			return c.CompareString(normalize.Normalize(items[i].Name), normalize.Normalize(items[j].Name)) < 0
		})
	}
	byName(result.Added)
	byName(result.Removed)
	byName(result.Unchanged)
	sort.SliceStable(result.Changed, func(i, j int) bool {
		return c.CompareString(normalize.Normalize(result.Changed[i].Name), normalize.Normalize(result.Changed[j].Name)) < 0
	})

	return result
}

// index maps normalized key to first occurrence, preserving iteration
// order of first appearances.
func index(items store.ItemList) (map[string]store.Item, []string) {
	byKey := make(map[string]store.Item, len(items))
	keys := make([]string, 0, len(items))
	for _, item := range items {
		key := normalize.Normalize(item.Name)
		if key == "" {
			continue
		}
		if _, seen := byKey[key]; seen {
			continue
		}
		byKey[key] = item
		keys = append(keys, key)
	}
	return byKey, keys
}
