package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"listdiff/api/internal/access"
	"listdiff/api/internal/config"
	"listdiff/api/internal/search"
	"listdiff/api/internal/store"
)

func newTestServer(fs *fakeStore) *httptest.Server {
	svc := &Service{
		cfg:       config.Config{EventLimit: 300, VersionLimit: 50},
		store:     fs,
		broadcast: &fakeBroadcast{},
		search:    search.NewService(nil),
	}
	server := NewHTTPServer(svc, nil, "*")
	return httptest.NewServer(server.Handler())
}

// statefulStore keeps one room in memory so the seed-on-first-access
// path behaves like the real store.
func statefulStore() *fakeStore {
	var room *store.Room
	fs := &fakeStore{}
	fs.getRoomFn = func(context.Context, string) (*store.Room, error) {
		if room == nil {
			return nil, nil
		}
		copied := *room
		return &copied, nil
	}
	fs.insertRoomFn = func(_ context.Context, seed store.Room) error {
		if room == nil {
			room = &seed
		}
		return nil
	}
	fs.updateRoomListsFn = func(_ context.Context, _ string, oldItems, newItems store.ItemList) error {
		room.OldItems = oldItems
		room.NewItems = newItems
		return nil
	}
	fs.updateRoomLockFn = func(_ context.Context, _ string, locked bool, secret string) error {
		room.IsLocked = locked
		room.LockSecret = secret
		return nil
	}
	return fs
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["ok"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestGetRoomSeedsOnFirstAccess(t *testing.T) {
	ts := newTestServer(statefulStore())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms/camp-2026")
	if err != nil {
		t.Fatalf("GET room: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["role"] != string(access.RoleGuest) {
		t.Fatalf("role = %v, want guest", payload["role"])
	}
	room := payload["room"].(map[string]any)
	if room["id"] != "camp-2026" {
		t.Fatalf("room id = %v", room["id"])
	}
	oldItems := room["oldItems"].([]any)
	newItems := room["newItems"].([]any)
	if len(oldItems) != 1 || len(newItems) != 1 {
		t.Fatalf("seeded lists: %d/%d rows", len(oldItems), len(newItems))
	}
}

func TestGetRoomRedactsCapabilitiesFromGuests(t *testing.T) {
	fs := statefulStore()
	ts := newTestServer(fs)
	defer ts.Close()

	// Seed, then read back the edit capability from the store state.
	if _, err := http.Get(ts.URL + "/api/rooms/camp-2026"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, err := fs.GetRoom(context.Background(), "camp-2026")
	if err != nil || seeded == nil {
		t.Fatalf("seeded room missing: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/rooms/camp-2026")
	if err != nil {
		t.Fatalf("GET as guest: %v", err)
	}
	payload := decodeResponse(t, resp)
	room := payload["room"].(map[string]any)
	if _, leaked := room["editCapability"]; leaked {
		t.Fatalf("capabilities leaked to guest: %v", room)
	}
	if _, leaked := room["viewCapability"]; leaked {
		t.Fatalf("capabilities leaked to guest: %v", room)
	}

	resp, err = http.Get(ts.URL + "/api/rooms/camp-2026?cap=" + seeded.EditCapability)
	if err != nil {
		t.Fatalf("GET as editor: %v", err)
	}
	payload = decodeResponse(t, resp)
	if payload["role"] != string(access.RoleEditor) {
		t.Fatalf("role = %v, want editor", payload["role"])
	}
	room = payload["room"].(map[string]any)
	if room["editCapability"] == "" {
		t.Fatal("editor did not receive capabilities")
	}
}

func TestMutationRequiresEditCapability(t *testing.T) {
	fs := statefulStore()
	ts := newTestServer(fs)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/rooms/camp-2026/rows", "application/json", strings.NewReader(`{"list":"old"}`))
	if err != nil {
		t.Fatalf("POST rows: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	errObj := payload["error"].(map[string]any)
	if errObj["code"] != "PERMISSION_DENIED" {
		t.Fatalf("error code = %v", errObj["code"])
	}
}

func TestAddRowEndpoint(t *testing.T) {
	fs := statefulStore()
	ts := newTestServer(fs)
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/api/rooms/camp-2026"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, _ := fs.GetRoom(context.Background(), "camp-2026")

	resp, err := http.Post(
		ts.URL+"/api/rooms/camp-2026/rows?cap="+seeded.EditCapability,
		"application/json",
		strings.NewReader(`{"list":"new"}`),
	)
	if err != nil {
		t.Fatalf("POST rows: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	room := payload["room"].(map[string]any)
	if got := len(room["newItems"].([]any)); got != 2 {
		t.Fatalf("new list length = %d, want 2", got)
	}
	if payload["status"] != "saved" {
		t.Fatalf("status string = %v, want saved", payload["status"])
	}
}

func TestAddRowUnknownListRejected(t *testing.T) {
	fs := statefulStore()
	ts := newTestServer(fs)
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/api/rooms/camp-2026"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, _ := fs.GetRoom(context.Background(), "camp-2026")

	resp, err := http.Post(
		ts.URL+"/api/rooms/camp-2026/rows?cap="+seeded.EditCapability,
		"application/json",
		strings.NewReader(`{"list":"archive"}`),
	)
	if err != nil {
		t.Fatalf("POST rows: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	errObj := payload["error"].(map[string]any)
	if errObj["code"] != "INVALID_LIST" {
		t.Fatalf("error code = %v", errObj["code"])
	}
}

func TestCommitNoteOnlyPreservesValue(t *testing.T) {
	fs := &fakeStore{}
	fs.getRoomFn = func(context.Context, string) (*store.Room, error) {
		return &store.Room{
			ID:             "camp-2026",
			OldItems:       store.ItemList{{ID: "it-1", Name: "Tent", Value: store.Number(500)}},
			NewItems:       store.ItemList{},
			EditCapability: "cap-edit",
		}, nil
	}
	var persisted store.ItemList
	fs.updateRoomListsFn = func(_ context.Context, _ string, oldItems, _ store.ItemList) error {
		persisted = oldItems
		return nil
	}
	var logged []store.Event
	fs.appendEventFn = func(_ context.Context, event store.Event) (store.Event, error) {
		logged = append(logged, event)
		return event, nil
	}
	ts := newTestServer(fs)
	defer ts.Close()

	resp, err := http.Post(
		ts.URL+"/api/rooms/camp-2026/rows/it-1/commit?cap=cap-edit",
		"application/json",
		strings.NewReader(`{"list":"old","field":"note","note":"checked","name":"Tent"}`),
	)
	if err != nil {
		t.Fatalf("POST commit: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if len(persisted) != 1 || !persisted[0].Value.Equal(store.Number(500)) || !persisted[0].Value.Present {
		t.Fatalf("note-only commit disturbed the value: %+v", persisted)
	}
	if persisted[0].Note != "checked" {
		t.Fatalf("note not committed: %+v", persisted[0])
	}
	if len(logged) != 1 {
		t.Fatalf("events logged = %d, want 1", len(logged))
	}
	if logged[0].ChangedField != "note" || !logged[0].ValueBefore.Equal(logged[0].ValueAfter) {
		t.Fatalf("spurious value change in event: %+v", logged[0])
	}
}

func TestCommitExplicitNullClearsValue(t *testing.T) {
	fs := &fakeStore{}
	fs.getRoomFn = func(context.Context, string) (*store.Room, error) {
		return &store.Room{
			ID:             "camp-2026",
			OldItems:       store.ItemList{{ID: "it-1", Name: "Tent", Value: store.Number(500)}},
			NewItems:       store.ItemList{},
			EditCapability: "cap-edit",
		}, nil
	}
	var persisted store.ItemList
	fs.updateRoomListsFn = func(_ context.Context, _ string, oldItems, _ store.ItemList) error {
		persisted = oldItems
		return nil
	}
	ts := newTestServer(fs)
	defer ts.Close()

	resp, err := http.Post(
		ts.URL+"/api/rooms/camp-2026/rows/it-1/commit?cap=cap-edit",
		"application/json",
		strings.NewReader(`{"list":"old","field":"value","value":null}`),
	)
	if err != nil {
		t.Fatalf("POST commit: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if len(persisted) != 1 || persisted[0].Value.Present {
		t.Fatalf("explicit null must clear the value: %+v", persisted)
	}
}

func TestLockEndpointWrongPIN(t *testing.T) {
	fs := statefulStore()
	ts := newTestServer(fs)
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/api/rooms/camp-2026"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, _ := fs.GetRoom(context.Background(), "camp-2026")
	capQuery := "?cap=" + seeded.EditCapability

	resp, err := http.Post(ts.URL+"/api/rooms/camp-2026/lock"+capQuery, "application/json", strings.NewReader(`{"pin":"1234"}`))
	if err != nil {
		t.Fatalf("POST lock: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/api/rooms/camp-2026/unlock"+capQuery, "application/json", strings.NewReader(`{"pin":"9999"}`))
	if err != nil {
		t.Fatalf("POST unlock: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unlock status = %d, want 403", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	errObj := payload["error"].(map[string]any)
	if errObj["code"] != "WRONG_PIN" {
		t.Fatalf("error code = %v", errObj["code"])
	}
}

func TestLockWithoutPINIsUnprocessable(t *testing.T) {
	fs := statefulStore()
	ts := newTestServer(fs)
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/api/rooms/camp-2026"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, _ := fs.GetRoom(context.Background(), "camp-2026")

	resp, err := http.Post(
		ts.URL+"/api/rooms/camp-2026/lock?cap="+seeded.EditCapability,
		"application/json",
		strings.NewReader(`{"pin":""}`),
	)
	if err != nil {
		t.Fatalf("POST lock: %v", err)
	}
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestEventsEndpointMapsFilters(t *testing.T) {
	fs := statefulStore()
	var gotFilter store.EventFilter
	var gotLimit int
	fs.listEventsFn = func(_ context.Context, _ string, limit int, filter store.EventFilter) ([]store.Event, error) {
		gotFilter = filter
		gotLimit = limit
		return []store.Event{{ID: 1, Action: store.ActionAdd}}, nil
	}
	ts := newTestServer(fs)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms/camp-2026/events?list=old&action=update&who=Omar")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if gotFilter.ListName != "old" || gotFilter.Action != "update" || gotFilter.Who != "Omar" {
		t.Fatalf("filter = %+v", gotFilter)
	}
	if gotLimit != 300 {
		t.Fatalf("limit = %d, want 300", gotLimit)
	}
	if got := len(payload["events"].([]any)); got != 1 {
		t.Fatalf("events returned = %d, want 1", got)
	}

	resp, err = http.Get(ts.URL + "/api/rooms/camp-2026/events?limit=25")
	if err != nil {
		t.Fatalf("GET events with limit: %v", err)
	}
	resp.Body.Close()
	if gotLimit != 25 {
		t.Fatalf("limit = %d, want 25", gotLimit)
	}
}

func TestEventsEndpointItemHistory(t *testing.T) {
	fs := statefulStore()
	var gotItemID string
	fs.listEventsForItemFn = func(_ context.Context, _ string, itemID string, _ int) ([]store.Event, error) {
		gotItemID = itemID
		return nil, nil
	}
	ts := newTestServer(fs)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms/camp-2026/events?itemId=it-7")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
	if gotItemID != "it-7" {
		t.Fatalf("item id = %q, want it-7", gotItemID)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	fs := statefulStore()
	fs.getRoomFn = func(context.Context, string) (*store.Room, error) {
		return &store.Room{
			ID:       "camp-2026",
			OldItems: store.ItemList{{ID: "a", Name: "Tent", Value: store.Number(450)}},
			NewItems: store.ItemList{{ID: "b", Name: "Tent", Value: store.Number(500)}},
		}, nil
	}
	ts := newTestServer(fs)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms/camp-2026/reconcile")
	if err != nil {
		t.Fatalf("GET reconcile: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	totals := payload["totals"].(map[string]any)
	if totals["old"].(float64) != 450 || totals["new"].(float64) != 500 || totals["diff"].(float64) != 50 {
		t.Fatalf("totals = %v", totals)
	}
	diff := payload["diff"].(map[string]any)
	if got := len(diff["changed"].([]any)); got != 1 {
		t.Fatalf("changed rows = %d, want 1", got)
	}
}

func TestWhoHeaderFlowsIntoEvents(t *testing.T) {
	fs := statefulStore()
	var loggedWho string
	fs.appendEventFn = func(_ context.Context, event store.Event) (store.Event, error) {
		loggedWho = event.Who
		return event, nil
	}
	ts := newTestServer(fs)
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/api/rooms/camp-2026"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	seeded, _ := fs.GetRoom(context.Background(), "camp-2026")

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/api/rooms/camp-2026/rows?cap="+seeded.EditCapability,
		strings.NewReader(`{"list":"old"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Listdiff-Who", "Huda")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST rows: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
	if loggedWho != "Huda" {
		t.Fatalf("event who = %q, want Huda", loggedWho)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWatchWithoutBrokerIsUnavailable(t *testing.T) {
	ts := newTestServer(statefulStore())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms/camp-2026/watch")
	if err != nil {
		t.Fatalf("GET watch: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}
