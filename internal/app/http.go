package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"listdiff/api/internal/access"
	"listdiff/api/internal/broadcast"
	"listdiff/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	broker     *broadcast.Broker
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, broker *broadcast.Broker, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		broker:     broker,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Listdiff-Who")
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/rooms/") {
		s.handleRoom(w, r, strings.TrimPrefix(r.URL.Path, "/api/rooms/"))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database":  map[string]any{"status": "ok"},
		"broadcast": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingBroadcast(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["broadcast"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleRoom dispatches /api/rooms/{id}[/...] routes. Room identity and
// the capability token arrive as URL parameters; the display name rides
// a header.
func (s *HTTPServer) handleRoom(w http.ResponseWriter, r *http.Request, rest string) {
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Room id required", nil)
		return
	}
	roomID := segments[0]
	who := callerName(r)
	capability := access.Capability(r.URL.Query().Get("cap"))

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		s.handleGetRoom(w, r, roomID, capability)
	case len(segments) == 2 && segments[1] == "watch" && r.Method == http.MethodGet:
		s.handleWatch(w, r, roomID)
	case len(segments) == 2 && segments[1] == "reconcile" && r.Method == http.MethodGet:
		s.handleReconcile(w, r, roomID)
	case len(segments) == 2 && segments[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, roomID)
	case len(segments) == 2 && segments[1] == "rows" && r.Method == http.MethodPost:
		s.handleAddRow(w, r, roomID, who, capability)
	case len(segments) == 4 && segments[1] == "rows" && segments[3] == "delete" && r.Method == http.MethodPost:
		s.handleDeleteRow(w, r, roomID, segments[2], who, capability)
	case len(segments) == 4 && segments[1] == "rows" && segments[3] == "commit" && r.Method == http.MethodPost:
		s.handleCommitEdit(w, r, roomID, segments[2], who, capability)
	case len(segments) == 2 && segments[1] == "paste" && r.Method == http.MethodPost:
		s.handlePaste(w, r, roomID, who, capability)
	case len(segments) == 2 && segments[1] == "lock" && r.Method == http.MethodPost:
		s.handleLock(w, r, roomID, who, capability, true)
	case len(segments) == 2 && segments[1] == "unlock" && r.Method == http.MethodPost:
		s.handleLock(w, r, roomID, who, capability, false)
	case len(segments) == 2 && segments[1] == "versions" && r.Method == http.MethodGet:
		s.handleListVersions(w, r, roomID)
	case len(segments) == 2 && segments[1] == "versions" && r.Method == http.MethodPost:
		s.handleSaveVersion(w, r, roomID, who, capability)
	case len(segments) == 4 && segments[1] == "versions" && segments[3] == "restore" && r.Method == http.MethodPost:
		s.handleRestoreVersion(w, r, roomID, segments[2], who, capability)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request, roomID string, capability access.Capability) {
	room, err := s.service.OpenRoom(r.Context(), roomID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	role := access.ResolveRole(room, capability)
	writeJSON(w, http.StatusOK, map[string]any{
		"room": redactRoom(*room, role),
		"role": role,
		"totals": map[string]any{
			"old":  room.OldItems.Sum(),
			"new":  room.NewItems.Sum(),
			"diff": room.NewItems.Sum() - room.OldItems.Sum(),
		},
	})
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := s.service.OpenRoom(r.Context(), roomID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	session := newRoomSession(s.service, room, callerName(r), access.RoleGuest)
	writeJSON(w, http.StatusOK, map[string]any{
		"diff": session.Reconcile(),
		"totals": map[string]any{
			"old":  room.OldItems.Sum(),
			"new":  room.NewItems.Sum(),
			"diff": room.NewItems.Sum() - room.OldItems.Sum(),
		},
	})
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, roomID string) {
	query := r.URL.Query()
	if itemID := strings.TrimSpace(query.Get("itemId")); itemID != "" {
		events, err := s.service.EventsForItem(r.Context(), roomID, itemID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	filter := store.EventFilter{
		ListName: strings.TrimSpace(query.Get("list")),
		Action:   strings.TrimSpace(query.Get("action")),
		Who:      strings.TrimSpace(query.Get("who")),
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	events, err := s.service.Events(r.Context(), roomID, filter, strings.TrimSpace(query.Get("q")), limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleAddRow(w http.ResponseWriter, r *http.Request, roomID, who string, capability access.Capability) {
	var body struct {
		List string `json:"list"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := validList(body.List); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	s.mutate(w, r, roomID, who, capability, func(ctx context.Context, session *RoomSession) error {
		return session.AddRow(ctx, body.List)
	})
}

func (s *HTTPServer) handleDeleteRow(w http.ResponseWriter, r *http.Request, roomID, itemID, who string, capability access.Capability) {
	var body struct {
		List string `json:"list"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := validList(body.List); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	s.mutate(w, r, roomID, who, capability, func(ctx context.Context, session *RoomSession) error {
		return session.DeleteRow(ctx, body.List, itemID)
	})
}

// handleCommitEdit stages only the fields the request carries: an
// omitted field is untouched, an explicit null value clears it.
func (s *HTTPServer) handleCommitEdit(w http.ResponseWriter, r *http.Request, roomID, itemID, who string, capability access.Capability) {
	var body struct {
		List  string          `json:"list"`
		Field string          `json:"field"`
		Name  *string         `json:"name"`
		Value json.RawMessage `json:"value"`
		Note  *string         `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := validList(body.List); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	var value store.Value
	hasValue := len(body.Value) > 0
	if hasValue {
		if err := json.Unmarshal(body.Value, &value); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid value: "+err.Error(), nil)
			return
		}
	}
	s.mutate(w, r, roomID, who, capability, func(ctx context.Context, session *RoomSession) error {
		if body.Name != nil {
			if err := session.StageName(body.List, itemID, *body.Name); err != nil {
				return err
			}
		}
		if hasValue {
			if err := session.StageValue(body.List, itemID, value); err != nil {
				return err
			}
		}
		if body.Note != nil {
			if err := session.StageNote(body.List, itemID, *body.Note); err != nil {
				return err
			}
		}
		return session.CommitEdit(ctx, body.List, itemID, body.Field)
	})
}

func (s *HTTPServer) handlePaste(w http.ResponseWriter, r *http.Request, roomID, who string, capability access.Capability) {
	var body struct {
		List string `json:"list"`
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := validList(body.List); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	s.mutate(w, r, roomID, who, capability, func(ctx context.Context, session *RoomSession) error {
		return session.ImportPaste(ctx, body.List, body.Text)
	})
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request, roomID, who string, capability access.Capability, lock bool) {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.mutate(w, r, roomID, who, capability, func(ctx context.Context, session *RoomSession) error {
		if lock {
			return session.Lock(ctx, body.PIN)
		}
		return session.Unlock(ctx, body.PIN)
	})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, roomID string) {
	versions, err := s.service.Versions(r.Context(), roomID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleSaveVersion(w http.ResponseWriter, r *http.Request, roomID, who string, capability access.Capability) {
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.OpenSession(r.Context(), roomID, who, capability)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	version, err := session.SaveVersion(r.Context(), body.Note)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version, "status": session.Status()})
}

func (s *HTTPServer) handleRestoreVersion(w http.ResponseWriter, r *http.Request, roomID, versionID, who string, capability access.Capability) {
	s.mutate(w, r, roomID, who, capability, func(ctx context.Context, session *RoomSession) error {
		return session.RestoreVersion(ctx, versionID)
	})
}

// mutate opens a per-request session, runs one mutation and answers with
// the resulting snapshot and the persistence status string.
func (s *HTTPServer) mutate(w http.ResponseWriter, r *http.Request, roomID, who string, capability access.Capability, op func(context.Context, *RoomSession) error) {
	session, err := s.service.OpenSession(r.Context(), roomID, who, capability)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if err := op(r.Context(), session); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	room := session.Room()
	writeJSON(w, http.StatusOK, map[string]any{
		"room":   redactRoom(room, session.Role()),
		"status": session.Status(),
	})
}

// handleWatch upgrades to a websocket and forwards broadcast envelopes
// for the room until the client goes away.
func (s *HTTPServer) handleWatch(w http.ResponseWriter, r *http.Request, roomID string) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_BROADCAST", "Live updates not configured", nil)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("watch: upgrade failed for room %s: %v", roomID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.broker.Subscribe(ctx, roomID)
	defer sub.Close()

	// Reader goroutine only notices the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg.Kind == broadcast.KindRoom && msg.Room != nil {
				redacted := redactRoom(*msg.Room, access.RoleGuest)
				msg.Room = &redacted
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// redactRoom hides the capability secrets from anyone who has not
// presented the edit capability.
func redactRoom(room store.Room, role access.Role) store.Room {
	if role != access.RoleEditor {
		room.EditCapability = ""
		room.ViewCapability = ""
	}
	room.LockSecret = ""
	return room
}

func validList(list string) error {
	if list != store.ListOld && list != store.ListNew {
		return domainError(http.StatusBadRequest, "INVALID_LIST", fmt.Sprintf("unknown list %q", list), nil)
	}
	return nil
}

func callerName(r *http.Request) string {
	who := strings.TrimSpace(r.Header.Get("X-Listdiff-Who"))
	if who == "" {
		return "Unknown"
	}
	return who
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("empty body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func mapError(err error) (int, string, string, any) {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Status, domain.Code, domain.Message, domain.Details
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED", "Permission denied", nil
	case errors.Is(err, ErrWrongPIN):
		return http.StatusForbidden, "WRONG_PIN", "PIN does not match", nil
	case errors.Is(err, ErrPINRequired):
		return http.StatusUnprocessableEntity, "PIN_REQUIRED", "A PIN is required to lock", nil
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Unexpected error", nil
	}
}
