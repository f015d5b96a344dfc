package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mapserver/internal/apperrors"
	"mapserver/internal/gateway"
	"mapserver/internal/hub"
	"mapserver/internal/models"
	"mapserver/internal/registry"
	"mapserver/internal/store"
	"mapserver/internal/utils"
)

const DefaultHeartbeat = 15 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type Handlers struct {
	log       *zap.Logger
	gw        *gateway.Gateway
	hub       *hub.Hub
	store     store.Store
	heartbeat time.Duration
}

func NewHandlers(log *zap.Logger, gw *gateway.Gateway, h *hub.Hub, st store.Store, heartbeat time.Duration) *Handlers {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handlers{log: log, gw: gw, hub: h, store: st, heartbeat: heartbeat}
}

func (h *Handlers) writeErr(w http.ResponseWriter, err error) {
	utils.JSONError(w, apperrors.Status(err), apperrors.Code(err), err.Error())
}

func (h *Handlers) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := registry.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return "", false
	}
	return id, true
}

// --- mutation endpoints: every response body is the full snapshot ---

func (h *Handlers) AddElement(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req models.AddElementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperrors.Validationf("malformed body: %v", err))
		return
	}
	snap, err := h.gw.AddElement(r.Context(), sessionID, req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) RemoveElement(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.gw.RemoveElement(r.Context(), sessionID, chi.URLParam(r, "elementID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) SetView(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req models.SetViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperrors.Validationf("malformed body: %v", err))
		return
	}
	snap, err := h.gw.SetView(r.Context(), sessionID, req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) FilterElement(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req models.FilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperrors.Validationf("malformed body: %v", err))
		return
	}
	snap, err := h.gw.FilterElement(r.Context(), sessionID, chi.URLParam(r, "elementID"), req.Filter)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) SetElementStyle(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req models.StyleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperrors.Validationf("malformed body: %v", err))
		return
	}
	snap, err := h.gw.SetElementStyle(r.Context(), sessionID,
		chi.URLParam(r, "elementID"), chi.URLParam(r, "property"), req.Value)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) ToggleElement(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req models.VisibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, apperrors.Validationf("malformed body: %v", err))
		return
	}
	snap, err := h.gw.ToggleElement(r.Context(), sessionID, chi.URLParam(r, "elementID"), req.Action)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) ResetElementStyle(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.gw.ResetElementStyle(r.Context(), sessionID, chi.URLParam(r, "elementID"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

// --- read endpoints: never mutate, never bump the version ---

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.gw.GetState(r.Context(), sessionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, snap)
}

func (h *Handlers) ListElements(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	resp, err := h.gw.ListElements(r.Context(), sessionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utils.JSON(w, http.StatusOK, resp)
}

// --- streaming endpoints ---

// StreamSSE pushes every snapshot of a session to the client as one SSE
// event, with heartbeat comments in between. Clients without a session
// of their own get a generated one, reported in the opening event.
func (h *Handlers) StreamSSE(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		raw = r.URL.Query().Get("session")
	}
	sessionID, err := registry.Resolve(raw)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErr(w, fmt.Errorf("streaming unsupported"))
		return
	}

	snap, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: session\ndata: {\"session_id\": %q}\n\n", sessionID)
	flusher.Flush()

	sub := h.hub.Subscribe(sessionID, snap)
	defer sub.Close()

	h.log.Info("sse subscriber connected", zap.String("session", sessionID))
	defer h.log.Info("sse subscriber disconnected", zap.String("session", sessionID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case s, open := <-sub.C():
			if !open {
				// dropped by the hub (overflow or shutdown); ending the
				// response tells the client its stream broke
				return
			}
			payload, err := json.Marshal(s)
			if err != nil {
				h.log.Error("marshal snapshot", zap.Error(err))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			sub.Touch()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			sub.Touch()
		}
	}
}

// StreamWS delivers the same snapshot stream over a WebSocket, one JSON
// frame per snapshot, with pings on the heartbeat interval.
func (h *Handlers) StreamWS(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	snap, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(sessionID, snap)
	defer sub.Close()

	// reader exists only to notice the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case s, open := <-sub.C():
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(s); err != nil {
				return
			}
			sub.Touch()
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
			sub.Touch()
		}
	}
}

// --- health endpoints ---

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Ready reports backing-store reachability, independent of any session.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		utils.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	utils.JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
