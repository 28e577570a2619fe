package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PierreVH2/ACTSoftware-sub002/internal/logic/motion"
)

// Mount is the controller surface the handlers drive. *motion.Controller
// implements it.
type Mount interface {
	Snapshot() motion.Snapshot
	Position() motion.Position
	Limits() motion.Limits
	WaitStatus(ctx context.Context) (motion.Status, error)

	StartInit() error
	StartGoto(target motion.Position, maxRate uint16) error
	CancelGoto()
	StartCardinal(dir motion.Direction, rate uint16) error
	EndCardinal()
	ToggleTracking(on bool) error
	SetTracking(rate uint16) error
	AdjustTracking(ha, dec int32) bool
	ToggleAllStop(on bool) error
}

// UIConfig holds values the web page needs to build its controls.
type UIConfig struct {
	HAMaxSteps   int32  `json:"ha_max_steps"`
	DecMaxSteps  int32  `json:"dec_max_steps"`
	FastestRate  uint16 `json:"fastest_rate"`
	SlowestRate  uint16 `json:"slowest_rate"`
	SiderealRate uint16 `json:"sidereal_rate"`
}

// GotoRequest is the body of POST /goto. A zero MaxRate means as fast as
// allowed.
type GotoRequest struct {
	HA      int32  `json:"ha"`
	Dec     int32  `json:"dec"`
	MaxRate uint16 `json:"max_rate"`
}

// CardinalRequest is the body of POST /cardinal. Direction is a combination
// of the letters N, S, E and W, at most one per axis.
type CardinalRequest struct {
	Direction string `json:"direction"`
	Rate      uint16 `json:"rate"`
}

// TrackingRequest is the body of POST /tracking. A non-zero Rate tracks at
// that register rate and a zero Rate stops tracking, unless On is given, in
// which case tracking is switched at the sidereal rate.
type TrackingRequest struct {
	On   *bool  `json:"on,omitempty"`
	Rate uint16 `json:"rate"`
}

// SwitchRequest is the body of POST /estop.
type SwitchRequest struct {
	On bool `json:"on"`
}

// AdjustRequest is the body of POST /adjust, in steps East and South.
type AdjustRequest struct {
	HA  int32 `json:"ha"`
	Dec int32 `json:"dec"`
}

// LimitsResponse reports the active limits.
type LimitsResponse struct {
	Hard  motion.Direction `json:"hard"`
	Soft  motion.Direction `json:"soft"`
	All   motion.Direction `json:"all"`
	Names string           `json:"names"`
}

// statusWaitTimeout bounds GET /status?wait=1.
const statusWaitTimeout = 30 * time.Second

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Mount       Mount
	Broadcaster *StatusBroadcaster
	UI          UIConfig
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(mount Mount, broadcaster *StatusBroadcaster, ui UIConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Mount:       mount,
		Broadcaster: broadcaster,
		UI:          ui,
		staticFS:    staticFS,
	}
}

// ParseDirection decodes a direction string such as "N", "se" or "N|W".
func ParseDirection(s string) (motion.Direction, error) {
	var d motion.Direction
	for _, r := range strings.ToUpper(s) {
		switch r {
		case 'N':
			d |= motion.North
		case 'S':
			d |= motion.South
		case 'E':
			d |= motion.East
		case 'W':
			d |= motion.West
		case '|', ' ', '+':
		default:
			return 0, fmt.Errorf("unknown direction %q", r)
		}
	}
	if d == 0 {
		return 0, errors.New("direction is required")
	}
	if !d.Valid() {
		return 0, fmt.Errorf("direction %v names opposite directions", d)
	}
	return d, nil
}

// httpStatus maps controller errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, motion.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, motion.ErrNotInitialized):
		return http.StatusPreconditionFailed
	case errors.Is(err, motion.ErrAllStop):
		return http.StatusLocked
	case errors.Is(err, motion.ErrInvalidTarget), errors.Is(err, motion.ErrAtTarget):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrLimit), errors.Is(err, motion.ErrOrdering):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		log.Printf("web: command failed: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// HandleConfig returns the UI settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.UI)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandlePosition handles GET /position.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Mount.Position())
}

// HandleLimits handles GET /limits.
func (h *Handlers) HandleLimits(w http.ResponseWriter, r *http.Request) {
	l := h.Mount.Limits()
	writeJSON(w, http.StatusOK, LimitsResponse{Hard: l.Hard, Soft: l.Soft, All: l.All(), Names: l.All().String()})
}

// HandleStatus handles GET /status. With ?wait=1 it blocks until the status
// next changes, answering 204 if nothing changed in time.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "1" {
		ctx, cancel := context.WithTimeout(r.Context(), statusWaitTimeout)
		defer cancel()
		if _, err := h.Mount.WaitStatus(ctx); err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Mount.Snapshot())
}

// HandleInit handles POST /init.
func (h *Handlers) HandleInit(w http.ResponseWriter, r *http.Request) {
	if err := h.Mount.StartInit(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleGoto handles POST /goto.
func (h *Handlers) HandleGoto(w http.ResponseWriter, r *http.Request) {
	var req GotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Mount.StartGoto(motion.Position{HA: req.HA, Dec: req.Dec}, req.MaxRate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleCancelGoto handles DELETE /goto.
func (h *Handlers) HandleCancelGoto(w http.ResponseWriter, r *http.Request) {
	h.Mount.CancelGoto()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleCardinal handles POST /cardinal.
func (h *Handlers) HandleCardinal(w http.ResponseWriter, r *http.Request) {
	var req CardinalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Mount.StartCardinal(dir, req.Rate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "direction": dir.String()})
}

// HandleEndCardinal handles DELETE /cardinal.
func (h *Handlers) HandleEndCardinal(w http.ResponseWriter, r *http.Request) {
	h.Mount.EndCardinal()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleTracking handles POST /tracking.
func (h *Handlers) HandleTracking(w http.ResponseWriter, r *http.Request) {
	var req TrackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	var err error
	if req.On != nil {
		err = h.Mount.ToggleTracking(*req.On)
	} else {
		err = h.Mount.SetTracking(req.Rate)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Mount.Snapshot())
}

// HandleAllStop handles POST /estop.
func (h *Handlers) HandleAllStop(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Mount.ToggleAllStop(req.On); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Mount.Snapshot())
}

// HandleAdjust handles POST /adjust. An offset the controller ignores is
// reported with accepted=false.
func (h *Handlers) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	ok := h.Mount.AdjustTracking(req.HA, req.Dec)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// StatusChanged broadcasts the controller snapshot to stream clients.
func (h *Handlers) StatusChanged(motion.Status) {
	data, err := json.Marshal(h.Mount.Snapshot())
	if err != nil {
		return
	}
	h.Broadcaster.Broadcast("status", string(data))
}

// LimitTripped broadcasts an abort notice.
func (h *Handlers) LimitTripped(kind string, dir motion.Direction) {
	h.Broadcaster.Broadcast("error", fmt.Sprintf("%s limit %v stopped the mount", kind, dir))
}
