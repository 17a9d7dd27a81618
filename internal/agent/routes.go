package agent

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/history"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/media"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/sdk"
)

// Register wires the full agent surface onto mux.
func Register(mux *http.ServeMux, d Deps) {
	registerCallRoutes(mux, d)
	registerInfoRoutes(mux, d)

	docs := newDocSite()
	handleGet(mux, "/docs", docs.redirectFirst)
	handleGet(mux, "/docs/", docs.servePage)

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/sdk/", http.StripPrefix("/sdk/", sdk.Handler()))
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Snapshot())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		PeerID         string `json:"peer_id"`
		PeerName       string `json:"peer_name"`
		Type           string `json:"type"`
	}) {
		if req.ConversationID == "" || req.PeerID == "" {
			http.Error(w, "missing conversation_id or peer_id", http.StatusBadRequest)
			return
		}
		kind := call.TypeAudio
		if req.Type == string(call.TypeVideo) {
			kind = call.TypeVideo
		}
		snap, err := d.Calls.Initiate(r.Context(), req.ConversationID, req.PeerID, req.PeerName, kind)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePostAction(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Calls.Accept(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePostAction(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Calls.Decline()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	// Hangup never fails: hanging up with nothing in progress returns the
	// idle snapshot.
	handlePostAction(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Hangup())
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled *bool `json:"enabled"`
	}) {
		on := !d.Calls.Snapshot().Media.AudioEnabled
		if req.Enabled != nil {
			on = *req.Enabled
		}
		snap, err := d.Calls.SetMicEnabled(on)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled *bool `json:"enabled"`
	}) {
		on := !d.Calls.Snapshot().Media.VideoEnabled
		if req.Enabled != nil {
			on = *req.Enabled
		}
		snap, err := d.Calls.SetCameraEnabled(on)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePostAction(mux, "/api/call/toggle-screen", func(w http.ResponseWriter, r *http.Request) {
		var (
			snap call.Snapshot
			err  error
		)
		if d.Calls.Snapshot().Media.ScreenShare {
			snap, err = d.Calls.StopScreenShare(r.Context())
		} else {
			snap, err = d.Calls.StartScreenShare(r.Context())
		}
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	handlePost(mux, "/api/call/select-device", func(w http.ResponseWriter, r *http.Request, req struct {
		Kind     string `json:"kind"`
		DeviceID string `json:"device_id"`
	}) {
		kind, ok := parseTrackKind(req.Kind)
		if !ok {
			http.Error(w, "unknown device kind", http.StatusBadRequest)
			return
		}
		if req.DeviceID == "" {
			http.Error(w, "missing device_id", http.StatusBadRequest)
			return
		}
		snap, err := d.Calls.SelectDevice(r.Context(), kind, req.DeviceID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	// SSE feed of engine events. The connected preamble carries the current
	// snapshot so a client never starts from a stale view.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		snap, _ := json.Marshal(d.Calls.Snapshot())
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", snap)
		flusher.Flush()

		ch, cancel := d.Calls.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
			}
		}
	})

	// WebSocket of remote media as WebM: init segment first, then clusters.
	// ?peer= picks a participant, default is the first remote stream.
	mux.HandleFunc("/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		peer := r.URL.Query().Get("peer")
		if peer == "" {
			keys := d.Remotes.Keys()
			if len(keys) == 0 {
				http.Error(w, "no remote stream", http.StatusNotFound)
				return
			}
			peer = keys[0]
		}
		stream, ok := d.Remotes.Stream(peer)
		if !ok {
			http.Error(w, "no remote stream for peer", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("media ws upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Reads are drained so close and ping frames get processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ch, cancel := stream.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case seg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, seg); err != nil {
					return
				}
			}
		}
	})
}

func registerInfoRoutes(mux *http.ServeMux, d Deps) {

	handleGet(mux, "/api/devices", func(w http.ResponseWriter, r *http.Request) {
		devs := d.Calls.Devices()
		if devs == nil {
			devs = []media.DeviceInfo{}
		}
		writeJSON(w, devs)
	})

	handleGet(mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeJSON(w, []history.Entry{})
			return
		}
		entries, err := d.History.Recent(atoiOrNeg(r.URL.Query().Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		writeJSON(w, entries)
	})

	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		if d.Logs == nil {
			writeJSON(w, []LogEntry{})
			return
		}
		if n := atoiOrNeg(r.URL.Query().Get("n")); n > 0 {
			writeJSON(w, d.Logs.Tail(n))
			return
		}
		writeJSON(w, d.Logs.Snapshot())
	})

	// Live tail only; fetch /api/logs first for the backlog.
	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		if d.Logs == nil {
			http.Error(w, "log buffer unavailable", http.StatusServiceUnavailable)
			return
		}
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch, cancel := d.Logs.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(e)
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	handleGet(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":  "ok",
			"version": d.Version,
			"phase":   d.Calls.Snapshot().Phase,
		})
	})
}

// parseTrackKind accepts both the MediaDeviceInfo names the browser uses and
// the short forms.
func parseTrackKind(s string) (media.TrackKind, bool) {
	switch s {
	case "audio", "audioinput":
		return media.KindAudio, true
	case "video", "videoinput":
		return media.KindVideo, true
	default:
		return "", false
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// Localhost only; the browser client connects from an app origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}
