package agent

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
)

// atoiOrNeg parses s, returning -1 for anything unparsable.
func atoiOrNeg(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses the request body into dst. On failure it writes the 400
// itself; callers just bail on a non-nil return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// isLocalRequest reports whether the request originates from the loopback
// interface. The agent only ever binds to localhost, but a misconfigured
// listen address must not silently expose the control surface.
func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func requireLocal(w http.ResponseWriter, r *http.Request) bool {
	if !isLocalRequest(r) {
		http.Error(w, "local access only", http.StatusForbidden)
		return false
	}
	return true
}

// handleGet registers a GET-only handler.
func handleGet(mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		fn(w, r)
	})
}

// handlePost registers a POST handler with a decoded JSON body. POST routes
// are always intents, so they are restricted to loopback clients. An empty
// body yields the zero value of T, so endpoints with all-optional fields
// accept a bare POST.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if !requireLocal(w, r) {
			return
		}
		var req T
		if r.ContentLength != 0 {
			if decodeJSON(w, r, &req) != nil {
				return
			}
		}
		fn(w, r, req)
	})
}

// handlePostAction registers a POST handler that takes no body.
func handlePostAction(mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if !requireLocal(w, r) {
			return
		}
		fn(w, r)
	})
}

// callStatus maps an engine error to an HTTP status. Phase rejections unwrap
// to ErrBusy, so a "wrong moment" intent is a 409 no matter which phase
// produced it.
func callStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrEnded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeCallError writes the engine error with its mapped status.
func writeCallError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), callStatus(err))
}
