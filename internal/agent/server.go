// Package agent exposes the engine's localhost control surface: call intents,
// state, the event feed, remote media, history, logs, metrics, docs and the
// JS SDK.
package agent

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/history"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/rtc"
)

var log = logging.Logger("agent")

// Deps holds everything the routes serve from. History and Logs may be nil
// when the feature is disabled; the routes degrade to empty responses.
type Deps struct {
	Calls   *call.Manager
	Remotes *rtc.RemoteStreams
	History *history.Store
	Logs    *LogBuffer
	Version string
}

// Start serves the agent API on addr and feeds engine events into the
// Prometheus collectors. It blocks until the listener fails.
func Start(addr string, d Deps) error {
	mux := http.NewServeMux()
	Register(mux, d)

	stop := WatchCalls(d.Calls)
	defer stop()

	log.Infof("agent listening on http://%s", addr)
	return http.ListenAndServe(addr, mux)
}
