// Package app assembles the engine: configuration, logging, capture, the
// backend clients, the call manager and the agent API, wired in one place and
// torn down in reverse.
package app

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/agent"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/callmeta"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/config"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/history"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/media"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/rtc"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/rules"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/signaling"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/util"
)

var log = logging.Logger("app")

// Options carries everything Run needs besides the context. DataDir anchors
// the relative paths in the config file.
type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
	Version string
}

// Run starts the engine and blocks until ctx is canceled or the agent
// listener fails. On return every subsystem has been shut down: the current
// call is ended and announced, the signaling socket is closed and the call
// log is flushed.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if strings.TrimSpace(cfg.Backend.UserID) == "" {
		return fmt.Errorf("backend.user_id is not set in %s; log in first", opt.CfgPath)
	}

	applyLogLevel(cfg.Log.Level)

	// Everything logged from here on also lands in the ring buffer behind
	// /api/logs.
	logs := agent.NewLogBuffer(500)
	go func() {
		_, _ = io.Copy(logs, logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput)))
	}()

	log.Infof("engine %s starting as %s", opt.Version, cfg.Backend.UserID)

	// ── Local capture
	mediaMgr := media.NewDefault()
	if cfg.Media.DisableVideo {
		mediaMgr = media.NewAudioOnly()
		log.Infof("video capture disabled by config")
	}
	if cfg.Media.PreferredMic != "" {
		mediaMgr.SetDevicePreference(media.KindAudio, cfg.Media.PreferredMic)
	}
	if cfg.Media.PreferredCam != "" {
		mediaMgr.SetDevicePreference(media.KindVideo, cfg.Media.PreferredCam)
	}

	// ── Peer links
	api, err := rtc.NewAPI(mediaMgr.ConfigureEngine)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	links := rtc.NewRegistry()
	remotes := rtc.NewRemoteStreams()

	// ── Backend clients
	token := signaling.FileToken(util.ResolvePath(opt.DataDir, cfg.Backend.TokenFile))
	warnExpiringToken(token)

	sig := signaling.New(cfg.Backend.SignalURL, token)
	meta := callmeta.New(cfg.Backend.APIBase, token)
	br := newBridge(sig, meta, cfg.Backend.UserID, cfg.Backend.DisplayName)
	sig.OnConnectivity(func(up bool) {
		if !up {
			agent.SignalingReconnectsTotal.Inc()
		}
		br.LinkState(up)
	})

	// ── Call log
	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(util.ResolvePath(opt.DataDir, cfg.History.DBPath))
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		defer store.Close()
		go pruneHistory(ctx, store, cfg.History.KeepDays)
	}

	// ── Answer rules
	var decider call.Decider
	if cfg.Rules.Enabled {
		eng, err := rules.NewEngine(cfg.Rules, util.ResolvePath(opt.DataDir, cfg.Rules.ScriptDir))
		if err != nil {
			return fmt.Errorf("rules engine: %w", err)
		}
		defer eng.Close()
		decider = eng
	}

	// ── Call engine
	calls := call.New(call.Deps{
		UserID:   cfg.Backend.UserID,
		Signaler: br,
		Metadata: br,
		Media:    mediaMgr,
		Links:    links,
		NewLink:  rtc.PionFactory(api, cfg.Media.StunServers),
		Remotes:  remotes,
		Decider:  decider,
	})

	sig.Start(ctx)
	calls.Start(ctx)
	// Close order matters: the engine announces the end of a live call over
	// the still-open socket.
	defer sig.Close()
	defer calls.Close()

	if store != nil {
		recordCalls(ctx, calls, store)
	}

	// ── Agent API
	addr, url := NormalizeLocalAddr(cfg.Agent.ListenAddr)
	agentErr := make(chan error, 1)
	go func() {
		agentErr <- agent.Start(addr, agent.Deps{
			Calls:   calls,
			Remotes: remotes,
			History: store,
			Logs:    logs,
			Version: opt.Version,
		})
	}()
	log.Infof("control surface: %s", url)

	select {
	case <-ctx.Done():
		log.Infof("engine shutting down")
		return nil
	case err := <-agentErr:
		return fmt.Errorf("agent server: %w", err)
	}
}

// applyLogLevel sets the level for every subsystem from the config file. A
// GOLOG_LOG_LEVEL environment variable wins; go-log already applied it.
func applyLogLevel(level string) {
	if os.Getenv("GOLOG_LOG_LEVEL") != "" || level == "" {
		return
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("log.level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}

// warnExpiringToken flags a stale session before the first dial fails with an
// opaque 401. Best effort; a missing expiry claim is fine.
func warnExpiringToken(token signaling.TokenSource) {
	raw, err := token()
	if err != nil {
		log.Warnf("session token: %v", err)
		return
	}
	exp, err := signaling.TokenExpiry(raw)
	if err != nil || exp.IsZero() {
		return
	}
	switch {
	case time.Now().After(exp):
		log.Warnf("session token expired %s ago; log in again", time.Since(exp).Round(time.Minute))
	case time.Until(exp) < 24*time.Hour:
		log.Warnf("session token expires in %s", time.Until(exp).Round(time.Minute))
	}
}

// recordCalls copies every finished attempt from the event feed into the call
// log. Recording is read-side only; a write failure never reaches the engine.
func recordCalls(ctx context.Context, calls *call.Manager, store *history.Store) {
	events, cancel := calls.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != call.EventEnded || ev.Snapshot.Session == nil {
					continue
				}
				e := logEntry(ev)
				if err := store.Record(e); err != nil {
					log.Warnf("record call %s: %v", e.SessionID, err)
				}
			}
		}
	}()
}

func logEntry(ev call.Event) history.Entry {
	snap := ev.Snapshot
	e := history.Entry{
		SessionID:      snap.Session.ID,
		ConversationID: snap.Session.ConversationID,
		Type:           string(snap.Session.Type),
		Direction:      string(snap.Direction),
		PeerID:         snap.Session.PeerID,
		PeerName:       snap.Session.PeerName,
		Reason:         string(ev.Reason),
		StartedAt:      snap.StartedAt,
		EndedAt:        time.Now().UTC(),
		DurationSec:    int64(math.Round(ev.Duration)),
	}
	if !snap.ConnectedAt.IsZero() {
		t := snap.ConnectedAt
		e.ConnectedAt = &t
	}
	return e
}

// pruneHistory trims entries past the retention window, once at startup and
// then daily.
func pruneHistory(ctx context.Context, store *history.Store, keepDays int) {
	if keepDays <= 0 {
		return
	}
	prune := func() {
		n, err := store.Prune(time.Now().AddDate(0, 0, -keepDays))
		if err != nil {
			log.Warnf("prune call log: %v", err)
			return
		}
		if n > 0 {
			log.Infof("pruned %d call(s) older than %d days", n, keepDays)
		}
	}
	prune()

	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
