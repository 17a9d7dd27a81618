package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/call"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/history"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/media"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/rtc"
)

// ── engine fakes ─────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu      sync.Mutex
	offers  int
	answers int
	ends    []call.EndReason
	ch      chan call.Inbound
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan call.Inbound, 16)}
}

func (s *fakeSignaler) SendOffer(_, _ string, _ webrtc.SessionDescription) error {
	s.mu.Lock()
	s.offers++
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) SendAnswer(_, _ string, _ webrtc.SessionDescription) error {
	s.mu.Lock()
	s.answers++
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) SendCandidate(_, _ string, _ webrtc.ICECandidateInit) error { return nil }

func (s *fakeSignaler) SendEnd(_ string, reason call.EndReason) error {
	s.mu.Lock()
	s.ends = append(s.ends, reason)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) SendMute(_ string, _ media.TrackKind, _ bool) error { return nil }

func (s *fakeSignaler) Subscribe() (<-chan call.Inbound, func()) {
	return s.ch, func() {}
}

func (s *fakeSignaler) endReasons() []call.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call.EndReason(nil), s.ends...)
}

func (s *fakeSignaler) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers
}

type fakeMetadata struct{}

func (fakeMetadata) CreateCall(_ context.Context, _ string, _ call.Type, _ []string) (call.Record, error) {
	return call.Record{ID: "s1", Status: call.StatusRinging}, nil
}
func (fakeMetadata) JoinCall(context.Context, string) error { return nil }
func (fakeMetadata) EndCall(context.Context, string) error  { return nil }

type fakeTrack struct {
	id   string
	kind media.TrackKind

	mu      sync.Mutex
	enabled bool
}

func (t *fakeTrack) ID() string               { return t.id }
func (t *fakeTrack) Kind() media.TrackKind    { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }
func (t *fakeTrack) Stop() error              { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

type fakeCapturer struct{}

func (fakeCapturer) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

func (fakeCapturer) Capture(_ context.Context, c media.Constraints) ([]media.Track, error) {
	var out []media.Track
	if c.Audio {
		out = append(out, &fakeTrack{id: "mic:" + c.AudioDeviceID, kind: media.KindAudio, enabled: true})
	}
	if c.Video {
		id := "cam:" + c.VideoDeviceID
		if c.Screen {
			id = "screen"
		}
		out = append(out, &fakeTrack{id: id, kind: media.KindVideo, enabled: true})
	}
	return out, nil
}

func (fakeCapturer) Devices() []media.DeviceInfo {
	return []media.DeviceInfo{
		{ID: "mic-1", Label: "Mic", Kind: media.KindAudio},
		{ID: "cam-1", Label: "Cam", Kind: media.KindVideo},
	}
}

type fakeLink struct{}

func (fakeLink) Bind(rtc.Callbacks)                           {}
func (fakeLink) Attach([]webrtc.TrackLocal) error             { return nil }
func (fakeLink) AcceptAnswer(webrtc.SessionDescription) error { return nil }
func (fakeLink) AddCandidate(webrtc.ICECandidateInit) error   { return nil }
func (fakeLink) ReplaceTrack(webrtc.TrackLocal) error         { return nil }
func (fakeLink) RequestKeyframe(uint32) error                 { return nil }
func (fakeLink) Close() error                                 { return nil }

func (fakeLink) Offer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (fakeLink) Answer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (fakeLink) State() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

// ── harness ──────────────────────────────────────────────────────────────────

type testEnv struct {
	srv     *httptest.Server
	calls   *call.Manager
	sig     *fakeSignaler
	remotes *rtc.RemoteStreams
	history *history.Store
	logs    *LogBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sig := newFakeSignaler()
	remotes := rtc.NewRemoteStreams()
	mgr := call.New(call.Deps{
		UserID:      "me",
		Signaler:    sig,
		Metadata:    fakeMetadata{},
		Media:       media.NewManager(fakeCapturer{}),
		Links:       rtc.NewRegistry(),
		NewLink:     func(string) (rtc.Link, error) { return fakeLink{}, nil },
		Remotes:     remotes,
		RingTimeout: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	t.Cleanup(func() {
		mgr.Close()
		cancel()
	})

	hist, err := history.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	logs := NewLogBuffer(100)

	mux := http.NewServeMux()
	Register(mux, Deps{
		Calls:   mgr,
		Remotes: remotes,
		History: hist,
		Logs:    logs,
		Version: "test",
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, calls: mgr, sig: sig, remotes: remotes, history: hist, logs: logs}
}

// stateBody is the decoded wire form of a snapshot.
type stateBody struct {
	Phase     string `json:"phase"`
	Direction string `json:"direction"`
	Session   *struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
		PeerID string `json:"peer_id"`
	} `json:"session"`
	Media struct {
		Held          bool   `json:"held"`
		AudioEnabled  bool   `json:"audio_enabled"`
		VideoEnabled  bool   `json:"video_enabled"`
		ScreenShare   bool   `json:"screen_share"`
		AudioDeviceID string `json:"audio_device_id"`
		VideoDeviceID string `json:"video_device_id"`
	} `json:"media"`
	RemotePeers []string `json:"remote_peers"`
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, stateBody) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap stateBody
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	}
	return resp.StatusCode, snap
}

func (e *testEnv) get(t *testing.T, path string, dst any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp.StatusCode
}

func (e *testEnv) startCall(t *testing.T) stateBody {
	t.Helper()
	code, snap := e.post(t, "/api/call/start", map[string]string{
		"conversation_id": "c1",
		"peer_id":         "u2",
		"peer_name":       "Avery",
		"type":            "video",
	})
	require.Equal(t, http.StatusOK, code)
	return snap
}

func (e *testEnv) ringIncoming(t *testing.T) {
	t.Helper()
	e.sig.ch <- call.Inbound{
		Kind:           call.InOffer,
		SessionID:      "s9",
		ConversationID: "c9",
		From:           "u9",
		FromName:       "Ann",
		CallType:       call.TypeAudio,
		SDP:            &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	}
	require.Eventually(t, func() bool {
		var snap stateBody
		e.get(t, "/api/call/state", &snap)
		return snap.Phase == "incoming"
	}, 3*time.Second, 20*time.Millisecond, "incoming offer never reached the engine")
}

// ── intent routes ────────────────────────────────────────────────────────────

func TestStateStartsIdle(t *testing.T) {
	env := newTestEnv(t)

	var snap stateBody
	code := env.get(t, "/api/call/state", &snap)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", snap.Phase)
	assert.Nil(t, snap.Session)
	assert.False(t, snap.Media.Held)
}

func TestStartCallRingsPeer(t *testing.T) {
	env := newTestEnv(t)

	snap := env.startCall(t)

	assert.Equal(t, "outgoing", snap.Phase)
	assert.Equal(t, "outgoing", snap.Direction)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "s1", snap.Session.ID)
	assert.Equal(t, "video", snap.Session.Type)
	assert.True(t, snap.Media.Held)
	assert.Equal(t, 1, env.sig.offerCount())
}

func TestStartWhileBusyConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.startCall(t)

	code, _ := env.post(t, "/api/call/start", map[string]string{
		"conversation_id": "c2", "peer_id": "u3",
	})

	assert.Equal(t, http.StatusConflict, code)
}

func TestStartWithoutPeerRejected(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.post(t, "/api/call/start", map[string]string{"conversation_id": "c1"})

	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHangupIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.startCall(t)

	code, snap := env.post(t, "/api/call/hangup", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", snap.Phase)

	code, snap = env.post(t, "/api/call/hangup", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", snap.Phase)

	assert.Equal(t, []call.EndReason{call.ReasonCompleted}, env.sig.endReasons(),
		"end signal must go out exactly once")
}

func TestAcceptWithoutIncomingIs404(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.post(t, "/api/call/accept", nil)

	assert.Equal(t, http.StatusNotFound, code)
}

func TestIncomingAcceptFlow(t *testing.T) {
	env := newTestEnv(t)
	env.ringIncoming(t)

	code, snap := env.post(t, "/api/call/accept", nil)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connecting", snap.Phase)
	assert.Equal(t, "incoming", snap.Direction)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "s9", snap.Session.ID)
	assert.True(t, snap.Media.Held)
}

func TestIncomingDeclineSendsDeclined(t *testing.T) {
	env := newTestEnv(t)
	env.ringIncoming(t)

	code, snap := env.post(t, "/api/call/decline", nil)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", snap.Phase)
	assert.False(t, snap.Media.Held, "declining must not touch local media")
	assert.Equal(t, []call.EndReason{call.ReasonDeclined}, env.sig.endReasons())
}

func TestToggleAudioWhileIdleIs404(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.post(t, "/api/call/toggle-audio", nil)

	assert.Equal(t, http.StatusNotFound, code)
}

func TestToggleAudioFlipsAndSets(t *testing.T) {
	env := newTestEnv(t)
	snap := env.startCall(t)
	require.True(t, snap.Media.AudioEnabled)

	code, snap := env.post(t, "/api/call/toggle-audio", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, snap.Media.AudioEnabled, "bare toggle flips")

	code, snap = env.post(t, "/api/call/toggle-audio", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, snap.Media.AudioEnabled, "explicit enabled sets")
}

func TestToggleScreenRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.startCall(t)

	code, snap := env.post(t, "/api/call/toggle-screen", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, snap.Media.ScreenShare)

	code, snap = env.post(t, "/api/call/toggle-screen", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, snap.Media.ScreenShare)
}

func TestSelectDeviceWhileIdleStoresPreference(t *testing.T) {
	env := newTestEnv(t)

	code, snap := env.post(t, "/api/call/select-device", map[string]string{
		"kind": "videoinput", "device_id": "cam-2",
	})

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", snap.Phase)
	assert.Equal(t, "cam-2", snap.Media.VideoDeviceID)
}

func TestSelectDeviceUnknownKindRejected(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.post(t, "/api/call/select-device", map[string]string{
		"kind": "midi", "device_id": "x",
	})

	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMethodGuards(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/call/hangup")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(env.srv.URL+"/api/call/state", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// ── event stream ─────────────────────────────────────────────────────────────

// readSSEFrame reads one "event:"+"data:" frame. The caller must have armed a
// watchdog that closes the body, otherwise a missing frame blocks forever.
func readSSEFrame(t *testing.T, br *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err, "SSE stream ended early")
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func openEvents(t *testing.T, env *testEnv) *bufio.Reader {
	t.Helper()
	resp, err := http.Get(env.srv.URL + "/api/call/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	watchdog := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	t.Cleanup(func() {
		watchdog.Stop()
		resp.Body.Close()
	})
	return bufio.NewReader(resp.Body)
}

func TestEventsStreamStartsWithSnapshot(t *testing.T) {
	env := newTestEnv(t)
	br := openEvents(t, env)

	event, data := readSSEFrame(t, br)

	assert.Equal(t, "connected", event)
	assert.Contains(t, data, `"phase":"idle"`)
}

func TestEventsStreamDeliversLifecycle(t *testing.T) {
	env := newTestEnv(t)
	br := openEvents(t, env)
	readSSEFrame(t, br) // connected

	env.startCall(t)
	env.post(t, "/api/call/hangup", nil)

	var kinds []string
	var endedData string
	for i := 0; i < 10; i++ {
		event, data := readSSEFrame(t, br)
		kinds = append(kinds, event)
		if event == "ended" {
			endedData = data
			break
		}
	}

	assert.Contains(t, kinds, "phase")
	require.Contains(t, kinds, "ended")
	assert.Contains(t, endedData, `"reason":"completed"`)
}

// ── info routes ──────────────────────────────────────────────────────────────

func TestDevicesListed(t *testing.T) {
	env := newTestEnv(t)

	var devs []media.DeviceInfo
	code := env.get(t, "/api/devices", &devs)

	require.Equal(t, http.StatusOK, code)
	require.Len(t, devs, 2)
	assert.Equal(t, "mic-1", devs[0].ID)
}

func TestHistoryServesRecorded(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	require.NoError(t, env.history.Record(history.Entry{
		SessionID:      "s1",
		ConversationID: "c1",
		Type:           "video",
		Direction:      "outgoing",
		PeerID:         "u2",
		PeerName:       "Avery",
		Reason:         "completed",
		StartedAt:      now.Add(-time.Minute),
		EndedAt:        now,
		DurationSec:    42,
	}))

	var entries []history.Entry
	code := env.get(t, "/api/history", &entries)

	require.Equal(t, http.StatusOK, code)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, int64(42), entries[0].DurationSec)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "[]", strings.TrimSpace(string(raw)), "empty history must be a JSON array")
}

func TestLogsSnapshotAndTail(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.logs.Write([]byte("first line\nsecond line\n"))
	require.NoError(t, err)

	var all []LogEntry
	code := env.get(t, "/api/logs", &all)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, all, 2)

	var tail []LogEntry
	code = env.get(t, "/api/logs?n=1", &tail)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, tail, 1)
	assert.Equal(t, "second line", tail[0].Msg)
}

func TestHealthProbe(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]string
	code := env.get(t, "/api/health", &body)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "idle", body["phase"])
}

func TestMediaSocketWithoutStreamIs404(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/call/media")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/call/media?peer=nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ── surfaces ─────────────────────────────────────────────────────────────────

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t)
	stop := WatchCalls(env.calls)
	t.Cleanup(stop)

	env.startCall(t)

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body := string(raw)
		return strings.Contains(body, "sentinal_call_phase") &&
			strings.Contains(body, `sentinal_call_started_total{direction="outgoing",type="video"}`)
	}, 3*time.Second, 50*time.Millisecond, "started counter never appeared")
}

func TestDocsRendered(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/docs")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/docs/overview", resp.Request.URL.Path, "index redirects to the first page")
	assert.Contains(t, string(raw), "Sentinal")

	resp, err = http.Get(env.srv.URL + "/docs/no-such-page")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSDKServedMinified(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/sdk/sentinal-call.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/javascript")
	assert.Contains(t, string(raw), "SentinalCall")
	assert.NotContains(t, string(raw), "── intents", "comments must be minified away")
}
