// Package agent — swaggo annotation stubs.
// Each function below is a documentation stub only; the real handler logic
// lives in the closures passed to handlePost/handleGet in routes.go.
// Run `go generate` from the project root to regenerate ./docs/.
package agent

// ── Request / Response types ─────────────────────────────────────────────────

// callStartRequest is the body for POST /api/call/start.
type callStartRequest struct {
	ConversationID string `json:"conversation_id" example:"t4ab91c2"`
	PeerID         string `json:"peer_id"         example:"u7c2ff01"`
	PeerName       string `json:"peer_name"       example:"Avery"`
	Type           string `json:"type"            example:"video"`
}

// toggleRequest is the optional body for toggle-audio / toggle-video.
// Omit enabled (or the whole body) to flip the current value.
type toggleRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// selectDeviceRequest is the body for POST /api/call/select-device.
type selectDeviceRequest struct {
	Kind     string `json:"kind"      example:"videoinput"`
	DeviceID string `json:"device_id" example:"cam-front"`
}

// callSessionBody mirrors call.Session inside a snapshot.
type callSessionBody struct {
	ID             string `json:"id"              example:"c91f2a"`
	ConversationID string `json:"conversation_id" example:"t4ab91c2"`
	Type           string `json:"type"            example:"video"`
	Status         string `json:"status"          example:"active"`
	PeerID         string `json:"peer_id"         example:"u7c2ff01"`
	PeerName       string `json:"peer_name"       example:"Avery"`
}

// callMediaState mirrors media.State inside a snapshot.
type callMediaState struct {
	Held          bool   `json:"held"`
	AudioEnabled  bool   `json:"audio_enabled"  example:"true"`
	VideoEnabled  bool   `json:"video_enabled"  example:"true"`
	ScreenShare   bool   `json:"screen_share"`
	AudioDeviceID string `json:"audio_device_id"`
	VideoDeviceID string `json:"video_device_id"`
}

// callSnapshot mirrors call.Snapshot, the body returned by every intent and
// by GET /api/call/state.
type callSnapshot struct {
	Phase        string           `json:"phase"     example:"active"`
	Session      *callSessionBody `json:"session,omitempty"`
	Direction    string           `json:"direction" example:"outgoing"`
	Participants []any            `json:"participants"`
	Media        callMediaState   `json:"media"`
	RemotePeers  []string         `json:"remote_peers"`
}

// deviceInfo mirrors media.DeviceInfo.
type deviceInfo struct {
	ID    string `json:"id"    example:"cam-front"`
	Label string `json:"label" example:"Front Camera"`
	Kind  string `json:"kind"  example:"video"`
}

// historyEntry mirrors history.Entry.
type historyEntry struct {
	ID             int64   `json:"id"              example:"42"`
	SessionID      string  `json:"session_id"      example:"c91f2a"`
	ConversationID string  `json:"conversation_id" example:"t4ab91c2"`
	Type           string  `json:"type"            example:"video"`
	Direction      string  `json:"direction"       example:"outgoing"`
	PeerID         string  `json:"peer_id"         example:"u7c2ff01"`
	PeerName       string  `json:"peer_name"       example:"Avery"`
	Reason         string  `json:"reason"          example:"completed"`
	StartedAt      string  `json:"started_at"`
	ConnectedAt    *string `json:"connected_at,omitempty"`
	EndedAt        string  `json:"ended_at"`
	DurationSec    int64   `json:"duration_sec"    example:"184"`
}

// logLine mirrors agent.LogEntry.
type logLine struct {
	TS        string `json:"ts"`
	Level     string `json:"level,omitempty"     example:"info"`
	Subsystem string `json:"subsystem,omitempty" example:"call"`
	Msg       string `json:"msg"                 example:"phase idle -> outgoing"`
}

// healthBody is the body for GET /api/health.
type healthBody struct {
	Status  string `json:"status"  example:"ok"`
	Version string `json:"version" example:"dev"`
	Phase   string `json:"phase"   example:"idle"`
}

// ── Call intents ─────────────────────────────────────────────────────────────

// swagCallState is a documentation stub for GET /api/call/state.
//
//	@Summary	Current call state snapshot
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	callSnapshot
//	@Router		/api/call/state [get]
func swagCallState() {}

// swagCallStart is a documentation stub for POST /api/call/start.
//
//	@Summary	Start an outgoing call
//	@Description	Acquires local media, creates the backend call record and rings the peer.\nRejected with 409 while another call is in progress.
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		callStartRequest	true	"Start request"
//	@Success	200		{object}	callSnapshot
//	@Failure	400		{string}	string	"missing conversation_id or peer_id"
//	@Failure	409		{string}	string	"call already in progress"
//	@Router		/api/call/start [post]
func swagCallStart() {}

// swagCallAccept is a documentation stub for POST /api/call/accept.
//
//	@Summary	Accept the ringing incoming call
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	callSnapshot
//	@Failure	404	{string}	string	"no incoming call"
//	@Router		/api/call/accept [post]
func swagCallAccept() {}

// swagCallDecline is a documentation stub for POST /api/call/decline.
//
//	@Summary	Decline the ringing incoming call
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	callSnapshot
//	@Failure	404	{string}	string	"no incoming call"
//	@Router		/api/call/decline [post]
func swagCallDecline() {}

// swagCallHangup is a documentation stub for POST /api/call/hangup.
//
//	@Summary	Hang up the current call
//	@Description	Idempotent: hanging up with nothing in progress returns the idle snapshot.
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	callSnapshot
//	@Router		/api/call/hangup [post]
func swagCallHangup() {}

// swagCallToggleAudio is a documentation stub for POST /api/call/toggle-audio.
//
//	@Summary	Toggle or set the microphone
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		toggleRequest	false	"Omit to flip"
//	@Success	200		{object}	callSnapshot
//	@Failure	404		{string}	string	"no active call"
//	@Router		/api/call/toggle-audio [post]
func swagCallToggleAudio() {}

// swagCallToggleVideo is a documentation stub for POST /api/call/toggle-video.
//
//	@Summary	Toggle or set the camera
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		toggleRequest	false	"Omit to flip"
//	@Success	200		{object}	callSnapshot
//	@Failure	404		{string}	string	"no active call"
//	@Router		/api/call/toggle-video [post]
func swagCallToggleVideo() {}

// swagCallToggleScreen is a documentation stub for POST /api/call/toggle-screen.
//
//	@Summary	Start or stop screen sharing
//	@Description	Starts capture when off, restores the camera when on.
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	callSnapshot
//	@Failure	404	{string}	string	"no active call"
//	@Router		/api/call/toggle-screen [post]
func swagCallToggleScreen() {}

// swagCallSelectDevice is a documentation stub for POST /api/call/select-device.
//
//	@Summary	Switch capture device mid-call
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		selectDeviceRequest	true	"Device selection"
//	@Success	200		{object}	callSnapshot
//	@Failure	400		{string}	string	"unknown device kind"
//	@Router		/api/call/select-device [post]
func swagCallSelectDevice() {}

// swagCallEvents is a documentation stub for GET /api/call/events.
//
//	@Summary	SSE stream — engine events
//	@Description	First frame is 'event: connected' carrying the current snapshot.\nAfter that every engine event arrives as 'event: {kind}' with JSON body {kind, snapshot, reason?, duration_seconds?}.\nKinds: phase, incoming, participant, media, stream, ended.
//	@Tags		call
//	@Produce	text/event-stream
//	@Success	200	{string}	string	"SSE stream"
//	@Router		/api/call/events [get]
func swagCallEvents() {}

// swagCallMedia is a documentation stub for GET /api/call/media.
//
//	@Summary	WebSocket — remote media as live WebM
//	@Description	Binary WebM over WebSocket: the first message is the init segment, every following message a cluster.\nFeed the messages to an MSE SourceBuffer of type video/webm; codecs="vp8, opus".
//	@Tags		call
//	@Param		peer	query		string	false	"Participant ID (default: first remote stream)"
//	@Success	101		{string}	string	"WebSocket upgrade"
//	@Failure	404		{string}	string	"no remote stream"
//	@Router		/api/call/media [get]
func swagCallMedia() {}

// ── Devices / history / logs ─────────────────────────────────────────────────

// swagDevices is a documentation stub for GET /api/devices.
//
//	@Summary	List capture devices
//	@Tags		devices
//	@Produce	json
//	@Success	200	{array}	deviceInfo
//	@Router		/api/devices [get]
func swagDevices() {}

// swagHistory is a documentation stub for GET /api/history.
//
//	@Summary	Finished calls, newest first
//	@Tags		history
//	@Produce	json
//	@Param		limit	query		int	false	"Max entries (default 50)"
//	@Success	200		{array}		historyEntry
//	@Router		/api/history [get]
func swagHistory() {}

// swagLogs is a documentation stub for GET /api/logs.
//
//	@Summary	Snapshot of recent engine log lines
//	@Tags		logs
//	@Produce	json
//	@Param		n	query		int	false	"Tail only the newest n lines"
//	@Success	200	{array}		logLine
//	@Router		/api/logs [get]
func swagLogs() {}

// swagLogsStream is a documentation stub for GET /api/logs/stream.
//
//	@Summary	SSE stream of new engine log lines
//	@Tags		logs
//	@Produce	text/event-stream
//	@Success	200	{string}	string	"SSE stream"
//	@Router		/api/logs/stream [get]
func swagLogsStream() {}

// swagHealth is a documentation stub for GET /api/health.
//
//	@Summary	Liveness probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	healthBody
//	@Router		/api/health [get]
func swagHealth() {}
