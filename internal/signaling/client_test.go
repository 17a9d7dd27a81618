package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsHub is a minimal stand-in for the backend signaling hub.
type wsHub struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	inbound chan Message
	auth    chan string
}

func newWSHub(t *testing.T) *wsHub {
	h := &wsHub{
		conns:   make(chan *websocket.Conn, 4),
		inbound: make(chan Message, 16),
		auth:    make(chan string, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case h.auth <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			h.inbound <- msg
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

func TestClientDeliversInboundMessages(t *testing.T) {
	hub := newWSHub(t)
	c := New(hub.url(), StaticToken("tok"))
	c.Start(context.Background())
	defer c.Close()

	sub, cancel := c.Subscribe()
	defer cancel()

	conn := wait(t, hub.conns, "connection")
	require.NoError(t, conn.WriteJSON(Message{
		Type:     TypeOffer,
		CallID:   "call-1",
		SenderID: "peer-a",
		CallType: "video",
		SDP:      "v=0",
	}))

	msg := wait(t, sub, "offer")
	assert.Equal(t, TypeOffer, msg.Type)
	assert.Equal(t, "call-1", msg.CallID)
	assert.Equal(t, "peer-a", msg.SenderID)
	assert.Equal(t, "video", msg.CallType)
	assert.Equal(t, "v=0", msg.SDP)
}

func TestClientSendsBearerAndStampsTimestamp(t *testing.T) {
	hub := newWSHub(t)
	c := New(hub.url(), StaticToken("secret-token"))
	c.Start(context.Background())
	defer c.Close()

	auth := wait(t, hub.auth, "auth header")
	assert.Equal(t, "Bearer secret-token", auth)

	require.NoError(t, c.Send(Message{Type: TypeEnd, CallID: "call-9", Reason: "completed"}))
	got := wait(t, hub.inbound, "end message")
	assert.Equal(t, TypeEnd, got.Type)
	assert.Equal(t, "call-9", got.CallID)
	assert.False(t, got.Timestamp.IsZero(), "Send stamps a timestamp")
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	hub := newWSHub(t)
	c := New(hub.url(), StaticToken("tok"))

	updown := make(chan bool, 8)
	c.OnConnectivity(func(up bool) { updown <- up })
	c.Start(context.Background())
	defer c.Close()

	conn := wait(t, hub.conns, "first connection")
	assert.True(t, wait(t, updown, "up"))

	conn.Close()
	assert.False(t, wait(t, updown, "down"))
	wait(t, hub.conns, "second connection")
	assert.True(t, wait(t, updown, "up again"))
}

func TestClientQueuesWhileDisconnected(t *testing.T) {
	// Dial a port nobody listens on; messages must queue, not fail.
	c := New("ws://127.0.0.1:1/ws", StaticToken("tok"))
	require.NoError(t, c.Send(Message{Type: TypeICE, CallID: "call-1"}))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(Message{Type: TypeICE}), ErrClosed)
}

func TestCloseClosesSubscribers(t *testing.T) {
	hub := newWSHub(t)
	c := New(hub.url(), StaticToken("tok"))
	c.Start(context.Background())

	sub, cancel := c.Subscribe()
	defer cancel()
	wait(t, hub.conns, "connection")

	require.NoError(t, c.Close())
	_, ok := <-sub
	assert.False(t, ok, "subscriber channel closed on Close")
}

func TestFileToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("  abc.def.ghi\n"), 0o600))

	tok, err := FileToken(path)()
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))
	_, err = FileToken(path)()
	assert.Error(t, err, "empty token file must fail")

	_, err = FileToken(filepath.Join(dir, "missing"))()
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	got, err := TokenExpiry(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(exp), "expiry read without verification")

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "user-1",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	got, err = TokenExpiry(noExp)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = TokenExpiry("not-a-jwt")
	assert.Error(t, err)
}
