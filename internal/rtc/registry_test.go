package rtc

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu       sync.Mutex
	closes   int
	closeErr error
	state    webrtc.PeerConnectionState
}

func (f *fakeLink) Bind(Callbacks)                   {}
func (f *fakeLink) Attach([]webrtc.TrackLocal) error { return nil }

func (f *fakeLink) Offer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}, nil
}

func (f *fakeLink) Answer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}, nil
}

func (f *fakeLink) AcceptAnswer(webrtc.SessionDescription) error { return nil }
func (f *fakeLink) AddCandidate(webrtc.ICECandidateInit) error   { return nil }
func (f *fakeLink) ReplaceTrack(webrtc.TrackLocal) error         { return nil }
func (f *fakeLink) RequestKeyframe(uint32) error                 { return nil }

func (f *fakeLink) State() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeLink) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func TestRegistryUpsertClosesDisplacedLink(t *testing.T) {
	r := NewRegistry()
	first := &fakeLink{}
	second := &fakeLink{}

	r.Upsert("peer-a", first)
	r.Upsert("peer-a", second)

	assert.Equal(t, 1, first.closeCount(), "displaced link must be closed")
	assert.Zero(t, second.closeCount())
	got, ok := r.Get("peer-a")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveUnknownPeer(t *testing.T) {
	r := NewRegistry()
	r.Remove("nobody") // no-op, must not panic
	assert.Zero(t, r.Len())
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := &fakeLink{}
	b := &fakeLink{closeErr: errors.New("dtls teardown")}
	r.Upsert("peer-a", a)
	r.Upsert("peer-b", b)

	err := r.CloseAll()
	require.Error(t, err)
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
	assert.Zero(t, r.Len(), "registry is empty even when a close fails")

	require.NoError(t, r.CloseAll(), "second CloseAll is a no-op")
	assert.Equal(t, 1, a.closeCount())
}

func TestRemoteStreamsLifecycle(t *testing.T) {
	rs := NewRemoteStreams()
	var changes int
	rs.Bind(func() { changes++ })

	m, created := rs.ensure("peer-a")
	require.True(t, created)
	require.NotNil(t, m)
	_, created = rs.ensure("peer-a")
	assert.False(t, created, "second track for the same peer reuses the mux")

	got, ok := rs.Stream("peer-a")
	require.True(t, ok)
	assert.Same(t, m, got)

	rs.ensure("peer-b")
	assert.Equal(t, []string{"peer-a", "peer-b"}, rs.Keys())

	rs.Clear("peer-a")
	assert.Equal(t, []string{"peer-b"}, rs.Keys())
	assert.Equal(t, 1, changes, "clear notifies")
	_, ok = rs.Stream("peer-a")
	assert.False(t, ok)

	rs.Clear("peer-a") // already gone: no extra notification
	assert.Equal(t, 1, changes)

	rs.ClearAll()
	assert.Empty(t, rs.Keys())
	assert.Equal(t, 2, changes)

	rs.ClearAll() // empty: no notification
	assert.Equal(t, 2, changes)
}
