package rendezvous

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/wire"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 sample"}
}

// fakeChannel is an in-memory Channel: Send appends to outbox, Receive
// drains an inbox fed by the test, letting Client's dispatch logic be
// tested without a real WebSocket server.
type fakeChannel struct {
	mu        sync.Mutex
	outbox    []any
	inbox     chan []byte
	connected bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan []byte, 16), connected: true}
}

func (f *fakeChannel) Send(message any) error {
	f.mu.Lock()
	f.outbox = append(f.outbox, message)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Receive() ([]byte, error) {
	data, ok := <-f.inbox
	if !ok {
		return nil, assertClosedErr{}
	}
	return data, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	f.connected = false
	close(f.inbox)
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) push(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.inbox <- data
}

type assertClosedErr struct{}

func (assertClosedErr) Error() string { return "channel closed" }

func newTestClient(t *testing.T, events Events) (*Client, *fakeChannel) {
	ch := newFakeChannel()
	local := id.Random()
	c := New(local, "ws://test", events, nil)
	c.dialFn = func(string) (Channel, error) { return ch, nil }
	require.NoError(t, c.Connect())
	return c, ch
}

func TestConnectSendsRegister(t *testing.T) {
	c, ch := newTestClient(t, Events{})
	defer c.Close()

	require.Len(t, ch.outbox, 1)
	reg, ok := ch.outbox[0].(wire.RVRegister)
	require.True(t, ok)
	assert.Equal(t, wire.RVTypeRegister, reg.Type)
	assert.Equal(t, c.local.String(), reg.NodeID)
}

func TestPeerListDispatchExcludesSelf(t *testing.T) {
	var got []id.NodeID
	done := make(chan struct{})
	c, ch := newTestClient(t, Events{
		OnPeerList: func(peers []id.NodeID) {
			got = peers
			close(done)
		},
	})
	defer c.Close()

	other := id.Random()
	ch.push(t, wire.RVPeerList{Type: wire.RVTypePeerList, Peers: []string{c.local.String(), other.String()}})
	<-done

	require.Len(t, got, 1)
	assert.Equal(t, other, got[0])
}

func TestSignalDispatchInvokesOnSignal(t *testing.T) {
	var fromGot id.NodeID
	var sigGot wire.Signal
	done := make(chan struct{})
	c, ch := newTestClient(t, Events{
		OnSignal: func(from id.NodeID, sig wire.Signal) {
			fromGot, sigGot = from, sig
			close(done)
		},
	})
	defer c.Close()

	from := id.Random()
	sdp := sampleSDP()
	ch.push(t, wire.RVSignalIn{Type: wire.RVTypeSignal, ID: from.String(), Signal: wire.Signal{Kind: wire.SignalOffer, SDP: &sdp}})
	<-done

	assert.Equal(t, from, fromGot)
	assert.Equal(t, wire.SignalOffer, sigGot.Kind)
}

func TestSignalOutgoingSendsRelayFrame(t *testing.T) {
	c, ch := newTestClient(t, Events{})
	defer c.Close()
	ch.mu.Lock()
	ch.outbox = nil // clear the register frame
	ch.mu.Unlock()

	target := id.Random()
	sdp := sampleSDP()
	require.NoError(t, c.Signal(target, wire.Signal{Kind: wire.SignalOffer, SDP: &sdp}))

	require.Len(t, ch.outbox, 1)
	out, ok := ch.outbox[0].(wire.RVSignalOut)
	require.True(t, ok)
	assert.Equal(t, target.String(), out.Target)
}

func TestDisconnectFiresOnDisconnect(t *testing.T) {
	done := make(chan struct{})
	c, ch := newTestClient(t, Events{
		OnDisconnect: func(err error) { close(done) },
	})
	defer c.Close()

	ch.Close()
	<-done
}
