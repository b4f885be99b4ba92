// Package rendezvous implements the WebSocket bootstrap/signaling client
// (spec.md §4.2 "Bootstrap" and §4.5 "Rendezvous relay"): register this
// node's id, receive the current peer list, and relay SIGNAL frames to
// other nodes through the server.
//
// Grounded on github.com/nmxmxh/inos_v1's kernel/core/mesh/transport/
// signaling.go + signaling_native.go (the SignalingChannel interface and
// its gorilla/websocket-backed implementation), extended with the
// REGISTER/PEER_LIST/SIGNAL frame shapes spec.md §6.2 defines (the teacher
// speaks a different, gossip-oriented signaling dialect).
package rendezvous

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/draeder/webdht-sub000/id"
	"github.com/draeder/webdht-sub000/werrors"
	"github.com/draeder/webdht-sub000/wire"
	"github.com/gorilla/websocket"
)

// Channel is the transport a Client speaks frames over, narrowed from the
// teacher's SignalingChannel to what a rendezvous client needs.
type Channel interface {
	Send(message any) error
	Receive() ([]byte, error)
	Close() error
	IsConnected() bool
}

// wsChannel adapts a *websocket.Conn to Channel.
type wsChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dial(url string) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsChannel{conn: conn}, nil
}

func (c *wsChannel) Send(message any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return werrors.New(werrors.KindNotConnected, "rendezvous socket closed")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Receive() ([]byte, error) {
	if c.conn == nil {
		return nil, werrors.New(werrors.KindNotConnected, "rendezvous socket closed")
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *wsChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Events are the callbacks a Client invokes as frames arrive.
type Events struct {
	// OnPeerList fires with the full current peer id list whenever the
	// rendezvous server broadcasts one (spec.md §6.2 PEER_LIST).
	OnPeerList func(peers []id.NodeID)
	// OnSignal fires for a SIGNAL frame relayed from another node.
	OnSignal func(from id.NodeID, sig wire.Signal)
	// OnDisconnect fires when the rendezvous connection is lost.
	OnDisconnect func(err error)
}

// Client maintains one rendezvous WebSocket connection.
type Client struct {
	local  id.NodeID
	url    string
	events Events
	logger *slog.Logger
	dialFn func(string) (Channel, error)

	mu      sync.Mutex
	channel Channel
	closed  bool
}

// New creates a rendezvous Client for url, not yet connected.
func New(local id.NodeID, url string, events Events, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		local:  local,
		url:    url,
		events: events,
		logger: logger.With("component", "rendezvous", "url", url),
		dialFn: dial,
	}
}

// Connect dials the rendezvous server, registers the local id, and starts
// the read loop in the background.
func (c *Client) Connect() error {
	ch, err := c.dialFn(c.url)
	if err != nil {
		return werrors.Wrap(werrors.KindTransport, "dial rendezvous", err)
	}

	c.mu.Lock()
	c.channel = ch
	c.closed = false
	c.mu.Unlock()

	if err := ch.Send(wire.RVRegister{Type: wire.RVTypeRegister, NodeID: c.local.String()}); err != nil {
		_ = ch.Close()
		return werrors.Wrap(werrors.KindTransport, "register with rendezvous", err)
	}

	go c.readLoop(ch)
	return nil
}

func (c *Client) readLoop(ch Channel) {
	for {
		data, err := ch.Receive()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.events.OnDisconnect != nil {
				c.events.OnDisconnect(err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env wire.RVEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("malformed rendezvous frame", "err", err)
		return
	}

	switch env.Type {
	case wire.RVTypePeerList:
		var msg wire.RVPeerList
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("malformed peer list", "err", err)
			return
		}
		if c.events.OnPeerList == nil {
			return
		}
		peers := make([]id.NodeID, 0, len(msg.Peers))
		for _, hex := range msg.Peers {
			nid, err := id.ParseHex(hex)
			if err != nil {
				continue
			}
			if nid == c.local {
				continue
			}
			peers = append(peers, nid)
		}
		c.events.OnPeerList(peers)

	case wire.RVTypeSignal:
		var msg wire.RVSignalIn
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("malformed signal frame", "err", err)
			return
		}
		if err := msg.Signal.Validate(); err != nil {
			c.logger.Debug("invalid relayed signal", "err", err)
			return
		}
		from, err := id.ParseHex(msg.ID)
		if err != nil {
			c.logger.Debug("malformed signal sender id", "err", err)
			return
		}
		if c.events.OnSignal != nil {
			c.events.OnSignal(from, msg.Signal)
		}

	case wire.RVTypeRegistered:
		// acknowledgement only, nothing to do

	default:
		c.logger.Debug("unknown rendezvous frame type", "type", env.Type)
	}
}

// RequestPeers asks the rendezvous server for the current peer list.
func (c *Client) RequestPeers() error {
	ch := c.current()
	if ch == nil {
		return werrors.New(werrors.KindNotConnected, "rendezvous not connected")
	}
	return ch.Send(wire.RVGetPeers{Type: wire.RVTypeGetPeers})
}

// Signal relays sig to target via the rendezvous server (spec.md §4.5,
// offer/answer/ice-candidate always go via rendezvous).
func (c *Client) Signal(target id.NodeID, sig wire.Signal) error {
	ch := c.current()
	if ch == nil {
		return werrors.New(werrors.KindNotConnected, "rendezvous not connected")
	}
	return ch.Send(wire.RVSignalOut{Type: wire.RVTypeSignal, Target: target.String(), Signal: sig})
}

func (c *Client) current() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil || !c.channel.IsConnected() {
		return nil
	}
	return c.channel
}

// Close terminates the rendezvous connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

// Reconnect retries Connect with exponential backoff until it succeeds or
// stop is closed, mirroring the teacher's reconnect-with-backoff approach
// to a dropped signaling socket.
func (c *Client) Reconnect(stop <-chan struct{}, initial, max time.Duration) {
	backoff := initial
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := c.Connect(); err == nil {
			return
		}
		select {
		case <-time.After(backoff):
		case <-stop:
			return
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
}
