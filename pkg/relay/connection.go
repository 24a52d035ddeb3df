package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/relay-node/pkg/logging"
	"github.com/relay-node/pkg/types"
)

// ConnectedPrefix starts the diagnostic line emitted once a peer finished
// the version exchange. It is the line rate limited per host.
const ConnectedPrefix = "Connected to node with "

var (
	ErrNotAdmitted = errors.New("relay: connection is not in the admitted state")
	ErrNotLive     = errors.New("relay: connection is not live")
)

type connState int32

const (
	stateAdmitted connState = iota
	stateLive
	stateClosed
)

// Connection is the handle for one admitted relay peer. It is created by
// Relay.TryAdmit, joins the registry in OnOpen and leaves it in OnClose.
// Handles are never reused.
type Connection struct {
	relay    *Relay
	addr     netip.Addr
	port     uint16
	identity PeerIdentity

	state atomic.Int32
	// out is written once in OnOpen before the handle is published to the
	// registry and only read by registry iteration after that.
	out Outbound
}

func newConnection(r *Relay, addr netip.Addr, port uint16) *Connection {
	return &Connection{
		relay:    r,
		addr:     addr,
		port:     port,
		identity: newPeerIdentity(addr),
	}
}

// RemoteAddr returns the remote host this handle is bound to.
func (c *Connection) RemoteAddr() netip.Addr { return c.addr }

// Port returns the remote port the connection came from.
func (c *Connection) Port() uint16 { return c.port }

// Identity returns the token attached to payloads relayed from this peer.
func (c *Connection) Identity() PeerIdentity { return c.identity }

// Live reports whether the handle is registered and not yet closed.
func (c *Connection) Live() bool { return connState(c.state.Load()) == stateLive }

func (c *Connection) String() string {
	return fmt.Sprintf("%s:%d", c.addr, c.port)
}

func (c *Connection) OnOpen(out Outbound) error {
	if !c.state.CompareAndSwap(int32(stateAdmitted), int32(stateLive)) {
		return ErrNotAdmitted
	}
	c.out = out
	if err := c.relay.registry.Add(c); err != nil {
		// Another connection from this host went live between admission
		// and open.
		c.state.Store(int32(stateClosed))
		if m := c.relay.metrics; m != nil {
			m.RecordOpenRejected()
		}
		logging.Debugf("[relay] open refused (remote=%s err=%v)", c, err)
		return fmt.Errorf("open %s: %w", c, err)
	}
	if m := c.relay.metrics; m != nil {
		m.RecordOpened()
	}
	logging.Debugf("[relay] connection live (remote=%s identity=%s)", c, c.identity)
	return nil
}

func (c *Connection) OnClose() {
	if connState(c.state.Swap(int32(stateClosed))) == stateClosed {
		return
	}
	if c.relay.registry.Remove(c) {
		if m := c.relay.metrics; m != nil {
			m.RecordClosed()
		}
		logging.Debugf("[relay] connection closed (remote=%s)", c)
	}
}

func (c *Connection) OnBlock(b *types.Block) {
	c.relay.deliver(c, b)
}

func (c *Connection) OnTransaction(tx *types.Transaction) {
	c.relay.deliver(c, tx)
}

// LogLine forwards a diagnostic line prefixed with the remote host. The
// connected notice is written once per host per recent-host window.
func (c *Connection) LogLine(line string) {
	if strings.HasPrefix(line, ConnectedPrefix) && c.relay.recent.SeenOrMark(c.addr) {
		return
	}
	c.relay.logLine(c.addr.String() + ": " + line)
}

func (c *Connection) send(p types.Payload) error {
	if !c.Live() {
		return ErrNotLive
	}
	switch v := p.(type) {
	case *types.Block:
		return c.out.SendBlock(v)
	case *types.Transaction:
		return c.out.SendTransaction(v)
	default:
		return fmt.Errorf("relay: unsupported payload %T", p)
	}
}

// abort closes the transport after a failed send. The transport reports
// back through OnClose.
func (c *Connection) abort(cause error) {
	if c.out == nil {
		return
	}
	if err := c.out.Close(); err != nil {
		logging.Debugf("[relay] close after send failure (remote=%s cause=%v err=%v)", c, cause, err)
	}
}
