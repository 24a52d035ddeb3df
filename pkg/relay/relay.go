// Package relay admits inbound relay-protocol connections, keeps the live
// connection registry and fans blocks and transactions out to every live
// peer.
package relay

import (
	"errors"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/relay-node/pkg/logging"
	"github.com/relay-node/pkg/metrics"
	"github.com/relay-node/pkg/recent"
	"github.com/relay-node/pkg/registry"
	"github.com/relay-node/pkg/types"
)

// Relay is the admission gate and broadcast hub. It is safe for concurrent
// use by any number of connection goroutines and broadcasters.
type Relay struct {
	registry *registry.Registry[*Connection]
	recent   *recent.Cache
	sink     Sink
	logLine  func(string)
	metrics  *metrics.Collector
}

// Option customizes a Relay.
type Option func(*Relay)

// WithRecentCache replaces the default one-hour, 100-host cache.
func WithRecentCache(c *recent.Cache) Option {
	return func(r *Relay) { r.recent = c }
}

// WithLineLogger sets the diagnostic sink for connection lines.
func WithLineLogger(fn func(string)) Option {
	return func(r *Relay) { r.logLine = fn }
}

// WithoutMetrics disables the built-in collector.
func WithoutMetrics() Option {
	return func(r *Relay) { r.metrics = nil }
}

// New creates a relay that forwards received payloads to sink.
func New(sink Sink, opts ...Option) *Relay {
	r := &Relay{
		registry: registry.New[*Connection](),
		sink:     sink,
		logLine:  logging.LineLogger(),
	}
	r.metrics = metrics.NewCollector(r.LiveCount, func() int { return r.recent.Len() })
	for _, opt := range opts {
		opt(r)
	}
	if r.recent == nil {
		r.recent = recent.New(recent.DefaultCapacity, recent.DefaultTTL)
	}
	return r
}

// Collector exposes the relay's prometheus collector, nil when disabled.
func (r *Relay) Collector() *metrics.Collector { return r.metrics }

// TryAdmit accepts a new connection from addr unless that host already has
// a live one. Admission does not touch the registry; the handle registers
// itself when the transport reports it open. Two attempts racing between
// admission and open are settled in OnOpen, where the loser gets an error.
func (r *Relay) TryAdmit(addr netip.Addr, port uint16) Handler {
	addr = addr.Unmap()
	if r.registry.Contains(addr) {
		if r.metrics != nil {
			r.metrics.RecordAdmission(metrics.AdmitDuplicate)
		}
		logging.Debugf("[relay] rejecting duplicate connection (remote=%s:%d)", addr, port)
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecordAdmission(metrics.AdmitAccepted)
	}
	return newConnection(r, addr, port)
}

// BroadcastBlock sends b to every live connection.
func (r *Relay) BroadcastBlock(b *types.Block) {
	r.broadcast(b, nil)
}

// BroadcastTransaction sends tx to every live connection.
func (r *Relay) BroadcastTransaction(tx *types.Transaction) {
	r.broadcast(tx, nil)
}

// BroadcastExcept sends p to every live connection other than the one
// identified by origin. Sinks use it to avoid echoing a payload back to
// the peer that relayed it.
func (r *Relay) BroadcastExcept(p types.Payload, origin PeerIdentity) {
	r.broadcast(p, &origin)
}

// LiveAddresses returns a copy of the hosts that currently hold a live
// connection.
func (r *Relay) LiveAddresses() mapset.Set[netip.Addr] {
	return r.registry.Addresses()
}

// LiveConnections returns the live handles in acceptance order.
func (r *Relay) LiveConnections() []*Connection {
	return r.registry.Handles()
}

// LiveCount returns the number of live connections.
func (r *Relay) LiveCount() int {
	return r.registry.Len()
}

// broadcast attempts one send per live handle while holding the registry
// read lock. Sends only enqueue, so the lock is held briefly. A failed send
// closes that connection from a separate goroutine since the close path
// needs the registry write lock.
func (r *Relay) broadcast(p types.Payload, skip *PeerIdentity) {
	type failure struct {
		conn *Connection
		err  error
	}
	var (
		attempts int
		failed   []failure
	)
	r.registry.Each(func(c *Connection) {
		if skip != nil && c.identity == *skip {
			return
		}
		err := c.send(p)
		if errors.Is(err, ErrNotLive) {
			// closing, about to leave the registry
			return
		}
		attempts++
		if err != nil {
			failed = append(failed, failure{c, err})
			go c.abort(err)
		}
	})

	for _, f := range failed {
		logging.Debugf("[relay] send failed (remote=%s kind=%s err=%v)", f.conn, p.Kind(), f.err)
	}
	if r.metrics != nil {
		r.metrics.RecordBroadcast(string(p.Kind()), attempts, len(failed))
	}
}

func (r *Relay) deliver(c *Connection, p types.Payload) {
	if r.metrics != nil {
		r.metrics.RecordReceived(string(p.Kind()))
	}
	if r.sink != nil {
		r.sink.OnRelayedMessage(c.identity, p)
	}
}
