package relay

import (
	"net/netip"

	"github.com/relay-node/pkg/types"
)

// Sink receives every block and transaction decoded from a relay peer. It
// is called synchronously from the connection's receive path. Excluding
// the origin when re-broadcasting is the sink's business.
type Sink interface {
	OnRelayedMessage(origin PeerIdentity, payload types.Payload)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(origin PeerIdentity, payload types.Payload)

func (f SinkFunc) OnRelayedMessage(origin PeerIdentity, payload types.Payload) { f(origin, payload) }

// Outbound is the send side a transport hands to a handler once the
// connection is open. Sends must not block on the network; Close tears the
// connection down and eventually leads to the handler's OnClose.
type Outbound interface {
	SendBlock(b *types.Block) error
	SendTransaction(tx *types.Transaction) error
	Close() error
}

// Handler is what the transport drives for an admitted connection. OnOpen
// and OnClose are called exactly once each, in that order. A non-nil error
// from OnOpen tells the transport to drop the socket; OnClose is still
// called afterwards.
type Handler interface {
	OnOpen(out Outbound) error
	OnClose()
	OnBlock(b *types.Block)
	OnTransaction(tx *types.Transaction)
	// LogLine receives human readable connection diagnostics.
	LogLine(line string)
}

// Admitter decides per inbound socket whether to accept it. A nil Handler
// means reject.
type Admitter interface {
	TryAdmit(addr netip.Addr, port uint16) Handler
}
