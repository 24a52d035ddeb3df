package relay

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// ProtocolMarker tags identities of peers speaking the relay protocol as
// opposed to the full peer-to-peer protocol.
const ProtocolMarker = "RelayNodeProtocol"

// PeerIdentity is the token handed to the message sink with every relayed
// payload so it can tell which connection the payload came from. Session
// differs for every admitted connection, so a reconnect from the same
// address yields a distinct identity.
type PeerIdentity struct {
	Addr     netip.Addr
	Protocol string
	Session  uuid.UUID
}

func newPeerIdentity(addr netip.Addr) PeerIdentity {
	return PeerIdentity{Addr: addr, Protocol: ProtocolMarker, Session: uuid.New()}
}

func (p PeerIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Addr, p.Protocol, p.Session.String()[:8])
}
