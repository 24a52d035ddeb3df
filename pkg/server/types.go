package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relay-node/pkg/config"
	"github.com/relay-node/pkg/relay"
)

var (
	// ErrQueueFull is returned by a send when the connection's outbound
	// queue has no room left.
	ErrQueueFull = errors.New("server: outbound queue full")
	// ErrConnClosed is returned by a send on a connection being torn down.
	ErrConnClosed = errors.New("server: connection closed")
)

// RelayServer is the TCP transport for the relay protocol. It accepts
// sockets, asks the admitter whether to keep them and drives the returned
// handler through open, receive and close.
type RelayServer struct {
	admitter relay.Admitter
	cfg      *config.Config
	registry *prometheus.Registry

	listenLock sync.Mutex
	listener   net.Listener

	// conns tracks running connections so Close can tear them down.
	conns     map[*peerConn]struct{}
	connsLock sync.Mutex
	closed    bool
	wg        sync.WaitGroup

	// duplicate-rejection log throttling (a peer hammering us with
	// reconnects would otherwise flood the log)
	rejectLock       sync.Mutex
	rejectLastLogAt  time.Time
	rejectSuppressed int
}
