// Package sink holds the default consumer of relayed payloads: it relays
// each block and transaction to the other peers the first time it is seen.
package sink

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/relay-node/pkg/logging"
	"github.com/relay-node/pkg/metrics"
	"github.com/relay-node/pkg/relay"
	"github.com/relay-node/pkg/types"
)

const (
	DefaultSize = 10000
	DefaultTTL  = 10 * time.Minute
)

// Broadcaster fans a payload out to every peer but its origin.
type Broadcaster interface {
	BroadcastExcept(p types.Payload, origin relay.PeerIdentity)
}

// Rebroadcaster implements relay.Sink. Payloads are keyed by hash; a hash
// seen within the TTL is dropped.
type Rebroadcaster struct {
	mu   sync.Mutex
	seen *expirable.LRU[types.Hash, struct{}]

	out     Broadcaster
	metrics *metrics.Collector
}

// New creates a rebroadcaster remembering up to size hashes for ttl.
func New(size int, ttl time.Duration) *Rebroadcaster {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Rebroadcaster{seen: expirable.NewLRU[types.Hash, struct{}](size, nil, ttl)}
}

// Attach sets the broadcast target. It must be called before the relay
// starts admitting connections; the two reference each other.
func (s *Rebroadcaster) Attach(out Broadcaster, m *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = out
	s.metrics = m
}

// OnRelayedMessage implements relay.Sink.
func (s *Rebroadcaster) OnRelayedMessage(origin relay.PeerIdentity, p types.Payload) {
	hash := p.Hash()

	s.mu.Lock()
	dup := s.seen.Contains(hash)
	if !dup {
		s.seen.Add(hash, struct{}{})
	}
	out, m := s.out, s.metrics
	s.mu.Unlock()

	if dup {
		if m != nil {
			m.RecordSinkDuplicate(string(p.Kind()))
		}
		return
	}

	if p.Kind() == types.KindBlock {
		logging.Logf("%s BLOCK %s %d bytes", hash, origin, len(p.Bytes()))
	} else {
		logging.Debugf("%s TX %s %d bytes", hash, origin, len(p.Bytes()))
	}
	if out != nil {
		out.BroadcastExcept(p, origin)
	}
}

// Len returns the number of remembered hashes.
func (s *Rebroadcaster) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Len()
}
