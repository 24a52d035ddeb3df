package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relay-node/pkg/recent"
	"github.com/relay-node/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendLog records the order of sends across all fake outbounds.
type sendLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *sendLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *sendLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeOutbound struct {
	name    string
	log     *sendLog
	fail    error
	handler Handler

	mu     sync.Mutex
	closed bool
	sent   []types.Payload
	closeC chan struct{}
}

func newFakeOutbound(name string, log *sendLog) *fakeOutbound {
	return &fakeOutbound{name: name, log: log, closeC: make(chan struct{})}
}

func (f *fakeOutbound) record(p types.Payload) error {
	f.log.add(f.name)
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeOutbound) SendBlock(b *types.Block) error             { return f.record(b) }
func (f *fakeOutbound) SendTransaction(tx *types.Transaction) error { return f.record(tx) }

// Close behaves like a transport: it reports the close to the handler.
func (f *fakeOutbound) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if f.handler != nil {
		f.handler.OnClose()
	}
	close(f.closeC)
	return nil
}

func (f *fakeOutbound) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingSink struct {
	mu       sync.Mutex
	origins  []PeerIdentity
	payloads []types.Payload
}

func (s *recordingSink) OnRelayedMessage(origin PeerIdentity, p types.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origins = append(s.origins, origin)
	s.payloads = append(s.payloads, p)
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineRecorder) log(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *lineRecorder) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func newTestRelay(t *testing.T, sink Sink, opts ...Option) (*Relay, *lineRecorder) {
	t.Helper()
	lines := &lineRecorder{}
	opts = append([]Option{WithLineLogger(lines.log)}, opts...)
	return New(sink, opts...), lines
}

func ip(s string) netip.Addr { return netip.MustParseAddr(s) }

func openConn(t *testing.T, r *Relay, addr string, out *fakeOutbound) *Connection {
	t.Helper()
	h := r.TryAdmit(ip(addr), 8336)
	require.NotNil(t, h, "admission of %s rejected", addr)
	out.handler = h
	require.NoError(t, h.OnOpen(out))
	return h.(*Connection)
}

func requirePaired(t *testing.T, r *Relay) {
	t.Helper()
	conns := r.LiveConnections()
	addrs := r.LiveAddresses()
	require.Equal(t, len(conns), addrs.Cardinality())
	for _, c := range conns {
		require.True(t, addrs.Contains(c.RemoteAddr()))
	}
}

func TestAdmitOpenRejectCloseReadmit(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}

	first := openConn(t, r, "10.0.0.1", newFakeOutbound("a", log))
	assert.ElementsMatch(t, []netip.Addr{ip("10.0.0.1")}, r.LiveAddresses().ToSlice())

	assert.Nil(t, r.TryAdmit(ip("10.0.0.1"), 9999))

	first.OnClose()
	assert.Equal(t, 0, r.LiveAddresses().Cardinality())
	assert.Equal(t, 0, r.LiveCount())

	again := r.TryAdmit(ip("10.0.0.1"), 8336)
	require.NotNil(t, again)
	assert.NotSame(t, first, again)
	assert.NotEqual(t, first.Identity().Session, again.(*Connection).Identity().Session)
}

func TestAdmissionDoesNotRegisterBeforeOpen(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	h := r.TryAdmit(ip("10.0.0.1"), 1)
	require.NotNil(t, h)
	assert.Equal(t, 0, r.LiveCount())
	assert.False(t, r.LiveAddresses().Contains(ip("10.0.0.1")))
}

func TestIPv4MappedAddressesDedup(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	openConn(t, r, "10.0.0.1", newFakeOutbound("a", &sendLog{}))

	assert.Nil(t, r.TryAdmit(ip("::ffff:10.0.0.1"), 1))
}

func TestRacingAdmitsOnlyOneGoesLive(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}

	h1 := r.TryAdmit(ip("10.0.0.1"), 1)
	h2 := r.TryAdmit(ip("10.0.0.1"), 2)
	require.NotNil(t, h1)
	require.NotNil(t, h2)

	require.NoError(t, h1.OnOpen(newFakeOutbound("a", log)))
	err := h2.OnOpen(newFakeOutbound("b", log))
	require.Error(t, err)

	// The transport still reports the close of the refused socket; that
	// must leave the winner registered.
	h2.OnClose()
	assert.Equal(t, 1, r.LiveCount())
	assert.True(t, r.LiveAddresses().Contains(ip("10.0.0.1")))
	requirePaired(t, r)
}

func TestOpenAndCloseAreOneShot(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	out := newFakeOutbound("a", &sendLog{})
	c := openConn(t, r, "10.0.0.1", out)

	assert.ErrorIs(t, c.OnOpen(out), ErrNotAdmitted)
	c.OnClose()
	c.OnClose()
	assert.Equal(t, 0, r.LiveCount())
}

func TestBroadcastFollowsAcceptanceOrder(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}
	outs := []*fakeOutbound{newFakeOutbound("A", log), newFakeOutbound("B", log), newFakeOutbound("C", log)}
	for i, out := range outs {
		openConn(t, r, fmt.Sprintf("10.0.0.%d", i+1), out)
	}

	block := &types.Block{Raw: []byte("block-x")}
	r.BroadcastBlock(block)

	assert.Equal(t, []string{"A", "B", "C"}, log.snapshot())
	for _, out := range outs {
		require.Equal(t, 1, out.sentCount())
		assert.Same(t, block, out.sent[0])
	}
}

func TestBroadcastIsolatesFailingSend(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}
	a, b, c := newFakeOutbound("A", log), newFakeOutbound("B", log), newFakeOutbound("C", log)
	b.fail = errors.New("connection reset")
	openConn(t, r, "10.0.0.1", a)
	openConn(t, r, "10.0.0.2", b)
	openConn(t, r, "10.0.0.3", c)

	r.BroadcastTransaction(&types.Transaction{Raw: []byte{1}})

	assert.Equal(t, []string{"A", "B", "C"}, log.snapshot())
	assert.Equal(t, 1, a.sentCount())
	assert.Equal(t, 1, c.sentCount())

	select {
	case <-b.closeC:
	case <-time.After(2 * time.Second):
		t.Fatal("failing connection was not closed")
	}
	assert.Eventually(t, func() bool { return r.LiveCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, r.LiveAddresses().Contains(ip("10.0.0.2")))
	requirePaired(t, r)
}

func TestBroadcastSkipsClosedConnections(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}
	a := newFakeOutbound("A", log)
	b := newFakeOutbound("B", log)
	openConn(t, r, "10.0.0.1", a)
	cb := openConn(t, r, "10.0.0.2", b)
	cb.OnClose()

	r.BroadcastBlock(&types.Block{Raw: []byte{1}})
	assert.Equal(t, []string{"A"}, log.snapshot())
}

func TestReceivedPayloadsReachSinkWithOrigin(t *testing.T) {
	sink := &recordingSink{}
	r, _ := newTestRelay(t, sink)
	c := openConn(t, r, "10.0.0.1", newFakeOutbound("A", &sendLog{}))

	block := &types.Block{Raw: []byte{1}}
	tx := &types.Transaction{Raw: []byte{2}}
	c.OnBlock(block)
	c.OnTransaction(tx)

	require.Len(t, sink.payloads, 2)
	assert.Same(t, block, sink.payloads[0])
	assert.Same(t, tx, sink.payloads[1])
	assert.Equal(t, c.Identity(), sink.origins[0])
	assert.Equal(t, ProtocolMarker, sink.origins[0].Protocol)
	assert.Equal(t, ip("10.0.0.1"), sink.origins[1].Addr)
}

func TestConnectedNoticeSuppressedWithinWindow(t *testing.T) {
	mock := clock.NewMock()
	cache := recent.New(recent.DefaultCapacity, time.Hour, recent.WithClock(mock))
	r, lines := newTestRelay(t, nil, WithRecentCache(cache))

	c := openConn(t, r, "10.0.0.1", newFakeOutbound("A", &sendLog{}))
	c.LogLine(ConnectedPrefix + "protocol version 1")
	c.LogLine("peer sent us a MAX_VERSION message")
	c.OnClose()

	c2 := openConn(t, r, "10.0.0.1", newFakeOutbound("A", &sendLog{}))
	c2.LogLine(ConnectedPrefix + "protocol version 1")
	c2.OnClose()

	mock.Add(61 * time.Minute)
	c3 := openConn(t, r, "10.0.0.1", newFakeOutbound("A", &sendLog{}))
	c3.LogLine(ConnectedPrefix + "protocol version 1")

	assert.Equal(t, []string{
		"10.0.0.1: Connected to node with protocol version 1",
		"10.0.0.1: peer sent us a MAX_VERSION message",
		"10.0.0.1: Connected to node with protocol version 1",
	}, lines.all())
}

func TestConcurrentLifecycleKeepsRegistryPaired(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				addr := netip.AddrFrom4([4]byte{10, byte(w), 0, byte(i%5 + 1)})
				h := r.TryAdmit(addr, uint16(i))
				if h == nil {
					r.BroadcastBlock(&types.Block{Raw: []byte{byte(i)}})
					continue
				}
				out := newFakeOutbound("x", &sendLog{})
				out.handler = h
				if h.OnOpen(out) == nil && i%3 != 0 {
					r.BroadcastTransaction(&types.Transaction{Raw: []byte{byte(i)}})
				}
				if i%2 == 0 {
					h.OnClose()
				}
			}
		}(w)
	}
	wg.Wait()

	requirePaired(t, r)
}

func TestBroadcastExceptSkipsOrigin(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}
	openConn(t, r, "10.0.0.1", newFakeOutbound("A", log))
	b := openConn(t, r, "10.0.0.2", newFakeOutbound("B", log))
	openConn(t, r, "10.0.0.3", newFakeOutbound("C", log))

	r.BroadcastExcept(&types.Block{Raw: []byte{1}}, b.Identity())
	assert.Equal(t, []string{"A", "C"}, log.snapshot())
}

func TestBroadcastIgnoresHandleMidClose(t *testing.T) {
	t.Setenv("NODE_NAME", "n1")
	t.Setenv("POD_NAME", "p1")
	r, _ := newTestRelay(t, nil)
	log := &sendLog{}
	a := newFakeOutbound("A", log)
	b := newFakeOutbound("B", log)
	openConn(t, r, "10.0.0.1", a)
	cb := openConn(t, r, "10.0.0.2", b)

	// OnClose has flipped the state but not yet removed the handle.
	cb.state.Store(int32(stateClosed))
	require.Equal(t, 2, r.LiveCount())

	r.BroadcastBlock(&types.Block{Raw: []byte{1}})
	assert.Equal(t, []string{"A"}, log.snapshot())

	expected := `
# HELP relay_broadcast_sends_total Per-connection send attempts made by broadcasts
# TYPE relay_broadcast_sends_total counter
relay_broadcast_sends_total{kind="block",node="n1",pod="p1"} 1
# HELP relay_send_failures_total Per-connection sends that failed during broadcast
# TYPE relay_send_failures_total counter
relay_send_failures_total{kind="block",node="n1",pod="p1"} 0
`
	assert.NoError(t, testutil.CollectAndCompare(r.Collector(), strings.NewReader(expected),
		"relay_broadcast_sends_total", "relay_send_failures_total"))

	select {
	case <-b.closeC:
		t.Fatal("handle being closed was aborted again")
	case <-time.After(50 * time.Millisecond):
	}
}
