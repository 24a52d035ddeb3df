package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/relay-node/pkg/logging"
	"go.uber.org/multierr"
)

const proxyHeaderTimeout = 10 * time.Second

// StartListener listens on bindAddr and serves until ctx is done. A listen
// failure is returned immediately.
func (s *RelayServer) StartListener(ctx context.Context, bindAddr string) error {
	if err := s.Listen(bindAddr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the relay listener without accepting yet.
func (s *RelayServer) Listen(bindAddr string) error {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	s.listenLock.Lock()
	s.listener = listener
	s.listenLock.Unlock()

	logging.Logf("[listen] relay addr=%s", listener.Addr())
	return nil
}

// Addr returns the bound listener address, nil before Listen.
func (s *RelayServer) Addr() net.Addr {
	s.listenLock.Lock()
	defer s.listenLock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed.
func (s *RelayServer) Serve(ctx context.Context) error {
	s.listenLock.Lock()
	listener := s.listener
	s.listenLock.Unlock()
	if listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	var retryDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// back off on persistent failures such as EMFILE
			retryDelay = nextAcceptDelay(retryDelay)
			logging.Logf("Error accepting connection: %v; retrying in %v", err, retryDelay)
			t := time.NewTimer(retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		retryDelay = 0

		// wg.Add happens under connsLock so Close cannot reach Wait
		// between Accept and Add.
		s.connsLock.Lock()
		if s.closed {
			s.connsLock.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.connsLock.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	if next := prev * 2; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}

// Close stops the listener, closes every running connection and waits for
// their handlers to finish.
func (s *RelayServer) Close() error {
	var err error

	s.listenLock.Lock()
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.listenLock.Unlock()

	s.connsLock.Lock()
	s.closed = true
	conns := make([]*peerConn, 0, len(s.conns))
	for p := range s.conns {
		conns = append(conns, p)
	}
	s.connsLock.Unlock()
	for _, p := range conns {
		err = multierr.Append(err, p.Close())
	}

	s.wg.Wait()
	return err
}

func (s *RelayServer) handleConnection(ctx context.Context, conn net.Conn) {
	remote, err := addrPortOf(conn.RemoteAddr())
	if err != nil {
		logging.Logf("[accept] unusable remote address %v: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	reader := bufio.NewReader(conn)
	if s.cfg.Relay.ProxyProtocol {
		src, info, err := readProxyHeader(conn, reader, proxyHeaderTimeout)
		if err != nil {
			logging.Logf("[accept] Error reading PROXY header (remote=%s): %v", remote, err)
			_ = conn.Close()
			return
		}
		if info != "" {
			logging.Debugf("[accept][debug] %s remote=%s", info, remote)
		}
		if src.IsValid() {
			remote = src
		}
	}

	handler := s.admitter.TryAdmit(remote.Addr(), remote.Port())
	if handler == nil {
		s.logRejected(remote)
		_ = conn.Close()
		return
	}

	p := newPeerConn(ctx, s, conn, reader, remote, handler)
	s.connsLock.Lock()
	if s.closed {
		s.connsLock.Unlock()
		// still walk the handler through open and close
		_ = p.Close()
	} else {
		s.conns[p] = struct{}{}
		s.connsLock.Unlock()
	}
	defer func() {
		s.connsLock.Lock()
		delete(s.conns, p)
		s.connsLock.Unlock()
	}()

	p.run()
}

func (s *RelayServer) logRejected(remote netip.AddrPort) {
	now := time.Now()

	s.rejectLock.Lock()
	defer s.rejectLock.Unlock()

	// Log at most once per 5s; count suppressed events.
	const window = 5 * time.Second
	if !s.rejectLastLogAt.IsZero() && now.Sub(s.rejectLastLogAt) < window {
		s.rejectSuppressed++
		return
	}

	if s.rejectSuppressed > 0 {
		logging.Logf(
			"[accept] rejected duplicate connection (remote=%s) (suppressed=%d in last=%s)",
			remote,
			s.rejectSuppressed,
			now.Sub(s.rejectLastLogAt).Truncate(time.Second),
		)
	} else {
		logging.Logf("[accept] rejected duplicate connection (remote=%s)", remote)
	}

	s.rejectSuppressed = 0
	s.rejectLastLogAt = now
}

func addrPortOf(a net.Addr) (netip.AddrPort, error) {
	if a == nil {
		return netip.AddrPort{}, errors.New("nil address")
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		if !ap.IsValid() {
			return netip.AddrPort{}, fmt.Errorf("invalid tcp address %s", tcp)
		}
		return ap, nil
	}
	return netip.ParseAddrPort(a.String())
}
