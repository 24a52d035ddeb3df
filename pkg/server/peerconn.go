package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/relay-node/pkg/logging"
	"github.com/relay-node/pkg/protocol"
	"github.com/relay-node/pkg/relay"
	"github.com/relay-node/pkg/types"
	"golang.org/x/sync/errgroup"
)

type outMsg struct {
	typ     protocol.MsgType
	payload []byte
}

// peerConn is one admitted socket. It implements relay.Outbound for the
// handler it drives.
type peerConn struct {
	server  *RelayServer
	conn    net.Conn
	reader  *bufio.Reader
	remote  netip.AddrPort
	handler relay.Handler

	outbound chan outMsg
	// ready is closed once the version exchange completed; queued
	// payloads are held back until then.
	ready     chan struct{}
	readyOnce sync.Once
	writeMu   sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func newPeerConn(ctx context.Context, s *RelayServer, conn net.Conn, reader *bufio.Reader, remote netip.AddrPort, handler relay.Handler) *peerConn {
	ctx, cancel := context.WithCancel(ctx)
	queue := s.cfg.Relay.SendQueueSize
	if queue <= 0 {
		queue = 64
	}
	return &peerConn{
		server:   s,
		conn:     conn,
		reader:   reader,
		remote:   remote,
		handler:  handler,
		outbound: make(chan outMsg, queue),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *peerConn) SendBlock(b *types.Block) error {
	return p.enqueue(protocol.MsgBlock, b.Raw)
}

func (p *peerConn) SendTransaction(tx *types.Transaction) error {
	return p.enqueue(protocol.MsgTransaction, tx.Raw)
}

// Close tears the socket down. Safe to call from any goroutine, any
// number of times.
func (p *peerConn) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.closeErr = err
		}
	})
	return p.closeErr
}

func (p *peerConn) enqueue(t protocol.MsgType, payload []byte) error {
	select {
	case <-p.ctx.Done():
		return ErrConnClosed
	default:
	}

	select {
	case p.outbound <- outMsg{typ: t, payload: payload}:
		return nil
	case <-p.ctx.Done():
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// run drives the handler through its lifecycle: OnOpen, the read and write
// loops, then OnClose exactly once.
func (p *peerConn) run() {
	defer p.handler.OnClose()

	if err := p.handler.OnOpen(p); err != nil {
		logging.Debugf("[conn] open refused (remote=%s err=%v)", p.remote, err)
		_ = p.Close()
		return
	}

	g, ctx := errgroup.WithContext(p.ctx)
	g.Go(func() error { return p.readLoop() })
	g.Go(func() error { return p.writeLoop(ctx) })
	g.Go(func() error {
		// unblocks the reader once anything else stops
		<-ctx.Done()
		return p.Close()
	})
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		p.handler.LogLine(fmt.Sprintf("Disconnected from node: %v", err))
	} else {
		p.handler.LogLine("Disconnected from node")
	}
}

func (p *peerConn) readLoop() error {
	maxSize := p.server.cfg.Relay.MaxMessageSize
	idle := p.server.cfg.GetIdleTimeout()
	versioned := false

	for {
		if idle > 0 {
			if err := p.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return fmt.Errorf("set read deadline: %w", err)
			}
		}

		msg, err := protocol.ReadMessage(p.reader, maxSize)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("idle for %s", idle)
			}
			return err
		}

		switch {
		case msg.Type == protocol.MsgVersion:
			if versioned {
				return errors.New("got second version message")
			}
			if err := p.handleVersion(string(msg.Payload)); err != nil {
				return err
			}
			versioned = true
		case !versioned:
			return fmt.Errorf("got %s before version", msg.Type)
		case msg.Type == protocol.MsgMaxVersion:
			if string(msg.Payload) == protocol.VersionString {
				return errors.New("got MAX_VERSION of same version as us")
			}
			p.handler.LogLine("peer sent us a MAX_VERSION message")
		case msg.Type == protocol.MsgBlock:
			p.handler.OnBlock(&types.Block{Raw: msg.Payload})
		case msg.Type == protocol.MsgTransaction:
			p.handler.OnTransaction(&types.Transaction{Raw: msg.Payload})
		case msg.Type == protocol.MsgEndBlock:
		}
	}
}

func (p *peerConn) handleVersion(version string) error {
	if version != protocol.VersionString {
		if err := p.write(protocol.MsgMaxVersion, []byte(protocol.VersionString)); err != nil {
			return fmt.Errorf("write max version: %w", err)
		}
		return fmt.Errorf("unknown version string %q", version)
	}
	if err := p.write(protocol.MsgVersion, []byte(protocol.VersionString)); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	p.readyOnce.Do(func() { close(p.ready) })
	p.handler.LogLine(relay.ConnectedPrefix + "protocol version " + version)
	return nil
}

func (p *peerConn) writeLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ready:
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-p.outbound:
			if err := p.write(m.typ, m.payload); err != nil {
				return fmt.Errorf("write %s: %w", m.typ, err)
			}
		}
	}
}

func (p *peerConn) write(t protocol.MsgType, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if timeout := p.server.cfg.GetWriteTimeout(); timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return protocol.WriteMessage(p.conn, t, payload)
}
