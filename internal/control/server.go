package control

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Message is delivered to the pipeline for every decoded edge and once
// for every writer that goes away.
type Message struct {
	Event        hotkey.Event
	Disconnected bool
}

// Server accepts a single hotkey writer at a time on a local socket.
type Server struct {
	network string
	ln      net.Listener
	log     *slog.Logger
	events  chan Message

	mu      sync.Mutex
	conn    net.Conn
	closing bool
	closed  chan struct{}
	wg      sync.WaitGroup

	corrupt        atomic.Int64
	corruptCounter metric.Int64Counter
}

// Listen binds the control socket. A stale unix socket file is removed.
func Listen(network, address string, log *slog.Logger) (*Server, error) {
	if network == "unix" {
		if dir := filepath.Dir(address); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create control socket dir: %w", err)
			}
		}
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale control socket: %w", err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen control socket: %w", err)
	}
	s := &Server{
		network: network,
		ln:      ln,
		log:     log.With(slog.String("component", "control-server")),
		events:  make(chan Message, 64),
		closed:  make(chan struct{}),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-dictate/control").Int64Counter(
		"loqa.dictate.control.corrupt_frames", metric.WithDescription("Control frames dropped as undecodable"))
	if err == nil {
		s.corruptCounter = counter
	}
	s.log.Info("control channel listening", slog.String("network", network), slog.String("addr", ln.Addr().String()))
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Events is closed after Close once all readers have exited.
func (s *Server) Events() <-chan Message { return s.events }

// Corrupt reports the number of dropped frames.
func (s *Server) Corrupt() int64 { return s.corrupt.Load() }

// Serve accepts writers until the server is closed or ctx is done. A new
// writer replaces the current one.
func (s *Server) Serve(ctx context.Context) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosing() {
				return
			}
			s.log.Warn("control accept failed", slogError(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		if s.conn != nil {
			s.log.Info("replacing control writer")
			s.conn.Close()
		}
		s.conn = conn
		s.wg.Add(1)
		s.mu.Unlock()

		s.log.Info("control writer connected")
		go s.read(conn)
	}
}

func (s *Server) read(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		if !s.isClosing() {
			s.log.Info("control writer disconnected")
			s.deliver(Message{Disconnected: true})
		}
	}()

	r := bufio.NewReaderSize(conn, MaxFrameSize)
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			s.drop(fmt.Errorf("%w: frame exceeds %d bytes", ErrCorruptFrame, MaxFrameSize))
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			if err != nil {
				return
			}
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			ev, decodeErr := decodeFrame(line)
			if decodeErr != nil {
				s.drop(decodeErr)
			} else if !s.deliver(Message{Event: ev}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) deliver(msg Message) bool {
	select {
	case s.events <- msg:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Server) drop(err error) {
	s.corrupt.Add(1)
	if s.corruptCounter != nil {
		s.corruptCounter.Add(context.Background(), 1)
	}
	s.log.Warn("dropping control frame", slogError(err))
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Close stops accepting, disconnects the writer and closes Events. It is
// safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	close(s.closed)
	err := s.ln.Close()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)
	if s.network == "unix" {
		_ = os.Remove(s.ln.Addr().String())
	}
	s.log.Info("control channel closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close control listener: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
