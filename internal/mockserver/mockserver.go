// Package mockserver is a stand-in Starbound server. It accepts TCP
// connections, reads the protocol request and answers with a canned reply,
// so probes can be exercised without a real game server.
package mockserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"morpheus/starping/internal/packet"
)

const readTimeout = 5 * time.Second

// Server answers every connection the same way.
type Server struct {
	// Reply is written after the request is read. Empty means close without answering.
	Reply []byte
	// Hold keeps the connection open without answering until the server is closed.
	Hold bool
	// Reset aborts the connection with a TCP RST after reading the request.
	Reset bool

	Log logrus.FieldLogger

	ln        net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	received [][]byte
}

// Listen binds addr ("127.0.0.1:0" picks a free port) and starts serving.
func Listen(addr string, reply []byte) (*Server, error) {
	s := &Server{Reply: reply, Log: logrus.StandardLogger()}
	if err := s.Start(addr); err != nil {
		return nil, err
	}
	return s, nil
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	s.ln = l
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.serve()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Host and Port split Addr for building probe requests.
func (s *Server) Host() string {
	h, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return h
}

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(p)
	return n
}

// Received returns the bytes read from each connection, in accept order.
func (s *Server) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// Close stops accepting and waits for in-flight connections to finish.
// It is safe to call more than once, and on a server that was never started.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.ln == nil {
			return
		}
		close(s.quit)
		s.closeErr = s.ln.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.WithError(err).Warn("accept failed")
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	buf := make([]byte, packet.HandshakeSize)
	n, err := io.ReadFull(conn, buf)
	s.mu.Lock()
	s.received = append(s.received, buf[:n])
	s.mu.Unlock()

	log := s.Log.WithField("remote", conn.RemoteAddr())
	if err != nil {
		log.WithError(err).WithField("read", n).Debug("short request")
		return
	}
	log.WithField("request", fmt.Sprintf("% x", buf)).Debug("request received")

	switch {
	case s.Reset:
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
	case s.Hold:
		<-s.quit
	case len(s.Reply) > 0:
		if _, err := conn.Write(s.Reply); err != nil {
			log.WithError(err).Warn("write reply failed")
		}
	}
}
