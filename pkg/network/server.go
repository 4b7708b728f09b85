package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ConnHandler takes ownership of an accepted connection
type ConnHandler interface {
	HandleConn(conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler
type ConnHandlerFunc func(conn net.Conn)

func (f ConnHandlerFunc) HandleConn(conn net.Conn) { f(conn) }

// Server accepts TCP connections and hands each one to the handler on its
// own goroutine
type Server struct {
	address  string
	handler  ConnHandler
	listener net.Listener
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new TCP server
func NewServer(address string, handler ConnHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		address:  address,
		handler:  handler,
		logger:   logger.Named("network"),
		stopChan: make(chan struct{}),
	}
}

// Start binds the listener and starts the accept loop
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	s.logger.Info("tcp server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop closes the listener and waits for the accept loop. Handlers own their
// connections and are not waited for.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		go s.handler.HandleConn(conn)
	}
}
