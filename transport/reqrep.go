package transport

import (
	"context"
	"net"
	"sync"

	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/pkg/errors"
)

// Handler processes one request frame and returns the reply frame to send back.
type Handler func(Frame) Frame

// ReqRepServer is a request/reply endpoint: every accepted connection may send any number
// of requests, each answered synchronously before the next is read, mirroring a ZeroMQ REP
// socket's per-peer ordering without requiring a new connection per request.
type ReqRepServer struct {
	listener net.Listener
	handler  Handler
	logger   *logging.Logger
	wg       sync.WaitGroup
}

// ListenReqRep binds addr and returns a server that will invoke handler for every request
// frame once Serve is called.
func ListenReqRep(addr string, handler Handler, logger *logging.Logger) (*ReqRepServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen req/rep on %s", addr)
	}
	return &ReqRepServer{listener: listener, handler: handler, logger: logger}, nil
}

// Addr returns the address the server is bound to, useful when addr was ":0".
func (s *ReqRepServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called, and blocks until every
// in-flight connection handler has returned.
func (s *ReqRepServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "accept req/rep connection")
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *ReqRepServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		request, err := ReadFrame(conn)
		if err != nil {
			if s.logger != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("req/rep connection closed", err)
			}
			return
		}

		reply := s.handler(request)
		if err := WriteFrame(conn, reply); err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to write req/rep reply", err)
			}
			return
		}
	}
}

// Close stops accepting new connections.
func (s *ReqRepServer) Close() error {
	return s.listener.Close()
}

// ReqRepClient is a thin synchronous client used by tests to simulate a fuzzer driver
// talking to the report or control endpoint.
type ReqRepClient struct {
	conn net.Conn
}

// DialReqRep connects to a ReqRepServer's address.
func DialReqRep(addr string) (*ReqRepClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial req/rep %s", addr)
	}
	return &ReqRepClient{conn: conn}, nil
}

// Call sends request and blocks for the reply.
func (c *ReqRepClient) Call(request Frame) (Frame, error) {
	if err := WriteFrame(c.conn, request); err != nil {
		return nil, err
	}
	return ReadFrame(c.conn)
}

// Close closes the underlying connection.
func (c *ReqRepClient) Close() error {
	return c.conn.Close()
}
