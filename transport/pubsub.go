package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/pkg/errors"
)

// PubSubServer is the dispatch endpoint: subscribers connect, announce the single topic
// they want (their own fuzzer id), and then receive every published frame whose first part
// equals that topic. A subscriber not connected (or not yet subscribed) when Publish runs
// simply misses the message, matching the original PUB socket's best-effort semantics.
type PubSubServer struct {
	listener net.Listener
	logger   *logging.Logger

	mu          sync.Mutex
	subscribers map[net.Conn][]byte
	wg          sync.WaitGroup
}

// ListenPubSub binds addr for the dispatch endpoint.
func ListenPubSub(addr string, logger *logging.Logger) (*PubSubServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen pub/sub on %s", addr)
	}
	return &PubSubServer{
		listener:    listener,
		logger:      logger,
		subscribers: make(map[net.Conn][]byte),
	}, nil
}

// Addr returns the address the server is bound to.
func (s *PubSubServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts subscriber connections until ctx is done.
func (s *PubSubServer) Serve(ctx context.Context) error {
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
			return errors.Wrap(err, "accept pub/sub connection")
		}
		s.wg.Add(1)
		go s.handleSubscriber(conn)
	}
}

func (s *PubSubServer) handleSubscriber(conn net.Conn) {
	defer s.wg.Done()

	// The subscribe handshake is a single-part frame carrying the topic the peer subscribes to.
	topicFrame, err := ReadFrame(conn)
	if err != nil || len(topicFrame) != 1 {
		conn.Close()
		return
	}
	topic := topicFrame[0]

	s.mu.Lock()
	s.subscribers[conn] = topic
	s.mu.Unlock()

	// Block until the peer disconnects; PubSubServer never reads again, only writes from Publish.
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)

	s.mu.Lock()
	delete(s.subscribers, conn)
	s.mu.Unlock()
	conn.Close()
}

// Publish sends frame to every subscriber whose topic equals frame[0]. Returns the number
// of subscribers the frame was delivered to.
func (s *PubSubServer) Publish(frame Frame) int {
	if len(frame) == 0 {
		return 0
	}
	topic := frame[0]

	s.mu.Lock()
	targets := make([]net.Conn, 0, 1)
	for conn, subTopic := range s.subscribers {
		if bytes.Equal(subTopic, topic) {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		if err := WriteFrame(conn, frame); err != nil {
			if s.logger != nil {
				s.logger.Debug("failed to deliver dispatch frame", err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Close stops accepting new subscribers.
func (s *PubSubServer) Close() error {
	return s.listener.Close()
}

// SubClient is a thin client used by tests to simulate a fuzzer subscribing to its own
// dispatch topic.
type SubClient struct {
	conn net.Conn
}

// DialSub connects to a PubSubServer and subscribes to topic.
func DialSub(addr string, topic []byte) (*SubClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial pub/sub %s", addr)
	}
	if err := WriteFrame(conn, Frame{topic}); err != nil {
		conn.Close()
		return nil, err
	}
	return &SubClient{conn: conn}, nil
}

// Recv blocks for the next dispatched frame.
func (c *SubClient) Recv() (Frame, error) {
	return ReadFrame(c.conn)
}

// SetReadDeadline bounds how long the next Recv may block.
func (c *SubClient) SetReadDeadline(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// Close closes the underlying connection.
func (c *SubClient) Close() error {
	return c.conn.Close()
}
