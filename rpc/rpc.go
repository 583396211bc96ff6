// Package rpc provides the peer link between agency members: net/rpc over
// HTTP, sharing one listener with the client-facing HTTP API.
package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RaftPath is the HTTP path the RPC endpoint is mounted on
const RaftPath = "/_rpc/raft"

// DefaultTimeout bounds a single peer call
const DefaultTimeout = time.Second

// connectedStatus is the reply net/rpc sends to a successful CONNECT
const connectedStatus = "200 Connected to Go RPC"

// ErrTimeout is returned when a call does not complete in time
var ErrTimeout = errors.New("rpc: call timed out")

// ErrClosed is returned by calls on a closed client
var ErrClosed = errors.New("rpc: client closed")

// Client is an RPC client for sending requests to one member
type Client struct {
	mu         sync.Mutex
	endpoint   string
	connection *rpc.Client
	timeout    time.Duration
	closed     bool
	logger     zerolog.Logger
}

// NewClient creates a new RPC client for the member at endpoint. The
// connection is established on first use.
func NewClient(endpoint string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger,
	}
}

// Call makes an RPC call to the specified service method
func (c *Client) Call(serviceMethod string, args interface{}, reply interface{}) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}

	// Make the RPC call with timeout
	call := conn.Go(serviceMethod, args, reply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-call.Done:
		if call.Error != nil {
			c.logger.Debug().Err(call.Error).Str("endpoint", c.endpoint).Str("method", serviceMethod).Msg("rpc call failed")
			// Server-side errors leave the connection usable
			var serverErr rpc.ServerError
			if !errors.As(call.Error, &serverErr) {
				c.disconnect(conn)
			}
			return call.Error
		}
		return nil
	case <-timer.C:
		c.logger.Debug().Str("endpoint", c.endpoint).Str("method", serviceMethod).Msg("rpc call timed out")
		c.disconnect(conn) // Close connection on timeout
		return fmt.Errorf("%w: %s on %s", ErrTimeout, serviceMethod, c.endpoint)
	}
}

// conn returns the current connection, establishing one if needed
func (c *Client) conn() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.connection != nil {
		return c.connection, nil
	}

	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.Dial("tcp", c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	conn, err := handshake(nc, RaftPath)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	c.connection = conn
	return conn, nil
}

// handshake performs the HTTP CONNECT exchange net/rpc expects, with a deadline
func handshake(nc net.Conn, path string) (*rpc.Client, error) {
	nc.SetDeadline(time.Now().Add(DefaultTimeout))
	defer nc.SetDeadline(time.Time{})

	if _, err := fmt.Fprintf(nc, "CONNECT %s HTTP/1.0\n\n", path); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(nc), &http.Request{Method: "CONNECT"})
	if err != nil {
		return nil, err
	}
	if resp.Status != connectedStatus {
		return nil, fmt.Errorf("unexpected HTTP response: %s", resp.Status)
	}
	return rpc.NewClient(nc), nil
}

// disconnect drops conn if it is still the current connection
func (c *Client) disconnect(conn *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == conn && conn != nil {
		c.connection.Close()
		c.connection = nil
	}
}

// Close closes the client; later calls fail with ErrClosed
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.connection != nil {
		err := c.connection.Close()
		c.connection = nil
		return err
	}
	return nil
}

// Server serves the peer RPC endpoint and any extra HTTP handlers on one listener
type Server struct {
	listener net.Listener
	server   *rpc.Server
	mux      *http.ServeMux
	http     *http.Server
	logger   zerolog.Logger
	addr     string
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	hijacked map[net.Conn]struct{} // RPC connections taken over from the HTTP server
}

// NewServer creates a new RPC server on the specified address
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		server:   rpc.NewServer(),
		mux:      http.NewServeMux(),
		logger:   logger.With().Str("component", "rpc").Logger(),
		addr:     addr,
		hijacked: make(map[net.Conn]struct{}),
	}
	s.mux.Handle(RaftPath, s.server)
	return s
}

// RegisterName registers a service with a custom name
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.server.RegisterName(name, rcvr)
}

// Handle mounts an HTTP handler next to the RPC endpoint
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start starts listening and serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("server already stopped")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ConnState:         s.trackConn,
	}
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server listening")

	s.wg.Add(1)
	go s.serve()

	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// trackConn remembers hijacked connections, which http.Server.Close does not close
func (s *Server) trackConn(c net.Conn, state http.ConnState) {
	if state != http.StateHijacked {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		c.Close()
		return
	}
	s.hijacked[c] = struct{}{}
}

// serve handles incoming connections
func (s *Server) serve() {
	defer s.wg.Done()

	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()

		if !stopped {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}
}

// Stop stops the server and closes every open connection
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	srv := s.http
	for c := range s.hijacked {
		c.Close()
	}
	s.hijacked = nil
	s.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
	s.wg.Wait()
	s.logger.Info().Str("addr", s.addr).Msg("server stopped")
}

// ClientPool manages one client per endpoint
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClientPool creates a new client pool
func NewClientPool(timeout time.Duration, logger zerolog.Logger) *ClientPool {
	return &ClientPool{
		clients: make(map[string]*Client),
		timeout: timeout,
		logger:  logger.With().Str("component", "rpc").Logger(),
	}
}

// GetClient returns a client for the specified endpoint
func (cp *ClientPool) GetClient(endpoint string) *Client {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	client, exists := cp.clients[endpoint]
	if !exists || client.isClosed() {
		client = NewClient(endpoint, cp.timeout, cp.logger)
		cp.clients[endpoint] = client
	}

	return client
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseAll closes all clients in the pool
func (cp *ClientPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, client := range cp.clients {
		client.Close()
	}

	cp.clients = make(map[string]*Client)
}
