package memcachedb

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	cerr "github.com/relaycache/memcachedb/internal/errors"
)

const (
	connectTimeout   = 250 * time.Millisecond
	defaultIOTimeout = 500 * time.Millisecond
	retryDelay       = 30 * time.Second
)

// serverEndpoint owns at most one TCP connection to one backend. The
// connection is opened lazily on first use, torn down and quarantined on
// failure, and reopened immediately on the next use once the quarantine
// period has elapsed.
//
// Invariant: conn != nil implies retryAt.IsZero(). A non-zero retryAt
// means the endpoint is quarantined and its status starts with "DEAD:";
// no connection with a zero retryAt means the endpoint is idle (status
// "NOT CONNECTED" before first use and after close) and dials on next use.
type serverEndpoint struct {
	host    string
	port    int
	weight  int
	timeout time.Duration
	logger  Logger

	onStatusChange func(addr, status string)

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	retryAt time.Time
	status  string
}

func newServerEndpoint(
	spec ServerSpec,
	timeout time.Duration,
	logger Logger,
	onStatusChange func(addr, status string),
) *serverEndpoint {
	s := &serverEndpoint{
		host:           spec.Host,
		port:           spec.Port,
		weight:         spec.Weight,
		timeout:        timeout,
		logger:         logger,
		onStatusChange: onStatusChange,
		status:         "NOT CONNECTED",
	}
	if onStatusChange != nil {
		onStatusChange(s.addr(), s.status)
	}
	return s
}

func (s *serverEndpoint) addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

func (s *serverEndpoint) setStatus(status string) {
	s.status = status
	if s.onStatusChange != nil {
		s.onStatusChange(s.addr(), status)
	}
}

// alive reports whether ensureOpen would currently succeed without
// attempting to dial: either the connection is already open, or the
// quarantine period has elapsed.
func (s *serverEndpoint) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return true
	}
	return s.retryAt.IsZero() || time.Now().After(s.retryAt)
}

// ensureOpen returns the endpoint's persistent bufio reader/writer,
// dialing a fresh connection if none is open. It fails without dialing if
// the endpoint is still quarantined.
func (s *serverEndpoint) ensureOpen() (*bufio.Writer, *bufio.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.writer, s.reader, nil
	}

	if !s.retryAt.IsZero() && time.Now().Before(s.retryAt) {
		return nil, nil, cerr.Newf("No connection to server %s (quarantined until %s)",
			s.addr(), s.retryAt.Format(time.RFC3339))
	}

	conn, err := net.DialTimeout("tcp", s.addr(), connectTimeout)
	if err != nil {
		s.retryAt = time.Now().Add(retryDelay)
		s.setStatus("DEAD: " + err.Error())
		return nil, nil, cerr.Wrapf(err, "No connection to server %s", s.addr())
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	s.conn = conn
	s.reader = bufio.NewReader(conn)
	s.writer = bufio.NewWriter(conn)
	s.retryAt = time.Time{}
	s.setStatus("CONNECTED")

	return s.writer, s.reader, nil
}

// applyDeadline applies the endpoint's per-I/O timeout to the live connection.
// A zero configured timeout (absent, per spec) disables the deadline.
func (s *serverEndpoint) applyDeadline() {
	s.mu.Lock()
	conn := s.conn
	timeout := s.timeout
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if timeout <= 0 {
		_ = conn.SetDeadline(time.Time{})
		return
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
}

// closeConn drops the socket without quarantining the endpoint; the next
// call reconnects immediately. Used both by close() (explicit reset) and
// by withSocket's same-server retry (the first I/O attempt failed, so the
// stream is no longer trustworthy even though the server might still be
// reachable).
func (s *serverEndpoint) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeConnLocked()
}

func (s *serverEndpoint) closeConnLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.reader = nil
		s.writer = nil
	}
}

// markDead closes the socket and quarantines the endpoint for retryDelay.
func (s *serverEndpoint) markDead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeConnLocked()
	s.retryAt = time.Now().Add(retryDelay)
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	s.setStatus("DEAD: " + reason)

	if s.logger != nil {
		s.logger.Warnf("memcachedb: server %s quarantined: %s", s.addr(), reason)
	}
}

// close shuts the socket without quarantining; the endpoint is not dead,
// and the next use reconnects immediately.
func (s *serverEndpoint) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeConnLocked()
	s.retryAt = time.Time{}
	s.setStatus("NOT CONNECTED")
}

// withSocket acquires the endpoint's socket and runs fn against its
// buffered writer/reader, applying the per-I/O deadline. A transport-level
// failure (as opposed to a well-formed protocol error) is retried once on
// a freshly reopened connection; if that also fails, the endpoint is
// marked dead and an OutOfBand error is returned for the caller's
// failover envelope to act on. A failed dial quarantines the endpoint at
// once, so the retry after it fails without dialing again.
func (s *serverEndpoint) withSocket(fn func(*bufio.Writer, *bufio.Reader) error) error {
	attempt := func() error {
		w, r, err := s.ensureOpen()
		if err != nil {
			return err
		}
		s.applyDeadline()
		return fn(w, r)
	}

	err := attempt()
	if err == nil {
		return nil
	}
	if cerr.IsKind(err, cerr.KindProtocolError) {
		return err
	}

	s.closeConn()
	err2 := attempt()
	if err2 == nil {
		return nil
	}
	if cerr.IsKind(err2, cerr.KindProtocolError) {
		return err2
	}

	s.markDead(err2)
	return cerr.OutOfBand(err2, fmt.Sprintf("server %s unusable", s.addr()))
}
