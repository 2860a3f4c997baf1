package memcachedb

import (
	"bufio"
	"net"
	"strings"
	"time"

	. "gopkg.in/check.v1"

	cerr "github.com/relaycache/memcachedb/internal/errors"
	. "github.com/relaycache/memcachedb/internal/gocheck2"
)

type ServerEndpointSuite struct{}

var _ = Suite(&ServerEndpointSuite{})

// fakeServer is a bare TCP listener that hands every accepted connection
// to a handler, one at a time, so tests can script exact byte-level
// replies without pulling in a real MemcacheDB binary.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(c *C, handle func(net.Conn)) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	fs := &fakeServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return fs
}

func (fs *fakeServer) spec() ServerSpec {
	addr := fs.ln.Addr().(*net.TCPAddr)
	return ServerSpec{Host: "127.0.0.1", Port: addr.Port, Weight: 1}
}

func (fs *fakeServer) close() { _ = fs.ln.Close() }

func (s *ServerEndpointSuite) TestEnsureOpenDialFailureMessage(c *C) {
	ep := newServerEndpoint(
		ServerSpec{Host: "127.0.0.1", Port: 1, Weight: 1},
		defaultIOTimeout, noopLogger{}, nil)

	_, _, err := ep.ensureOpen()
	c.Assert(err, NotNil)
	c.Assert(strings.HasPrefix(err.Error(), "No connection to server"), IsTrue)
	c.Assert(ep.alive(), IsFalse)
}

func (s *ServerEndpointSuite) TestEnsureOpenQuarantinedReturnsWithoutDialing(c *C) {
	ep := newServerEndpoint(
		ServerSpec{Host: "127.0.0.1", Port: 1, Weight: 1},
		defaultIOTimeout, noopLogger{}, nil)

	_, _, err := ep.ensureOpen()
	c.Assert(err, NotNil)

	_, _, err = ep.ensureOpen()
	c.Assert(err, NotNil)
	c.Assert(strings.Contains(err.Error(), "quarantined"), IsTrue)
}

func (s *ServerEndpointSuite) TestWithSocketSuccessfulRoundTrip(c *C) {
	fs := newFakeServer(c, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		if strings.TrimSpace(line) == "get key" {
			_, _ = conn.Write([]byte("VALUE key 0 4\r\nitem\r\nEND\r\n"))
		}
	})
	defer fs.close()

	ep := newServerEndpoint(fs.spec(), defaultIOTimeout, noopLogger{}, nil)

	var got map[string][]byte
	err := ep.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeGetCommand(w, []string{"key"}); err != nil {
			return err
		}
		blocks, _, err := readValueBlocks(r)
		got = blocks
		return err
	})
	c.Assert(err, IsNil)
	c.Assert(got["key"], DeepEquals, []byte("item"))
}

func (s *ServerEndpointSuite) TestWithSocketProtocolErrorIsNotRetried(c *C) {
	connections := make(chan struct{}, 10)
	fs := newFakeServer(c, func(conn net.Conn) {
		defer conn.Close()
		connections <- struct{}{}
		_, _ = conn.Write([]byte("CLIENT_ERROR bad command\r\n"))
	})
	defer fs.close()

	ep := newServerEndpoint(fs.spec(), defaultIOTimeout, noopLogger{}, nil)

	err := ep.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeGetCommand(w, []string{"key"}); err != nil {
			return err
		}
		_, _, err := readValueBlocks(r)
		return err
	})
	c.Assert(err, NotNil)
	c.Assert(cerr.IsKind(err, cerr.KindProtocolError), IsTrue)

	select {
	case <-connections:
	case <-time.After(time.Second):
		c.Fatal("server never saw a connection")
	}
	select {
	case <-connections:
		c.Fatal("protocol error must not trigger a same-server retry")
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *ServerEndpointSuite) TestWithSocketBogusReplyMarksServerDead(c *C) {
	fs := newFakeServer(c, func(conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("total garbage, not a memcache reply at all\r\n"))
	})
	defer fs.close()

	var lastStatus string
	ep := newServerEndpoint(fs.spec(), defaultIOTimeout, noopLogger{}, func(_, status string) {
		lastStatus = status
	})

	err := ep.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeGetCommand(w, []string{"key"}); err != nil {
			return err
		}
		_, _, err := readValueBlocks(r)
		return err
	})
	c.Assert(err, NotNil)
	c.Assert(cerr.IsKind(err, cerr.KindOutOfBand), IsTrue)
	c.Assert(ep.alive(), IsFalse)
	c.Assert(strings.HasPrefix(lastStatus, "DEAD:"), IsTrue)
}

func (s *ServerEndpointSuite) TestMarkDeadThenCloseClearsQuarantine(c *C) {
	ep := newServerEndpoint(
		ServerSpec{Host: "127.0.0.1", Port: 1, Weight: 1},
		defaultIOTimeout, noopLogger{}, nil)

	ep.markDead(cerr.New("boom"))
	c.Assert(ep.alive(), IsFalse)

	ep.close()
	c.Assert(ep.alive(), IsTrue)
}
