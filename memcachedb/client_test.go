package memcachedb

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	. "gopkg.in/check.v1"

	cerr "github.com/relaycache/memcachedb/internal/errors"
	. "github.com/relaycache/memcachedb/internal/gocheck2"
)

type ClientSuite struct{}

var _ = Suite(&ClientSuite{})

func (s *ClientSuite) TestNewClientCapturesOwnerInSingleThreadMode(c *C) {
	client, err := NewClient([]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}})
	c.Assert(err, IsNil)
	c.Assert(client.hasOwner, IsTrue)
	c.Assert(client.owner, Equals, currentGoroutineID())
}

func (s *ClientSuite) TestNewClientMultithreadModeHasNoOwner(c *C) {
	client, err := NewClient(
		[]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}},
		WithMultithread(true))
	c.Assert(err, IsNil)
	c.Assert(client.hasOwner, IsFalse)
}

func (s *ClientSuite) TestNewClientRejectsNamespaceWithWhitespace(c *C) {
	_, err := NewClient(
		[]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}},
		WithNamespace("bad ns"))
	c.Assert(err, NotNil)
}

func (s *ClientSuite) TestEffectiveKeyRoundTrip(c *C) {
	client, err := NewClient(
		[]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}},
		WithNamespace("app"))
	c.Assert(err, IsNil)

	eff := client.effectiveKey("user:42")
	c.Assert(eff, Equals, "app:user:42")
	c.Assert(client.stripNamespace(eff), Equals, "user:42")
}

func (s *ClientSuite) TestValidateKeyRejectsTooLong(c *C) {
	err := validateKey(strings.Repeat("k", MaxKeyLength+1))
	c.Assert(err, NotNil)
}

func (s *ClientSuite) TestValidateKeyRejectsWhitespace(c *C) {
	err := validateKey("bad key")
	c.Assert(err, NotNil)
}

func (s *ClientSuite) TestRouteSingleServerShortcut(c *C) {
	client, err := NewClient([]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}})
	c.Assert(err, IsNil)

	ep, err := client.route("any-key")
	c.Assert(err, IsNil)
	c.Assert(ep, Equals, client.servers[0])
}

func (s *ClientSuite) TestGetOnReadOnlyClientStillAllowed(c *C) {
	client, err := NewClient(
		[]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}},
		WithReadOnly(true))
	c.Assert(err, IsNil)
	_, _, err = client.Get("key", true)
	c.Assert(err, NotNil) // no live server; read-only has no bearing on reads
	c.Assert(cerr.IsKind(err, cerr.KindReadOnly), IsFalse)
}

func (s *ClientSuite) TestSetOnReadOnlyClientFails(c *C) {
	client, err := NewClient(
		[]ServerSpec{{Host: "127.0.0.1", Port: 1, Weight: 1}},
		WithReadOnly(true))
	c.Assert(err, IsNil)
	err = client.Set("key", []byte("v"), 0, true)
	c.Assert(err, NotNil)
}

// fakeGetServer always replies to "get <key>" with a single VALUE block
// holding value for every connection.
func fakeGetServer(c *C, value string) *fakeServer {
	return newFakeServer(c, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "get" {
			return
		}
		key := fields[1]
		reply := fmt.Sprintf("VALUE %s 0 %d\r\n%s\r\nEND\r\n", key, len(value), value)
		_, _ = conn.Write([]byte(reply))
	})
}

func (s *ClientSuite) TestGetFromLiveServer(c *C) {
	fs := fakeGetServer(c, "hello")
	defer fs.close()

	client, err := NewClient([]ServerSpec{fs.spec()})
	c.Assert(err, IsNil)

	value, found, err := client.Get("key", true)
	c.Assert(err, IsNil)
	c.Assert(found, IsTrue)
	c.Assert(value.([]byte), DeepEquals, []byte("hello"))
}

// TestWithServerFailsOverToSecondServer wires two backends where the first
// always returns a corrupt reply, and the second answers normally. Since
// which server owns a given key depends on the continuum, this searches a
// small range of candidate keys for one the continuum currently assigns to
// the failing server, so the failover path in withServer is actually
// exercised end to end rather than assumed.
func (s *ClientSuite) TestWithServerFailsOverToSecondServer(c *C) {
	bad := newFakeServer(c, func(conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("not a valid memcache reply at all\r\n"))
	})
	defer bad.close()

	good := fakeGetServer(c, "hello")
	defer good.close()

	client, err := NewClient([]ServerSpec{bad.spec(), good.spec()})
	c.Assert(err, IsNil)

	var key string
	for i := 0; i < 200; i++ {
		candidate := fmt.Sprintf("k%d", i)
		ep, err := client.route(candidate)
		c.Assert(err, IsNil)
		if ep.addr() == bad.spec().Addr() {
			key = candidate
			break
		}
	}
	c.Assert(key, Not(Equals), "")

	value, found, err := client.Get(key, true)
	c.Assert(err, IsNil)
	c.Assert(found, IsTrue)
	c.Assert(value.([]byte), DeepEquals, []byte("hello"))

	status := client.ServerStatus()
	c.Assert(strings.HasPrefix(status[bad.spec().Addr()], "DEAD:"), IsTrue)
}
