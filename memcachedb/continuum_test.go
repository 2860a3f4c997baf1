package memcachedb

import (
	"fmt"
	"hash/crc32"

	. "gopkg.in/check.v1"

	. "github.com/relaycache/memcachedb/internal/gocheck2"
)

type ContinuumSuite struct{}

var _ = Suite(&ContinuumSuite{})

func fakeEndpoints(n int, weight int) []*serverEndpoint {
	out := make([]*serverEndpoint, n)
	for i := range out {
		out[i] = &serverEndpoint{
			host:   fmt.Sprintf("host%d", i),
			port:   DefaultPort,
			weight: weight,
			status: "NOT CONNECTED",
		}
	}
	return out
}

func (s *ContinuumSuite) TestBuildContinuumNilBelowTwoServers(c *C) {
	c.Assert(buildContinuum(fakeEndpoints(0, 1)), IsNil)
	c.Assert(buildContinuum(fakeEndpoints(1, 1)), IsNil)
}

func (s *ContinuumSuite) TestBuildContinuumSortedAscending(c *C) {
	cont := buildContinuum(fakeEndpoints(5, 1))
	c.Assert(cont, NotNil)
	c.Assert(len(cont.entries) > 0, IsTrue)
	for i := 1; i < len(cont.entries); i++ {
		c.Assert(cont.entries[i-1].hash <= cont.entries[i].hash, IsTrue)
	}
}

func (s *ContinuumSuite) TestBuildContinuumWeightProportional(c *C) {
	servers := fakeEndpoints(2, 1)
	servers[1].weight = 3
	cont := buildContinuum(servers)

	counts := map[*serverEndpoint]int{}
	for _, e := range cont.entries {
		counts[e.server]++
	}
	// With weight 1 vs 3 out of total 4, server 1 should hold roughly 3x
	// as many ring points as server 0.
	c.Assert(counts[servers[1]] > counts[servers[0]], IsTrue)
}

func (s *ContinuumSuite) TestLookupBelowAllEntriesReturnsNegativeOne(c *C) {
	cont := &continuum{entries: []continuumEntry{
		{hash: 100}, {hash: 200}, {hash: 300},
	}}
	c.Assert(cont.lookup(50), Equals, -1)
}

func (s *ContinuumSuite) TestLookupExactMatch(c *C) {
	cont := &continuum{entries: []continuumEntry{
		{hash: 100}, {hash: 200}, {hash: 300},
	}}
	c.Assert(cont.lookup(200), Equals, 1)
}

func (s *ContinuumSuite) TestLookupBetweenEntries(c *C) {
	cont := &continuum{entries: []continuumEntry{
		{hash: 100}, {hash: 200}, {hash: 300},
	}}
	c.Assert(cont.lookup(250), Equals, 1)
}

func (s *ContinuumSuite) TestLookupAboveAllEntries(c *C) {
	cont := &continuum{entries: []continuumEntry{
		{hash: 100}, {hash: 200}, {hash: 300},
	}}
	c.Assert(cont.lookup(999), Equals, 2)
}

// TestContinuumStability is a Monte-Carlo check that removing one server
// from a large pool leaves most keys where they were: keys the removed
// server owned count as moved, and more than three quarters of all keys
// must map to the same server before and after the removal. This is the
// property the routing/rehash algorithm depends on to make failover cheap.
func (s *ContinuumSuite) TestContinuumStability(c *C) {
	const numServers = 10
	const numKeys = 20000

	full := fakeEndpoints(numServers, 1)
	contFull := buildContinuum(full)

	reduced := full[1:]
	contReduced := buildContinuum(reduced)

	var moved, stable int
	for i := 0; i < numKeys; i++ {
		h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("key-%d", i)))

		idxFull := contFull.lookup(h)
		var beforeServer *serverEndpoint
		if idxFull >= 0 {
			beforeServer = contFull.entries[idxFull].server
		}

		idxReduced := contReduced.lookup(h)
		var afterServer *serverEndpoint
		if idxReduced >= 0 {
			afterServer = contReduced.entries[idxReduced].server
		}

		if beforeServer == full[0] {
			moved++
			continue
		}
		if beforeServer == afterServer {
			stable++
		} else {
			moved++
		}
	}

	// Removing 1 of 10 servers should disturb roughly 1/10th of the
	// keyspace; allow generous slack since the hash distribution is not
	// perfectly uniform over a sample this size.
	c.Assert(stable > numKeys*3/4, IsTrue)
}
