package memcachedb

import (
	"bufio"
	"bytes"
	"hash/crc32"
	"runtime"
	"strconv"
	"strings"
	"sync"

	deque "github.com/edwingeng/deque/v2"

	cerr "github.com/relaycache/memcachedb/internal/errors"
	"github.com/relaycache/memcachedb/internal/set"
)

const maxRehashAttempts = 20

// Client is a handle onto a pool of MemcacheDB servers, addressed as one
// logical cache. It routes each key deterministically to exactly one
// server via a consistent-hash continuum, and fails over onto another
// server when the chosen one turns out to be unusable.
//
// A Client is either single-thread mode (the default) — usable only from
// the goroutine that constructed it — or multi-thread mode, in which a
// single client-wide mutex serializes every operation. Neither mode gives
// per-server parallelism: requests, including the per-server fan-out in
// GetMulti and GetRange, are always issued one at a time.
type Client struct {
	cfg *clientConfig

	mu      sync.Mutex
	servers []*serverEndpoint
	cont    *continuum

	// ioMu is the process-wide mutex spec.md §5 mandates for multithread
	// mode: every public operation holds it for its full duration, so no
	// two operations ever run concurrently and responses from one server
	// can never interleave with another's on the wire. In single-thread
	// mode it is never touched — checkThread already rules out concurrent
	// callers.
	ioMu sync.Mutex

	owner    uint64
	hasOwner bool

	metrics *opMetrics
	status  *statusBoard
}

// lockForOp acquires ioMu for the duration of a public operation when the
// client is in multithread mode, and returns the matching unlock. It is a
// no-op in single-thread mode.
func (c *Client) lockForOp() func() {
	if !c.cfg.multithread {
		return func() {}
	}
	c.ioMu.Lock()
	return c.ioMu.Unlock
}

// NewClient constructs a Client for the given servers. See the With*
// Option functions for configuration.
func NewClient(specs []ServerSpec, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.namespace != "" &&
		(strings.ContainsAny(cfg.namespace, " \t\r\n") || strings.HasSuffix(cfg.namespace, ":")) {
		return nil, cerr.BadArgument("invalid namespace %q", cfg.namespace)
	}

	c := &Client{
		cfg:     cfg,
		metrics: newOpMetrics(),
		status:  newStatusBoard(),
	}
	if !cfg.multithread {
		c.owner = currentGoroutineID()
		c.hasOwner = true
	}

	if err := c.SetServers(specs); err != nil {
		return nil, err
	}
	return c, nil
}

// SetServers atomically rebuilds the continuum from a new weighted server
// list. Endpoints for addresses that are unchanged are reused, preserving
// their live connection and liveness state; endpoints for addresses no
// longer present are closed (not quarantined — they are simply gone).
func (c *Client) SetServers(specs []ServerSpec) error {
	if err := c.checkThread(); err != nil {
		return err
	}
	defer c.lockForOp()()

	newAddrs := set.NewSet()
	for _, spec := range specs {
		newAddrs.Add(spec.Addr())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldAddrs := set.NewSet()
	byAddr := make(map[string]*serverEndpoint, len(c.servers))
	for _, s := range c.servers {
		oldAddrs.Add(s.addr())
		byAddr[s.addr()] = s
	}

	removed := oldAddrs.Copy()
	removed.Subtract(newAddrs)
	removed.Do(func(addr interface{}) {
		byAddr[addr.(string)].close()
	})

	endpoints := make([]*serverEndpoint, 0, len(specs))
	for _, spec := range specs {
		if existing, ok := byAddr[spec.Addr()]; ok {
			existing.weight = spec.Weight
			endpoints = append(endpoints, existing)
			continue
		}
		endpoints = append(endpoints, newServerEndpoint(spec, c.cfg.timeout, c.cfg.logger, c.status.set))
	}

	c.servers = endpoints
	c.cont = buildContinuum(endpoints)
	return nil
}

// Reset closes every server's socket without quarantining it; the next
// request to any server reconnects immediately.
func (c *Client) Reset() {
	defer c.lockForOp()()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.servers {
		s.close()
	}
}

// ServerStatus returns a lock-free snapshot of each server's human
// readable status (e.g. "CONNECTED", "NOT CONNECTED", "DEAD: ..."). An
// address removed by SetServers keeps its last entry ("NOT CONNECTED").
func (c *Client) ServerStatus() map[string]string {
	return c.status.snapshot()
}

// Metrics returns a flattened snapshot of this client's request counters
// and latency percentiles.
func (c *Client) Metrics() map[string]interface{} {
	return c.metrics.Snapshot()
}

// currentGoroutineID is a best-effort way to tell whether the calling
// goroutine is the one that constructed the client. Go has no supported
// API for this; this parses the "goroutine N [...]:" header runtime.Stack
// always emits first.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

func (c *Client) checkThread() error {
	if !c.hasOwner {
		return nil
	}
	if currentGoroutineID() != c.owner {
		return cerr.ConcurrencyMisuse()
	}
	return nil
}

func (c *Client) effectiveKey(key string) string {
	if c.cfg.namespace == "" {
		return key
	}
	return c.cfg.namespace + ":" + key
}

func (c *Client) stripNamespace(effKey string) string {
	if c.cfg.namespace == "" {
		return effKey
	}
	return strings.TrimPrefix(effKey, c.cfg.namespace+":")
}

func validateKey(effKey string) error {
	if effKey == "" {
		return cerr.BadArgument("key must not be empty")
	}
	if len(effKey) > MaxKeyLength {
		return cerr.BadArgument("key %q exceeds %d bytes after namespacing", effKey, MaxKeyLength)
	}
	if strings.ContainsAny(effKey, " \t\r\n") {
		return cerr.BadArgument("key %q contains whitespace", effKey)
	}
	return nil
}

func validateValueSize(data []byte) error {
	if len(data) > MaxValueSize {
		return cerr.BadArgument("value of %d bytes exceeds the %d byte limit", len(data), MaxValueSize)
	}
	return nil
}

// route implements the routing algorithm: a single configured server is
// returned unconditionally, otherwise up to maxRehashAttempts continuum
// probes are made, rehashing past dead servers — and past continuum
// misses, which lookup represents as index -1 — until a live one turns
// up.
func (c *Client) route(effKey string) (*serverEndpoint, error) {
	c.mu.Lock()
	servers := c.servers
	cont := c.cont
	failover := c.cfg.failover
	c.mu.Unlock()

	if len(servers) == 0 {
		return nil, cerr.NoServersAvailable("no servers configured")
	}
	if len(servers) == 1 {
		return servers[0], nil
	}

	h := crc32.ChecksumIEEE([]byte(effKey))

	for attempt := 0; attempt < maxRehashAttempts; attempt++ {
		idx := cont.lookup(h)
		var s *serverEndpoint
		if idx >= 0 {
			s = cont.entries[idx].server
		}

		if s != nil && s.alive() {
			return s, nil
		}
		if !failover {
			return nil, cerr.NoServersAvailable("primary server unavailable and failover is disabled")
		}

		h = crc32.ChecksumIEEE([]byte(strconv.Itoa(attempt) + effKey))
	}

	c.cfg.logger.Warnf("memcachedb: no live server for %q after %d rehash attempts", effKey, maxRehashAttempts)
	return nil, cerr.NoServersAvailable("no live server found after rehashing")
}

// withServer routes effKey to a server and runs fn against it. If fn
// fails with an OutOfBand error — the server was discovered dead mid
// request — the entire operation is retried once against a freshly
// resolved server, provided at least two servers are configured.
// OutOfBand never escapes this function.
func (c *Client) withServer(effKey string, fn func(*serverEndpoint) error) error {
	s, err := c.route(effKey)
	if err != nil {
		return err
	}

	err = fn(s)
	if err == nil {
		return nil
	}
	if !cerr.IsKind(err, cerr.KindOutOfBand) {
		return err
	}

	c.mu.Lock()
	numServers := len(c.servers)
	c.mu.Unlock()
	if numServers < 2 {
		// No fallback exists, so surface the dial/transport failure that
		// caused the OutOfBand signal directly, rather than burying it
		// behind a message of our own — spec requires a connect-refused
		// error to still read "No connection to server ...".
		if ce, ok := err.(cerr.CacheError); ok {
			if inner := ce.GetInner(); inner != nil {
				return cerr.Reclassify(inner, cerr.KindProtocolError)
			}
		}
		return cerr.WrapProtocol(err, "no fallback server available")
	}

	s2, rerr := c.route(effKey)
	if rerr != nil {
		return rerr
	}
	err2 := fn(s2)
	if err2 == nil {
		return nil
	}
	if cerr.IsKind(err2, cerr.KindOutOfBand) {
		return cerr.WrapProtocol(err2, "fallback server also unavailable")
	}
	return err2
}

// cacheNilMarker is stored in place of a serialized value when a non-raw
// caller explicitly caches a nil value, so a later Get can tell "cached
// nil" apart from "key absent" instead of colliding with a plain miss.
var cacheNilMarker = []byte("\x00memcachedb:cache-nil\x00")

func (c *Client) serialize(value interface{}, raw bool) ([]byte, error) {
	if raw {
		data, ok := value.([]byte)
		if !ok {
			return nil, cerr.BadArgument("raw operation requires a []byte value")
		}
		return data, nil
	}
	if value == nil {
		return cacheNilMarker, nil
	}
	if c.cfg.serializer == nil {
		return nil, cerr.BadArgument("no serializer configured for a non-raw operation")
	}
	return c.cfg.serializer.Serialize(value)
}

// deserialize reports isNil=true when data is the CacheNil marker written
// by serialize; the caller should surface (nil, found=true) rather than
// invoking the configured Serializer on it.
func (c *Client) deserialize(data []byte, raw bool) (value interface{}, isNil bool, err error) {
	if raw {
		return data, false, nil
	}
	if bytes.Equal(data, cacheNilMarker) {
		return nil, true, nil
	}
	if c.cfg.serializer == nil {
		return nil, false, cerr.BadArgument("no serializer configured for a non-raw operation")
	}
	value, err = c.cfg.serializer.Deserialize(data)
	return value, false, err
}

// Get retrieves a single value. found is false on a cache miss.
func (c *Client) Get(key string, raw bool) (value interface{}, found bool, err error) {
	if err = c.checkThread(); err != nil {
		return nil, false, err
	}
	defer c.lockForOp()()

	effKey := c.effectiveKey(key)
	if err = validateKey(effKey); err != nil {
		return nil, false, err
	}

	var data []byte
	err = c.metrics.track("get", func() error {
		return c.withServer(effKey, func(s *serverEndpoint) error {
			return s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeGetCommand(w, []string{effKey}); err != nil {
					return err
				}
				blocks, _, err := readValueBlocks(r)
				if err != nil {
					return err
				}
				if v, ok := blocks[effKey]; ok {
					data = v
					found = true
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	value, _, err = c.deserialize(data, raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// GetMulti retrieves several keys in as many round trips as there are
// distinct target servers. Missing keys are simply absent from the
// result map, keyed by the caller's original (non-namespaced) key. A
// per-server failure is logged and skipped: unlike Get, GetMulti does not
// fail over onto a different server for the keys that server owned.
func (c *Client) GetMulti(keys []string, raw bool) (map[string]interface{}, error) {
	if err := c.checkThread(); err != nil {
		return nil, err
	}
	defer c.lockForOp()()

	groups := make(map[*serverEndpoint][]string)
	for _, key := range keys {
		effKey := c.effectiveKey(key)
		if err := validateKey(effKey); err != nil {
			c.cfg.logger.Warnf("memcachedb: get_multi dropping invalid key %q: %v", key, err)
			continue
		}
		s, err := c.route(effKey)
		if err != nil {
			continue
		}
		groups[s] = append(groups[s], effKey)
	}

	results := make(map[string]interface{})
	_ = c.metrics.track("get_multi", func() error {
		for s, effKeys := range groups {
			err := s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeGetCommand(w, effKeys); err != nil {
					return err
				}
				blocks, _, err := readValueBlocks(r)
				if err != nil {
					return err
				}
				for _, effKey := range effKeys {
					data, ok := blocks[effKey]
					if !ok {
						continue
					}
					v, _, derr := c.deserialize(data, raw)
					if derr != nil {
						return derr
					}
					results[c.stripNamespace(effKey)] = v
				}
				return nil
			})
			if err != nil {
				c.cfg.logger.Warnf("memcachedb: get_multi on %s failed: %v", s.addr(), err)
			}
		}
		return nil
	})
	return results, nil
}

// GetRange issues rget to every configured server and merges the
// results. This is not a cluster-wide sorted range: each server owns a
// disjoint slice of the keyspace under the continuum, so the result is
// the union of each server's own ordered slice, not a single global
// order. Any single server's failure aborts the whole call.
func (c *Client) GetRange(startKey, endKey string, limit int, raw bool) (map[string]interface{}, error) {
	if err := c.checkThread(); err != nil {
		return nil, err
	}
	defer c.lockForOp()()

	if limit <= 0 {
		limit = 100
	}

	effStart := c.effectiveKey(startKey)
	effEnd := c.effectiveKey(endKey)
	if err := validateKey(effStart); err != nil {
		return nil, err
	}
	if err := validateKey(effEnd); err != nil {
		return nil, err
	}

	c.mu.Lock()
	servers := append([]*serverEndpoint(nil), c.servers...)
	c.mu.Unlock()

	results := make(map[string]interface{})
	err := c.metrics.track("get_range", func() error {
		for _, s := range servers {
			err := s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeRgetCommand(w, effStart, effEnd, limit); err != nil {
					return err
				}
				blocks, order, err := readValueBlocks(r)
				if err != nil {
					return err
				}

				// Preserve the server's own lexicographic ordering while
				// merging; a deque keeps that order cheaply available
				// even though the final map can't express it.
				dq := deque.NewDeque[string]()
				for _, k := range order {
					dq.PushBack(k)
				}
				for dq.Len() > 0 {
					k := dq.PopFront()
					v, _, derr := c.deserialize(blocks[k], raw)
					if derr != nil {
						return derr
					}
					results[c.stripNamespace(k)] = v
				}
				return nil
			})
			if err != nil {
				c.cfg.logger.Warnf("memcachedb: get_range on %s failed: %v", s.addr(), err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return map[string]interface{}{}, err
	}
	return results, nil
}

// Set stores a value unconditionally.
func (c *Client) Set(key string, value interface{}, expiry uint32, raw bool) error {
	if err := c.checkThread(); err != nil {
		return err
	}
	defer c.lockForOp()()

	if c.cfg.readOnly {
		return cerr.ReadOnly("Set")
	}
	effKey := c.effectiveKey(key)
	if err := validateKey(effKey); err != nil {
		return err
	}
	data, err := c.serialize(value, raw)
	if err != nil {
		return err
	}
	if err := validateValueSize(data); err != nil {
		return err
	}

	return c.metrics.track("set", func() error {
		return c.withServer(effKey, func(s *serverEndpoint) error {
			return s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeStoreCommand(w, "set", effKey, expiry, data); err != nil {
					return err
				}
				_, err := readStoredReply(r)
				return err
			})
		})
	})
}

// Add stores a value only if the key does not already exist. stored is
// false (not an error) when the server reports NOT_STORED.
func (c *Client) Add(key string, value interface{}, expiry uint32, raw bool) (stored bool, err error) {
	if err = c.checkThread(); err != nil {
		return false, err
	}
	defer c.lockForOp()()

	if c.cfg.readOnly {
		return false, cerr.ReadOnly("Add")
	}
	effKey := c.effectiveKey(key)
	if err = validateKey(effKey); err != nil {
		return false, err
	}
	data, err := c.serialize(value, raw)
	if err != nil {
		return false, err
	}
	if err = validateValueSize(data); err != nil {
		return false, err
	}

	err = c.metrics.track("add", func() error {
		return c.withServer(effKey, func(s *serverEndpoint) error {
			return s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeStoreCommand(w, "add", effKey, expiry, data); err != nil {
					return err
				}
				var err error
				stored, err = readStoredReply(r)
				return err
			})
		})
	})
	return stored, err
}

// Delete removes a key. found is false (not an error) when the server
// reports NOT_FOUND.
func (c *Client) Delete(key string, expiry uint32) (found bool, err error) {
	if err = c.checkThread(); err != nil {
		return false, err
	}
	defer c.lockForOp()()

	if c.cfg.readOnly {
		return false, cerr.ReadOnly("Delete")
	}
	effKey := c.effectiveKey(key)
	if err = validateKey(effKey); err != nil {
		return false, err
	}

	err = c.metrics.track("delete", func() error {
		return c.withServer(effKey, func(s *serverEndpoint) error {
			return s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeDeleteCommand(w, effKey, expiry); err != nil {
					return err
				}
				var err error
				found, err = readDeleteReply(r)
				return err
			})
		})
	})
	return found, err
}

func (c *Client) count(op, key string, n int64) (value int64, found bool, err error) {
	if err = c.checkThread(); err != nil {
		return 0, false, err
	}
	defer c.lockForOp()()

	effKey := c.effectiveKey(key)
	if err = validateKey(effKey); err != nil {
		return 0, false, err
	}

	err = c.metrics.track(op, func() error {
		return c.withServer(effKey, func(s *serverEndpoint) error {
			return s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeCountCommand(w, op, effKey, n); err != nil {
					return err
				}
				var err error
				value, found, err = readCountReply(r)
				return err
			})
		})
	})
	return value, found, err
}

// Incr increments key's counter by n; a negative n is treated as 1.
// found is false on NOT_FOUND.
func (c *Client) Incr(key string, n int64) (int64, bool, error) {
	if n < 0 {
		n = 1
	}
	return c.count("incr", key, n)
}

// Decr decrements key's counter by n; a negative n is treated as 1. The
// server never lets the counter go negative. found is false on NOT_FOUND.
func (c *Client) Decr(key string, n int64) (int64, bool, error) {
	if n < 0 {
		n = 1
	}
	return c.count("decr", key, n)
}

// FlushAll invalidates every key on every reachable server.
func (c *Client) FlushAll() error {
	if err := c.checkThread(); err != nil {
		return err
	}
	defer c.lockForOp()()

	if c.cfg.readOnly {
		return cerr.ReadOnly("FlushAll")
	}

	c.mu.Lock()
	servers := append([]*serverEndpoint(nil), c.servers...)
	c.mu.Unlock()

	var anyAlive bool
	for _, s := range servers {
		if s.alive() {
			anyAlive = true
			break
		}
	}
	if !anyAlive {
		return cerr.NoServersAvailable("flush_all: no active servers")
	}

	return c.metrics.track("flush_all", func() error {
		var succeeded int
		var lastErr error
		for _, s := range servers {
			err := s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeFlushCommand(w); err != nil {
					return err
				}
				return readOKReply(r)
			})
			if err != nil {
				c.cfg.logger.Warnf("memcachedb: flush_all on %s failed: %v", s.addr(), err)
				lastErr = err
				continue
			}
			succeeded++
		}
		if succeeded == 0 {
			return cerr.Wrap(lastErr, "flush_all failed on every server")
		}
		return nil
	})
}

// Stats returns per-server stats, keyed by "host:port". Dead servers are
// skipped; the call fails if none are alive.
func (c *Client) Stats() (map[string]map[string]interface{}, error) {
	if err := c.checkThread(); err != nil {
		return nil, err
	}
	defer c.lockForOp()()

	c.mu.Lock()
	servers := append([]*serverEndpoint(nil), c.servers...)
	c.mu.Unlock()

	results := make(map[string]map[string]interface{})
	err := c.metrics.track("stats", func() error {
		for _, s := range servers {
			if !s.alive() {
				continue
			}
			err := s.withSocket(func(w *bufio.Writer, r *bufio.Reader) error {
				if err := writeStatsCommand(w); err != nil {
					return err
				}
				entries, err := readStatsReply(r)
				if err != nil {
					return err
				}
				results[s.addr()] = entries
				return nil
			})
			if err != nil {
				c.cfg.logger.Warnf("memcachedb: stats on %s failed: %v", s.addr(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, cerr.NoServersAvailable("stats: no reachable servers")
	}
	return results, nil
}
