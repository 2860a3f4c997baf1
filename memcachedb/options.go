package memcachedb

import "time"

// Option configures a Client at construction time.
type Option func(*clientConfig)

type clientConfig struct {
	namespace   string
	readOnly    bool
	multithread bool
	failover    bool
	timeout     time.Duration
	logger      Logger
	serializer  Serializer
}

func defaultConfig() *clientConfig {
	return &clientConfig{
		failover: true,
		timeout:  defaultIOTimeout,
		logger:   noopLogger{},
	}
}

// WithNamespace prefixes every key on the wire with "<namespace>:".
func WithNamespace(ns string) Option {
	return func(c *clientConfig) { c.namespace = ns }
}

// WithReadOnly makes every mutating operation fail with ReadOnly.
func WithReadOnly(readOnly bool) Option {
	return func(c *clientConfig) { c.readOnly = readOnly }
}

// WithMultithread selects multi-thread mode: a single client-wide mutex
// serializes all traffic through the client instead of restricting the
// client to its constructing goroutine.
func WithMultithread(multithread bool) Option {
	return func(c *clientConfig) { c.multithread = multithread }
}

// WithFailover toggles the rehash-onto-a-different-server behavior. When
// disabled, a dead primary server fails the request immediately.
func WithFailover(failover bool) Option {
	return func(c *clientConfig) { c.failover = failover }
}

// WithTimeout sets the per-I/O deadline. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithLogger installs a sink for debug/info/warn lines. It has no effect
// on behavior.
func WithLogger(logger Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSerializer installs the {serialize, deserialize} pair used by every
// operation called with raw=false.
func WithSerializer(s Serializer) Option {
	return func(c *clientConfig) { c.serializer = s }
}
