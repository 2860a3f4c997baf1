// Package memcachedb is a client for MemcacheDB, a persistent key-value
// store that speaks the memcached ASCII protocol plus a sorted-range
// extension ("rget"). The client addresses a pool of servers as one
// logical cache: it routes each key deterministically to a single server
// with a consistent-hash continuum, tracks per-server liveness, and
// fails over onto another server when the primary is unusable.
package memcachedb

import (
	"fmt"
	"strconv"
	"strings"

	cerr "github.com/relaycache/memcachedb/internal/errors"
)

const (
	// DefaultPort is used for a ServerSpec that does not specify one.
	DefaultPort = 21201

	// DefaultWeight is used for a ServerSpec that does not specify one.
	DefaultWeight = 1

	pointsPerServer = 160

	// MaxKeyLength is the maximum length of the effective (namespaced)
	// key, in bytes.
	MaxKeyLength = 250

	// MaxValueSize is the maximum serialized value size, in bytes.
	MaxValueSize = 1 << 20
)

// ServerSpec describes one MemcacheDB backend: its address and its weight
// in the consistent-hash continuum.
type ServerSpec struct {
	Host   string
	Port   int
	Weight int
}

// Addr returns the "host:port" string used to dial this server.
func (s ServerSpec) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ParseServerSpec parses a server specification of the form "host",
// "host:port", or "host:port:weight".
func ParseServerSpec(s string) (ServerSpec, error) {
	parts := strings.Split(s, ":")
	spec := ServerSpec{Port: DefaultPort, Weight: DefaultWeight}

	switch len(parts) {
	case 1:
		spec.Host = parts[0]
	case 2:
		spec.Host = parts[0]
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return ServerSpec{}, cerr.BadArgument("invalid port in server spec %q: %v", s, err)
		}
		spec.Port = port
	case 3:
		spec.Host = parts[0]
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return ServerSpec{}, cerr.BadArgument("invalid port in server spec %q: %v", s, err)
		}
		weight, err := strconv.Atoi(parts[2])
		if err != nil {
			return ServerSpec{}, cerr.BadArgument("invalid weight in server spec %q: %v", s, err)
		}
		spec.Port = port
		spec.Weight = weight
	default:
		return ServerSpec{}, cerr.BadArgument("malformed server spec %q", s)
	}

	if spec.Host == "" {
		return ServerSpec{}, cerr.BadArgument("malformed server spec %q: empty host", s)
	}
	if spec.Weight < 1 {
		spec.Weight = DefaultWeight
	}
	return spec, nil
}

// Logger is the optional sink for debug/info/warn lines. It has no
// behavioral effect on the client; a nil Logger is replaced with a no-op
// implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}

// Serializer converts application values to and from the opaque byte
// strings MemcacheDB stores. It is supplied by the caller; the client
// itself only moves bytes. When an operation is invoked with raw=true,
// the Serializer is bypassed entirely and the caller's []byte is used
// verbatim.
type Serializer interface {
	Serialize(value interface{}) ([]byte, error)
	Deserialize(data []byte) (interface{}, error)
}
