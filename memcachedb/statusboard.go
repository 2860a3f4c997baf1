package memcachedb

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// statusBoard is a lock-free snapshot of each endpoint's human-readable
// status, updated by serverEndpoint.setStatus on every transition. It is
// deliberately separate from the client's own mutex (or the endpoint's
// connection mutex): in multithread mode, ServerStatus callers should
// never need to wait behind an in-flight request just to read where
// things stand.
type statusBoard struct {
	m *xsync.MapOf[string, string]
}

func newStatusBoard() *statusBoard {
	return &statusBoard{m: xsync.NewMapOf[string, string]()}
}

func (b *statusBoard) set(addr, status string) {
	b.m.Store(addr, status)
}

func (b *statusBoard) snapshot() map[string]string {
	out := make(map[string]string)
	b.m.Range(func(addr, status string) bool {
		out[addr] = status
		return true
	})
	return out
}
