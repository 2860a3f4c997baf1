// Package errors implements the cache client's error taxonomy.  It mirrors
// the standard "errors" module's surface (New, Newf, Wrap, Wrapf) but keeps
// a stack trace alongside every error, and layers a small set of typed
// "kinds" on top so that callers can distinguish, say, a bad argument from
// a protocol error without string matching.
package errors

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
)

// Kind classifies a CacheError the way section 7 of the design classifies
// client failures.  OutOfBand never escapes the client facade; it is caught
// by the failover envelope and converted into either a retry or one of the
// other kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadArgument
	KindReadOnly
	KindNoServersAvailable
	KindConcurrencyMisuse
	KindProtocolError
	KindOutOfBand
)

func (k Kind) String() string {
	switch k {
	case KindBadArgument:
		return "BadArgument"
	case KindReadOnly:
		return "ReadOnly"
	case KindNoServersAvailable:
		return "NoServersAvailable"
	case KindConcurrencyMisuse:
		return "ConcurrencyMisuse"
	case KindProtocolError:
		return "ProtocolError"
	case KindOutOfBand:
		return "OutOfBand"
	default:
		return "Unknown"
	}
}

// CacheError is the single error type rooted hierarchy every public
// operation surfaces errors through (section 7).
type CacheError interface {
	error

	// GetMessage returns the error string without the stack trace.
	GetMessage() string

	// GetInner returns the wrapped error, or nil.
	GetInner() error

	// Kind returns the classification of this error.
	Kind() Kind

	// GetStack returns a human readable stack trace captured at the
	// error's creation site.
	GetStack() string
}

type cacheError struct {
	kind  Kind
	msg   string
	inner error

	stack      []uintptr
	framesOnce sync.Once
	frames     []frame
}

type frame struct {
	pc       uintptr
	funcName string
	file     string
	line     int
}

func (e *cacheError) Error() string {
	return extractFullMessage(e, true)
}

func (e *cacheError) GetMessage() string { return e.msg }
func (e *cacheError) GetInner() error    { return e.inner }
func (e *cacheError) Kind() Kind         { return e.kind }

func (e *cacheError) resolveFrames() []frame {
	e.framesOnce.Do(func() {
		e.frames = make([]frame, len(e.stack))
		for i, pc := range e.stack {
			f := runtime.FuncForPC(pc)
			fr := frame{pc: pc}
			if f != nil {
				fr.funcName = f.Name()
				fr.file, fr.line = f.FileLine(pc - 1)
			}
			e.frames[i] = fr
		}
	})
	return e.frames
}

func (e *cacheError) GetStack() string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	for _, fr := range e.resolveFrames() {
		buf.WriteString(fr.funcName)
		buf.WriteString("\n")
		fmt.Fprintf(buf, "\t%s:%d +0x%x\n", fr.file, fr.line, fr.pc)
	}
	return buf.String()
}

func extractFullMessage(e CacheError, includeStack bool) string {
	var last CacheError
	buf := bytes.NewBuffer(make([]byte, 0, 256))

	cur := e
	for {
		last = cur
		buf.WriteString(cur.GetMessage())

		inner := cur.GetInner()
		if inner == nil {
			break
		}
		next, ok := inner.(CacheError)
		if !ok {
			buf.WriteString(": ")
			buf.WriteString(inner.Error())
			break
		}
		buf.WriteString(": ")
		cur = next
	}
	if includeStack {
		buf.WriteString("\nORIGINAL STACK TRACE:\n")
		buf.WriteString(last.GetStack())
	}
	return buf.String()
}

func newError(kind Kind, inner error, msg string) *cacheError {
	stack := make([]uintptr, 64)
	n := runtime.Callers(3, stack)
	return &cacheError{
		kind:  kind,
		msg:   msg,
		inner: inner,
		stack: stack[:n],
	}
}

// New returns an unclassified CacheError with the given message.
func New(msg string) CacheError { return newError(KindUnknown, nil, msg) }

// Newf is New with fmt.Sprintf-style formatting.
func Newf(format string, args ...interface{}) CacheError {
	return newError(KindUnknown, nil, fmt.Sprintf(format, args...))
}

// Wrap returns a new CacheError that wraps err.
func Wrap(err error, msg string) CacheError { return newError(KindUnknown, err, msg) }

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(err error, format string, args ...interface{}) CacheError {
	return newError(KindUnknown, err, fmt.Sprintf(format, args...))
}

// BadArgument reports a caller-supplied key or value that violates the
// client's wire-level constraints.  No I/O is attempted.
func BadArgument(format string, args ...interface{}) CacheError {
	return newError(KindBadArgument, nil, fmt.Sprintf(format, args...))
}

// ReadOnly reports a mutating call against a read-only client.
func ReadOnly(op string) CacheError {
	return newError(KindReadOnly, nil, fmt.Sprintf("%s: client is read-only", op))
}

// NoServersAvailable reports routing exhaustion: either the server list is
// empty, or the rehash loop never landed on a live server.
func NoServersAvailable(msg string) CacheError {
	return newError(KindNoServersAvailable, nil, msg)
}

// ConcurrencyMisuse reports a single-thread-mode client accessed from a
// thread other than the one that constructed it.
func ConcurrencyMisuse() CacheError {
	return newError(
		KindConcurrencyMisuse,
		nil,
		"client was constructed for exclusive use by a single goroutine")
}

// Protocol wraps a server reply that does not parse as a well formed
// response, or an explicit ERROR/CLIENT_ERROR/SERVER_ERROR line.
func Protocol(line string) CacheError {
	return newError(KindProtocolError, nil, fmt.Sprintf("protocol error: %s", line))
}

// WrapProtocol wraps a lower level I/O error as a protocol error, for the
// case where no fallback server exists and the failure must surface to the
// caller as something other than OutOfBand.
func WrapProtocol(err error, msg string) CacheError {
	return newError(KindProtocolError, err, msg)
}

// Reclassify returns a copy of err under a different Kind, preserving its
// message and inner chain verbatim. It is for the case where a client-level
// decision — not the underlying failure — determines how a caller should
// see an error (e.g. unwrapping an internal OutOfBand signal down to the
// dial failure that caused it), without prepending any text of its own.
func Reclassify(err error, kind Kind) CacheError {
	if ce, ok := err.(*cacheError); ok {
		return &cacheError{kind: kind, msg: ce.msg, inner: ce.inner, stack: ce.stack}
	}
	return newError(kind, err, "")
}

// outOfBand signals "this server is not usable for this request" to the
// operation envelope.  It must never escape the client facade.
func outOfBand(err error, msg string) CacheError {
	return newError(KindOutOfBand, err, msg)
}

// OutOfBand wraps err as an internal signal that the current server should
// be abandoned and the calling envelope should retry on a different one.
func OutOfBand(err error, msg string) CacheError { return outOfBand(err, msg) }

// IsKind reports whether err is a CacheError of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := err.(CacheError)
	return ok && ce.Kind() == kind
}
