package memcachedb

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	cerr "github.com/relaycache/memcachedb/internal/errors"
)

// errorLinePattern matches any reply whose first token is an error
// sentinel: ERROR, CLIENT_ERROR, or SERVER_ERROR.
var errorLinePattern = regexp.MustCompile(`^(CLIENT_ERROR|SERVER_ERROR|ERROR)(\s(.*))?$`)

// valueLinePattern matches "VALUE <key> <flags> <bytes>".
var valueLinePattern = regexp.MustCompile(`^VALUE (\S+) (\S+) (\S+)$`)

func isErrorLine(line string) (bool, string) {
	m := errorLinePattern.FindStringSubmatch(line)
	if m == nil {
		return false, ""
	}
	return true, m[3]
}

func writeCommand(w *bufio.Writer, parts ...string) error {
	for _, p := range parts {
		if _, err := w.WriteString(p); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeGetCommand(w *bufio.Writer, keys []string) error {
	return writeCommand(w, "get ", strings.Join(keys, " "), "\r\n")
}

func writeRgetCommand(w *bufio.Writer, startKey, endKey string, limit int) error {
	return writeCommand(w, "rget ", startKey, " ", endKey, " 0 0 ", strconv.Itoa(limit), "\r\n")
}

func writeStoreCommand(w *bufio.Writer, op, key string, expiry uint32, data []byte) error {
	return writeCommand(w,
		op, " ", key, " 0 ", strconv.FormatUint(uint64(expiry), 10), " ",
		strconv.Itoa(len(data)), "\r\n",
		string(data), "\r\n")
}

func writeDeleteCommand(w *bufio.Writer, key string, expiry uint32) error {
	return writeCommand(w, "delete ", key, " ", strconv.FormatUint(uint64(expiry), 10), "\r\n")
}

func writeCountCommand(w *bufio.Writer, op, key string, amount int64) error {
	return writeCommand(w, op, " ", key, " ", strconv.FormatInt(amount, 10), "\r\n")
}

func writeFlushCommand(w *bufio.Writer) error {
	return writeCommand(w, "flush_all\r\n")
}

func writeStatsCommand(w *bufio.Writer) error {
	return writeCommand(w, "stats\r\n")
}

func readLine(r *bufio.Reader) (string, error) {
	line, isPrefix, err := r.ReadLine()
	if err != nil {
		return "", err
	}
	if isPrefix {
		return "", cerr.New("response line exceeded buffer size")
	}
	return string(line), nil
}

// readValueBlocks reads a stream of "VALUE ... \r\n<data>\r\n" blocks
// terminated by "END\r\n", as produced by get, get_multi, and rget. It
// returns the keys in the order the server emitted them (rget's contract
// is a sorted range; get/get_multi order is whatever the server chose).
//
// A line that is a well formed ERROR/CLIENT_ERROR/SERVER_ERROR reply ends
// the read cleanly and is surfaced as a ProtocolError (no retry). Any
// other line that isn't "VALUE ..." or "END" means the stream can no
// longer be trusted, so it is returned as a plain error: the caller's
// socket envelope will close the connection, retry once, and quarantine
// the server if the retry also fails.
func readValueBlocks(r *bufio.Reader) (map[string][]byte, []string, error) {
	values := make(map[string][]byte)
	order := make([]string, 0, 4)

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, nil, err
		}

		if line == "END" {
			return values, order, nil
		}

		if isErr, msg := isErrorLine(line); isErr {
			return nil, nil, cerr.Protocol(msg)
		}

		m := valueLinePattern.FindStringSubmatch(line)
		if m == nil {
			return nil, nil, cerr.New("unrecognized response line: " + line)
		}

		key := m[1]
		size, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, nil, cerr.New("unrecognized response line: " + line)
		}

		data := make([]byte, size+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, nil, err
		}
		if data[size] != '\r' || data[size+1] != '\n' {
			return nil, nil, cerr.New("corrupted value block for key " + key)
		}

		values[key] = data[:size]
		order = append(order, key)
	}
}

// readStoredReply parses the reply to set/add/replace/cas: "STORED" means
// success, "NOT_STORED" (and the cas-only "EXISTS") mean a clean refusal.
func readStoredReply(r *bufio.Reader) (bool, error) {
	line, err := readLine(r)
	if err != nil {
		return false, err
	}
	switch line {
	case "STORED":
		return true, nil
	case "NOT_STORED", "EXISTS":
		return false, nil
	}
	if isErr, msg := isErrorLine(line); isErr {
		return false, cerr.Protocol(msg)
	}
	return false, cerr.New("unrecognized store reply: " + line)
}

// readDeleteReply parses the reply to delete: true for DELETED, false for
// NOT_FOUND.
func readDeleteReply(r *bufio.Reader) (bool, error) {
	line, err := readLine(r)
	if err != nil {
		return false, err
	}
	switch line {
	case "DELETED":
		return true, nil
	case "NOT_FOUND":
		return false, nil
	}
	if isErr, msg := isErrorLine(line); isErr {
		return false, cerr.Protocol(msg)
	}
	return false, cerr.New("unrecognized delete reply: " + line)
}

// readCountReply parses the reply to incr/decr: the resulting counter
// value, or found=false on NOT_FOUND. Trailing spaces in the numeric
// reply are tolerated.
func readCountReply(r *bufio.Reader) (int64, bool, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, false, err
	}
	if line == "NOT_FOUND" {
		return 0, false, nil
	}
	if isErr, msg := isErrorLine(line); isErr {
		return 0, false, cerr.Protocol(msg)
	}
	val, parseErr := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if parseErr != nil {
		return 0, false, cerr.New("unrecognized count reply: " + line)
	}
	return val, true, nil
}

func readOKReply(r *bufio.Reader) error {
	line, err := readLine(r)
	if err != nil {
		return err
	}
	if line == "OK" {
		return nil
	}
	if isErr, msg := isErrorLine(line); isErr {
		return cerr.Protocol(msg)
	}
	return cerr.New("unrecognized reply: " + line)
}

// readStatsReply parses a "STAT <name> <value>\r\n" ... "END\r\n" stream,
// converting recognized keys the way the reference client does:
// rusage_user/rusage_system parse "<sec>:<usec>" into seconds as a float
// (a missing ":<usec>" implies 0), all-digit values become int64, and
// everything else is left as a string.
func readStatsReply(r *bufio.Reader) (map[string]interface{}, error) {
	entries := make(map[string]interface{})

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return entries, nil
		}
		if isErr, msg := isErrorLine(line); isErr {
			return nil, cerr.Protocol(msg)
		}

		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 || parts[0] != "STAT" {
			return nil, cerr.New("unrecognized stats line: " + line)
		}
		entries[parts[1]] = convertStatValue(parts[1], parts[2])
	}
}

func convertStatValue(name, value string) interface{} {
	switch name {
	case "rusage_user", "rusage_system":
		sec, usec := value, "0"
		if idx := strings.IndexByte(value, ':'); idx >= 0 {
			sec, usec = value[:idx], value[idx+1:]
		}
		secF, err1 := strconv.ParseFloat(sec, 64)
		usecF, err2 := strconv.ParseFloat(usec, 64)
		if err1 != nil || err2 != nil {
			return value
		}
		return secF + usecF/1e6
	}

	if isAllDigits(value) {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return value
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
