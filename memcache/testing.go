package memcache

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TestingT is an interface for testing compatibility.
type TestingT interface {
	Logf(format string, args ...any)
	FailNow()
	Cleanup(func())
}

// TestServer is an in-process cache node that also answers the cluster
// auto-discovery commands. It listens on 127.0.0.1 and is closed on test cleanup.
type TestServer struct {
	ln     net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	items  map[string]*Item
	closed bool

	version        string
	clusterEnabled bool
	clusterPayload string
	failConfig     int
	configDelay    time.Duration

	accepted       atomic.Int64
	open           atomic.Int64
	configRequests atomic.Int64
	legacyRequests atomic.Int64
}

// NewTestServer starts a fake node with discovery disabled.
func NewTestServer(t TestingT) *TestServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Logf("failed to listen for test server: %v", err)
		t.FailNow()
	}

	var s = &TestServer{
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
		items:   make(map[string]*Item),
		version: "1.6.22",
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the "127.0.0.1:port" address of the server.
func (s *TestServer) Addr() string { return s.ln.Addr().String() }

// Port returns the TCP port the server listens on.
func (s *TestServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Token returns this server's "hostname|ip|port" discovery token.
func (s *TestServer) Token(hostname string) string {
	return fmt.Sprintf("%s|127.0.0.1|%d", hostname, s.Port())
}

// SetVersion sets the engine version reported by the version command.
func (s *TestServer) SetVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

// SetCluster enables discovery and publishes the given version and node tokens.
func (s *TestServer) SetCluster(version int, tokens ...string) {
	s.SetClusterPayload(fmt.Sprintf("%d\n%s\n", version, strings.Join(tokens, " ")))
}

// SetClusterPayload enables discovery with a raw configuration payload.
func (s *TestServer) SetClusterPayload(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterEnabled = true
	s.clusterPayload = payload
}

// DisableCluster makes discovery commands fail with ERROR, like a plain memcached.
func (s *TestServer) DisableCluster() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterEnabled = false
}

// FailConfig drops the connection on the next n discovery requests.
func (s *TestServer) FailConfig(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConfig = n
}

// DelayConfig delays every discovery reply by d.
func (s *TestServer) DelayConfig(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configDelay = d
}

// ConfigRequests returns how many "config get cluster" commands were received.
func (s *TestServer) ConfigRequests() int64 { return s.configRequests.Load() }

// LegacyRequests returns how many legacy cluster key lookups were received.
func (s *TestServer) LegacyRequests() int64 { return s.legacyRequests.Load() }

// Accepted returns the number of connections accepted so far.
func (s *TestServer) Accepted() int64 { return s.accepted.Load() }

// Open returns the number of connections currently open.
func (s *TestServer) Open() int64 { return s.open.Load() }

// Item returns a stored item.
func (s *TestServer) Item(key string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	return item, ok
}

// Close stops the listener and drops every open connection.
func (s *TestServer) Close() {
	_ = s.ln.Close()

	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *TestServer) serve() {
	defer s.wg.Done()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)
		s.open.Add(1)

		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *TestServer) handle(c net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
		s.open.Add(-1)
		s.wg.Done()
	}()

	var rw = bufio.NewReadWriter(bufio.NewReader(c), bufio.NewWriter(c))
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}

		if !s.dispatch(rw, strings.Fields(strings.TrimRight(line, "\r\n"))) {
			return
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

// dispatch answers one command. It returns false when the connection must be dropped.
func (s *TestServer) dispatch(rw *bufio.ReadWriter, fields []string) bool {
	if len(fields) == 0 {
		_, _ = rw.WriteString("ERROR\r\n")
		return true
	}

	switch fields[0] {
	case "version":
		s.mu.Lock()
		_, _ = fmt.Fprintf(rw, "VERSION %s\r\n", s.version)
		s.mu.Unlock()

	case "config":
		return s.configGet(rw, fields)

	case "get", "gets":
		s.get(rw, fields[1:])

	case "set":
		return s.set(rw, fields)

	case "delete":
		if len(fields) < 2 {
			_, _ = rw.WriteString("ERROR\r\n")
			break
		}
		s.mu.Lock()
		_, ok := s.items[fields[1]]
		delete(s.items, fields[1])
		s.mu.Unlock()
		if ok {
			_, _ = rw.WriteString("DELETED\r\n")
		} else {
			_, _ = rw.WriteString("NOT_FOUND\r\n")
		}

	case "incr", "decr":
		s.arith(rw, fields)

	default:
		_, _ = rw.WriteString("ERROR\r\n")
	}
	return true
}

func (s *TestServer) configGet(rw *bufio.ReadWriter, fields []string) bool {
	if len(fields) != 3 || fields[1] != "get" || fields[2] != "cluster" {
		_, _ = rw.WriteString("ERROR\r\n")
		return true
	}

	s.configRequests.Add(1)

	s.mu.Lock()
	var (
		enabled = s.clusterEnabled
		payload = s.clusterPayload
		delay   = s.configDelay
		drop    = s.failConfig > 0
	)
	if drop {
		s.failConfig--
	}
	s.mu.Unlock()

	if drop {
		return false
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if !enabled {
		_, _ = rw.WriteString("ERROR\r\n")
		return true
	}

	_, _ = fmt.Fprintf(rw, "CONFIG cluster 0 %d\r\n%s\r\nEND\r\n", len(payload), payload)
	return true
}

func (s *TestServer) get(rw *bufio.ReadWriter, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if key == LegacyClusterKey && s.clusterEnabled {
			s.legacyRequests.Add(1)
			_, _ = fmt.Fprintf(rw, "VALUE %s 0 %d\r\n%s\r\n", key, len(s.clusterPayload), s.clusterPayload)
			continue
		}

		if item, ok := s.items[key]; ok {
			_, _ = fmt.Fprintf(rw, "VALUE %s %d %d\r\n", key, item.Flags, len(item.Value))
			_, _ = rw.Write(item.Value)
			_, _ = rw.WriteString("\r\n")
		}
	}
	_, _ = rw.WriteString("END\r\n")
}

func (s *TestServer) set(rw *bufio.ReadWriter, fields []string) bool {
	if len(fields) < 5 {
		_, _ = rw.WriteString("ERROR\r\n")
		return true
	}

	flags, err1 := strconv.ParseUint(fields[2], 10, 32)
	exp, err2 := strconv.ParseInt(fields[3], 10, 32)
	size, err3 := strconv.Atoi(fields[4])
	if err1 != nil || err2 != nil || err3 != nil || size < 0 {
		_, _ = rw.WriteString("CLIENT_ERROR bad command line format\r\n")
		return true
	}

	var data = make([]byte, size+2)
	if _, err := io.ReadFull(rw, data); err != nil {
		return false
	}

	s.mu.Lock()
	s.items[fields[1]] = &Item{
		Key:        fields[1],
		Value:      data[:size],
		Flags:      uint32(flags),
		Expiration: int32(exp),
	}
	s.mu.Unlock()

	_, _ = rw.WriteString("STORED\r\n")
	return true
}

func (s *TestServer) arith(rw *bufio.ReadWriter, fields []string) {
	if len(fields) < 3 {
		_, _ = rw.WriteString("ERROR\r\n")
		return
	}

	delta, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		_, _ = rw.WriteString("CLIENT_ERROR invalid numeric delta argument\r\n")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[fields[1]]
	if !ok {
		_, _ = rw.WriteString("NOT_FOUND\r\n")
		return
	}

	current, err := strconv.ParseUint(string(item.Value), 10, 64)
	if err != nil {
		_, _ = rw.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		return
	}

	if fields[0] == "incr" {
		current += delta
	} else if delta > current {
		current = 0
	} else {
		current -= delta
	}

	item.Value = []byte(strconv.FormatUint(current, 10))
	_, _ = fmt.Fprintf(rw, "%d\r\n", current)
}
