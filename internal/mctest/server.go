// Package mctest runs an in-process memcached-compatible server speaking
// the binary protocol, used by tests to exercise real round trips without
// an external daemon.
package mctest

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/DeltaLaboratory/memring/internal/protocol"
)

type item struct {
	value   []byte
	flags   uint32
	cas     uint64
	expires time.Time
}

// Server is one fake cache node. Zero configuration: listen on a loopback
// port, serve until closed.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	items   map[string]*item
	casSeq  uint64
	conns   map[net.Conn]struct{}
	failing map[string]protocol.Status
	closed  bool

	username string
	password string

	wg sync.WaitGroup
}

// NewServer starts a server on an ephemeral loopback port.
func NewServer() (*Server, error) {
	return listen("tcp", "127.0.0.1:0")
}

// NewUnixServer starts a server on the given socket path.
func NewUnixServer(path string) (*Server, error) {
	return listen("unix", path)
}

func listen(network, addr string) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:    ln,
		items: make(map[string]*item),
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address ("host:port" or socket path).
func (s *Server) Addr() string { return s.ln.Addr().String() }

// RequireAuth makes the server reject commands until the connection
// authenticates with SASL PLAIN using the given credentials.
func (s *Server) RequireAuth(username, password string) {
	s.mu.Lock()
	s.username = username
	s.password = password
	s.mu.Unlock()
}

// FailReads makes every subsequent read of key answer with the given
// status, simulating a server-side failure such as out-of-memory.
func (s *Server) FailReads(key string, status protocol.Status) {
	s.mu.Lock()
	if s.failing == nil {
		s.failing = make(map[string]protocol.Status)
	}
	s.failing[key] = status
	s.mu.Unlock()
}

func (s *Server) credentials() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.password
}

// Close stops accepting and tears down current connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.ln.Close()
}

// ItemCount reports the number of live items, for test assertions.
func (s *Server) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for _, it := range s.items {
		if it.expires.IsZero() || it.expires.After(now) {
			n++
		}
	}
	return n
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(c)
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) serve(c net.Conn) {
	defer c.Close()
	username, _ := s.credentials()
	authed := username == ""
	for {
		req, err := readRequest(c)
		if err != nil {
			return
		}
		if req.Op == protocol.OpQuit {
			return
		}
		if !authed && req.Op != protocol.OpSASLAuth && req.Op != protocol.OpSASLListMechs {
			if err := reply(c, req, &protocol.Response{Status: protocol.StatusAuthError}); err != nil {
				return
			}
			continue
		}
		resp, send := s.dispatch(req, &authed)
		if !send {
			continue
		}
		if err := reply(c, req, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *protocol.Request, authed *bool) (*protocol.Response, bool) {
	switch req.Op {
	case protocol.OpGet, protocol.OpGetK, protocol.OpGetQ, protocol.OpGetKQ:
		return s.handleGet(req)
	case protocol.OpGAT:
		return s.handleGAT(req)
	case protocol.OpSet, protocol.OpAdd, protocol.OpReplace:
		return s.handleStore(req)
	case protocol.OpAppend, protocol.OpPrepend:
		return s.handleConcat(req)
	case protocol.OpDelete:
		return s.handleDelete(req)
	case protocol.OpIncrement, protocol.OpDecrement:
		return s.handleCounter(req)
	case protocol.OpTouch:
		return s.handleTouch(req)
	case protocol.OpNoop:
		return &protocol.Response{}, true
	case protocol.OpVersion:
		return &protocol.Response{Value: []byte("1.6.0-mctest")}, true
	case protocol.OpFlush:
		s.mu.Lock()
		s.items = make(map[string]*item)
		s.mu.Unlock()
		return &protocol.Response{}, true
	case protocol.OpStat:
		return s.handleStat(req)
	case protocol.OpSASLListMechs:
		return &protocol.Response{Value: []byte("PLAIN")}, true
	case protocol.OpSASLAuth:
		return s.handleAuth(req, authed)
	default:
		return &protocol.Response{Status: protocol.StatusUnknownCommand}, true
	}
}

func (s *Server) lookup(key string) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if !it.expires.IsZero() && !it.expires.After(time.Now()) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *Server) nextCAS() uint64 {
	s.casSeq++
	return s.casSeq
}

func expireAt(secs uint32) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(secs) * time.Second)
}

func (s *Server) handleGet(req *protocol.Request) (*protocol.Response, bool) {
	quiet := req.Op == protocol.OpGetQ || req.Op == protocol.OpGetKQ
	withKey := req.Op == protocol.OpGetK || req.Op == protocol.OpGetKQ

	s.mu.Lock()
	st, injected := s.failing[string(req.Key)]
	it := s.lookup(string(req.Key))
	s.mu.Unlock()

	// Quiet variants suppress misses only; other errors are answered.
	if injected {
		return &protocol.Response{Status: st}, true
	}
	if it == nil {
		if quiet {
			return nil, false
		}
		return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
	}

	resp := &protocol.Response{
		Extras: flagExtras(it.flags),
		Value:  it.value,
		CAS:    it.cas,
	}
	if withKey {
		resp.Key = req.Key
	}
	return resp, true
}

func (s *Server) handleGAT(req *protocol.Request) (*protocol.Response, bool) {
	if len(req.Extras) != 4 {
		return &protocol.Response{Status: protocol.StatusInvalidArgs}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.lookup(string(req.Key))
	if it == nil {
		return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
	}
	it.expires = expireAt(binary.BigEndian.Uint32(req.Extras))
	return &protocol.Response{
		Extras: flagExtras(it.flags),
		Value:  it.value,
		CAS:    it.cas,
	}, true
}

func (s *Server) handleStore(req *protocol.Request) (*protocol.Response, bool) {
	if len(req.Extras) != 8 {
		return &protocol.Response{Status: protocol.StatusInvalidArgs}, true
	}
	flags := binary.BigEndian.Uint32(req.Extras)
	expires := expireAt(binary.BigEndian.Uint32(req.Extras[4:]))
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.lookup(key)

	switch req.Op {
	case protocol.OpAdd:
		if existing != nil {
			return &protocol.Response{Status: protocol.StatusKeyExists}, true
		}
	case protocol.OpReplace:
		if existing == nil {
			return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
		}
	}
	if req.CAS != 0 {
		if existing == nil {
			return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
		}
		if existing.cas != req.CAS {
			return &protocol.Response{Status: protocol.StatusKeyExists}, true
		}
	}

	it := &item{
		value:   append([]byte(nil), req.Value...),
		flags:   flags,
		cas:     s.nextCAS(),
		expires: expires,
	}
	s.items[key] = it
	return &protocol.Response{CAS: it.cas}, true
}

func (s *Server) handleConcat(req *protocol.Request) (*protocol.Response, bool) {
	key := string(req.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.lookup(key)
	if it == nil {
		return &protocol.Response{Status: protocol.StatusItemNotStored}, true
	}
	if req.Op == protocol.OpAppend {
		it.value = append(it.value, req.Value...)
	} else {
		it.value = append(append([]byte(nil), req.Value...), it.value...)
	}
	it.cas = s.nextCAS()
	return &protocol.Response{CAS: it.cas}, true
}

func (s *Server) handleDelete(req *protocol.Request) (*protocol.Response, bool) {
	key := string(req.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) == nil {
		return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
	}
	delete(s.items, key)
	return &protocol.Response{}, true
}

func (s *Server) handleCounter(req *protocol.Request) (*protocol.Response, bool) {
	if len(req.Extras) != 20 {
		return &protocol.Response{Status: protocol.StatusInvalidArgs}, true
	}
	delta := binary.BigEndian.Uint64(req.Extras)
	initial := binary.BigEndian.Uint64(req.Extras[8:])
	expiry := binary.BigEndian.Uint32(req.Extras[16:])
	key := string(req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.lookup(key)
	if it == nil {
		if expiry == protocol.NoAutoCreate {
			return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
		}
		it = &item{
			value:   strconv.AppendUint(nil, initial, 10),
			cas:     s.nextCAS(),
			expires: expireAt(expiry),
		}
		s.items[key] = it
		return counterResponse(initial, it.cas), true
	}

	current, err := strconv.ParseUint(string(it.value), 10, 64)
	if err != nil {
		return &protocol.Response{Status: protocol.StatusNonNumeric}, true
	}
	if req.Op == protocol.OpIncrement {
		current += delta // wraps modulo 2^64
	} else if delta > current {
		current = 0
	} else {
		current -= delta
	}
	it.value = strconv.AppendUint(nil, current, 10)
	it.cas = s.nextCAS()
	return counterResponse(current, it.cas), true
}

func (s *Server) handleTouch(req *protocol.Request) (*protocol.Response, bool) {
	if len(req.Extras) != 4 {
		return &protocol.Response{Status: protocol.StatusInvalidArgs}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.lookup(string(req.Key))
	if it == nil {
		return &protocol.Response{Status: protocol.StatusKeyNotFound}, true
	}
	it.expires = expireAt(binary.BigEndian.Uint32(req.Extras))
	return &protocol.Response{CAS: it.cas}, true
}

func (s *Server) handleStat(req *protocol.Request) (*protocol.Response, bool) {
	// Responses for each stat are written directly; the returned frame is
	// the empty terminator.
	return &protocol.Response{}, true
}

func (s *Server) handleAuth(req *protocol.Request, authed *bool) (*protocol.Response, bool) {
	username, password := s.credentials()
	if username == "" {
		*authed = true
		return &protocol.Response{Value: []byte("Authenticated")}, true
	}
	user, pass, ok := splitPlain(req.Value)
	if !ok || string(req.Key) != "PLAIN" || user != username || pass != password {
		return &protocol.Response{Status: protocol.StatusAuthError}, true
	}
	*authed = true
	return &protocol.Response{Value: []byte("Authenticated")}, true
}

func splitPlain(value []byte) (user, pass string, ok bool) {
	if len(value) == 0 || value[0] != 0 {
		return "", "", false
	}
	rest := value[1:]
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i]), string(rest[i+1:]), true
		}
	}
	return "", "", false
}

func counterResponse(value, cas uint64) *protocol.Response {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, value)
	return &protocol.Response{Value: body, CAS: cas}
}

func flagExtras(flags uint32) []byte {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, flags)
	return extras
}
