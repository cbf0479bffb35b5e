package memring

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/rs/zerolog"
)

// NamespaceProvider resolves the key prefix applied to every operation.
// It is either a fixed string or a zero-argument resolver invoked once per
// call; both satisfy the same contract.
type NamespaceProvider interface {
	Resolve() string
}

type staticNamespace string

func (n staticNamespace) Resolve() string { return string(n) }

// NamespaceFunc adapts a zero-argument function to a NamespaceProvider.
type NamespaceFunc func() string

func (f NamespaceFunc) Resolve() string { return f() }

// Digest produces the fixed-width hex digest used to rehash keys that exceed
// the protocol key length limit.
type Digest interface {
	Sum(key string) string
}

type xxDigest struct{}

func (xxDigest) Sum(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

type serverSpec struct {
	network string // "tcp" or "unix"
	addr    string
	weight  int
}

type config struct {
	specs []serverSpec

	namespace  NamespaceProvider
	defaultTTL time.Duration

	compress          bool
	compressThreshold int
	maxValueBytes     int
	cacheNils         bool
	digest            Digest

	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	keepalive      bool
	tls            *tls.Config
	username       string
	password       string

	maxNodeFailures int
	downRetryDelay  time.Duration
	failoverTries   int
	casRetries      int

	logger zerolog.Logger
}

func defaultConfig() config {
	return config{
		compress:          true,
		compressThreshold: 4 * 1024,
		maxValueBytes:     1 << 20,
		digest:            xxDigest{},
		connectTimeout:    time.Second,
		readTimeout:       2 * time.Second,
		writeTimeout:      2 * time.Second,
		keepalive:         true,
		maxNodeFailures:   2,
		downRetryDelay:    30 * time.Second,
		failoverTries:     2,
		casRetries:        16,
		logger:            zerolog.Nop(),
	}
}

// Option configures a Client at construction time.
type Option func(*config) error

// WithNamespace prefixes every key with the given string and a colon.
func WithNamespace(ns string) Option {
	return func(c *config) error {
		c.namespace = staticNamespace(ns)
		return nil
	}
}

// WithNamespaceFunc prefixes every key with the result of fn, resolved once
// per call.
func WithNamespaceFunc(fn func() string) Option {
	return func(c *config) error {
		if fn == nil {
			return fmt.Errorf("memring: namespace func must not be nil")
		}
		c.namespace = NamespaceFunc(fn)
		return nil
	}
}

// WithDefaultTTL sets the expiry applied when a store operation passes a zero
// TTL. The duration is truncated to whole seconds on the wire.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("memring: default ttl must not be negative, got %v", d)
		}
		c.defaultTTL = d
		return nil
	}
}

// WithCompress toggles the compression transform for large values.
func WithCompress(enabled bool) Option {
	return func(c *config) error {
		c.compress = enabled
		return nil
	}
}

// WithCompression is the legacy spelling of WithCompress. Both map onto the
// same option; the most recent write wins.
//
// Deprecated: use WithCompress.
func WithCompression(enabled bool) Option {
	return WithCompress(enabled)
}

// WithCompressThreshold sets the payload size, in bytes, at which compression
// kicks in.
func WithCompressThreshold(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("memring: compress threshold must be positive, got %d", n)
		}
		c.compressThreshold = n
		return nil
	}
}

// WithMaxValueBytes sets the server's maximum item size enforced client side.
func WithMaxValueBytes(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("memring: max value bytes must be positive, got %d", n)
		}
		c.maxValueBytes = n
		return nil
	}
}

// WithCacheNils makes a stored nil count as a hit for Fetch, so expensive
// lookups that legitimately produce nil are not recomputed.
func WithCacheNils(enabled bool) Option {
	return func(c *config) error {
		c.cacheNils = enabled
		return nil
	}
}

// WithDigest replaces the digest used for over-length key rehashing. The
// digest must produce a fixed-width hex string; anything else is rejected at
// construction.
func WithDigest(d Digest) Option {
	return func(c *config) error {
		if d == nil {
			return fmt.Errorf("memring: digest must not be nil")
		}
		if err := validateDigest(d); err != nil {
			return err
		}
		c.digest = d
		return nil
	}
}

// WithTimeouts sets the connect, read and write timeouts independently.
// A zero value keeps the corresponding default.
func WithTimeouts(connect, read, write time.Duration) Option {
	return func(c *config) error {
		if connect < 0 || read < 0 || write < 0 {
			return fmt.Errorf("memring: timeouts must not be negative")
		}
		if connect > 0 {
			c.connectTimeout = connect
		}
		if read > 0 {
			c.readTimeout = read
		}
		if write > 0 {
			c.writeTimeout = write
		}
		return nil
	}
}

// WithKeepAlive toggles TCP keepalive on server sockets.
func WithKeepAlive(enabled bool) Option {
	return func(c *config) error {
		c.keepalive = enabled
		return nil
	}
}

// WithTLS wraps TCP connections with the given TLS configuration.
func WithTLS(cfg *tls.Config) Option {
	return func(c *config) error {
		c.tls = cfg
		return nil
	}
}

// WithAuth enables SASL PLAIN authentication on every connection.
func WithAuth(username, password string) Option {
	return func(c *config) error {
		if username == "" {
			return fmt.Errorf("memring: auth username must not be empty")
		}
		c.username = username
		c.password = password
		return nil
	}
}

// WithFailover sets how many distinct servers a single-key operation may try
// when the primary is down. One disables failover.
func WithFailover(tries int) Option {
	return func(c *config) error {
		if tries < 1 {
			return fmt.Errorf("memring: failover tries must be at least 1, got %d", tries)
		}
		c.failoverTries = tries
		return nil
	}
}

// WithDownRetry sets the consecutive-failure threshold after which a node is
// treated as down, and how long it stays down before the next attempt.
func WithDownRetry(maxFailures int, delay time.Duration) Option {
	return func(c *config) error {
		if maxFailures < 1 {
			return fmt.Errorf("memring: max failures must be at least 1, got %d", maxFailures)
		}
		if delay < 0 {
			return fmt.Errorf("memring: down retry delay must not be negative")
		}
		c.maxNodeFailures = maxFailures
		c.downRetryDelay = delay
		return nil
	}
}

// WithCASRetries bounds the Update retry loop.
func WithCASRetries(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("memring: cas retries must be at least 1, got %d", n)
		}
		c.casRetries = n
		return nil
	}
}

// WithLogger injects a zerolog logger for connection and node state events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

func validateDigest(d Digest) error {
	// Probes of different lengths catch digests whose width tracks the input.
	a, b := d.Sum("memring.digest.probe"), d.Sum("memring.digest.probe.extended")
	if a == "" || len(a) != len(b) {
		return fmt.Errorf("memring: digest must produce a fixed-width digest")
	}
	if len(a) > 64 {
		return fmt.Errorf("memring: digest width %d exceeds 64", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		return fmt.Errorf("memring: digest must produce hex output: %w", err)
	}
	return nil
}

const defaultPort = "11211"

// parseServers accepts "host:port", "host:port:weight", comma-separated
// lists of those, and absolute filesystem paths for unix sockets.
func parseServers(inputs []string) ([]serverSpec, error) {
	var specs []serverSpec
	for _, input := range inputs {
		for _, raw := range strings.Split(input, ",") {
			entry := strings.TrimSpace(raw)
			if entry == "" {
				return nil, fmt.Errorf("memring: empty server address in %q", input)
			}
			spec, err := parseServer(entry)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("memring: at least one server is required")
	}
	return specs, nil
}

func parseServer(entry string) (serverSpec, error) {
	if strings.ContainsRune(entry, '/') {
		return serverSpec{network: "unix", addr: entry, weight: 1}, nil
	}

	host, rest := entry, ""
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		host, rest = entry[:i], entry[i+1:]
	}
	if host == "" {
		return serverSpec{}, fmt.Errorf("memring: invalid server address %q", entry)
	}

	port, weight := defaultPort, 1
	if rest != "" {
		parts := strings.Split(rest, ":")
		if len(parts) > 2 {
			return serverSpec{}, fmt.Errorf("memring: invalid server address %q", entry)
		}
		port = parts[0]
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return serverSpec{}, fmt.Errorf("memring: invalid port in %q", entry)
		}
		if len(parts) == 2 {
			w, err := strconv.Atoi(parts[1])
			if err != nil || w < 1 {
				return serverSpec{}, fmt.Errorf("memring: invalid weight in %q", entry)
			}
			weight = w
		}
	}
	return serverSpec{network: "tcp", addr: host + ":" + port, weight: weight}, nil
}
