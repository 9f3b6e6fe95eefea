// Package arclib is the top-level library instance and per-message
// context tying the chain, seal, domainkey, resolver, and authresults
// packages together behind one process-wide configuration object, in
// the shape of a milter-style verification/signing library: one Lib
// created at startup, one Message per mail transaction.
package arclib

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/arcseal/arcseal/resolver"
)

// Flags is the library instance's bitmap of intake/debugging behaviors.
type Flags uint8

const (
	// FlagFixCRLF promotes bare CR and bare LF to CRLF on intake,
	// both for header fields and for body chunks.
	FlagFixCRLF Flags = 1 << iota
	// FlagKeepFiles is recorded in the bitmap and reported by HasFlag;
	// arclib writes no scratch files, so setting it changes nothing
	// else.
	FlagKeepFiles
)

// Lib is the process-wide configuration surface: minimum acceptable
// key size, scratch directory, intake flags, a fixed clock override
// for reproducible tests, the header sets a Sealer must sign and
// oversign, a test-key file path, signature lifetime, the DNS
// resolver every Message shares, and an optional structured logger.
// Create one with New, configure it before the first Message, and
// Close it at process shutdown.
type Lib struct {
	minKeySize int
	tmpDir     string
	flags      Flags
	fixedTime  time.Time

	signHeaders     []string
	signPattern     *regexp.Regexp
	overSignHeaders []string

	testKeysPath string
	signatureTTL time.Duration
	maxBodyBytes int

	resolver resolver.Resolver
	logger   *zap.Logger
}

// Option configures a Lib at construction.
type Option func(*Lib)

// WithMinKeySize sets the minimum public-key bit length a verification
// will accept. A signature whose key is shorter than this does not
// verify, so the chain reports fail.
func WithMinKeySize(bits int) Option {
	return func(l *Lib) { l.minKeySize = bits }
}

// WithTmpDir records a scratch-file directory on the Lib. Nothing in
// arclib reads it back or creates files there.
func WithTmpDir(dir string) Option {
	return func(l *Lib) { l.tmpDir = dir }
}

// WithFlags sets the library's intake/debugging flag bitmap.
func WithFlags(f Flags) Option {
	return func(l *Lib) { l.flags = f }
}

// WithFixedTime pins the signing clock to t, for deterministic test
// output. A zero Time (the default) means "use the wall clock".
func WithFixedTime(t time.Time) Option {
	return func(l *Lib) { l.fixedTime = t }
}

// WithSignHeaders sets the header-field names a Sealer must include in
// the new AMS's h= tag, compiled into a case-insensitive matcher.
func WithSignHeaders(names []string) Option {
	return func(l *Lib) {
		l.signHeaders = names
		l.signPattern = compileHeaderPattern(names)
	}
}

// WithOverSignHeaders sets header names to sign even when absent from
// the message, preventing a relay from adding one after sealing.
func WithOverSignHeaders(names []string) Option {
	return func(l *Lib) { l.overSignHeaders = names }
}

// WithTestKeysPath records the path of a key fixture file, returned by
// TestKeysPath. The Lib does not load the file or change resolvers
// because of it: key lookups still go through the installed resolver
// (see WithResolver and resolver.TestResolver.LoadFile).
func WithTestKeysPath(path string) Option {
	return func(l *Lib) { l.testKeysPath = path }
}

// WithSignatureTTL sets the lifetime written as x= on generated AMS
// signatures. Zero (the default) omits x= entirely.
func WithSignatureTTL(d time.Duration) Option {
	return func(l *Lib) { l.signatureTTL = d }
}

// WithMaxBodySize bounds how much body a Message will buffer before
// aborting with a resource-exhaustion error. Zero means unbounded.
func WithMaxBodySize(n int) Option {
	return func(l *Lib) { l.maxBodyBytes = n }
}

// WithResolver installs the DNS resolver every Message built from this
// Lib shares. Defaults to resolver.New() if never set.
func WithResolver(r resolver.Resolver) Option {
	return func(l *Lib) { l.resolver = r }
}

// WithLogger installs a structured logger for resolver query
// start/finish and chain-state transition events. Defaults to a no-op
// logger: the host supplies logging, and arcseal never requires one to
// function correctly.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Lib) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// fileConfig is the subset of Lib configuration a host may load from a
// YAML file via LoadConfigFile, a thin convenience layered on top of
// the functional options above; a host that owns its own configuration
// loading is free to ignore this entirely and call the With* options
// directly.
type fileConfig struct {
	MinKeySize      int      `yaml:"min_key_size"`
	SignHeaders     []string `yaml:"sign_headers"`
	OverSignHeaders []string `yaml:"oversign_headers"`
	SignatureTTL    string   `yaml:"signature_ttl"`
	TestKeysPath    string   `yaml:"test_keys_path"`
}

// LoadConfigFile parses MINKEYSIZE, SIGNHDRS, OVERSIGNHDRS, TESTKEYS,
// and SIGNATURE_TTL out of a YAML document and returns an Option
// applying them, for a host that wants these fields externalized
// without owning a full configuration loader itself. A host that
// already has its own configuration layer can ignore this entirely
// and call the With* options directly.
func LoadConfigFile(data []byte) (Option, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("arclib: parsing config file: %w", err)
	}

	var ttl time.Duration
	if cfg.SignatureTTL != "" {
		var err error
		ttl, err = time.ParseDuration(cfg.SignatureTTL)
		if err != nil {
			return nil, fmt.Errorf("arclib: parsing signature_ttl: %w", err)
		}
	}

	return func(l *Lib) {
		if cfg.MinKeySize > 0 {
			l.minKeySize = cfg.MinKeySize
		}
		if len(cfg.SignHeaders) > 0 {
			l.signHeaders = cfg.SignHeaders
			l.signPattern = compileHeaderPattern(cfg.SignHeaders)
		}
		if len(cfg.OverSignHeaders) > 0 {
			l.overSignHeaders = cfg.OverSignHeaders
		}
		if cfg.TestKeysPath != "" {
			l.testKeysPath = cfg.TestKeysPath
		}
		if ttl != 0 {
			l.signatureTTL = ttl
		}
	}, nil
}

// compileHeaderPattern builds the case-insensitive "^(a|b|...)$" regular
// expression used for SIGNHDRS/OVERSIGNHDRS header-name matching.
func compileHeaderPattern(names []string) *regexp.Regexp {
	if len(names) == 0 {
		return nil
	}
	escaped := make([]string, len(names))
	for i, n := range names {
		escaped[i] = regexp.QuoteMeta(strings.ToLower(n))
	}
	return regexp.MustCompile(`(?i)^(` + strings.Join(escaped, "|") + `)$`)
}

// New creates a Lib with the given options applied in order. Fields
// left unset take the zero-cost defaults documented on each With*
// option.
func New(opts ...Option) *Lib {
	l := &Lib{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.resolver == nil {
		l.resolver = resolver.New()
	}
	return l
}

// Close releases resources the Lib's resolver acquired. Call once at
// process shutdown, after every Message built from this Lib is done.
func (l *Lib) Close() error {
	return l.resolver.Close()
}

// MinKeySize reports the minimum accepted public-key bit length (0
// means "no minimum enforced").
func (l *Lib) MinKeySize() int { return l.minKeySize }

// HasFlag reports whether f is set in the library's flag bitmap.
func (l *Lib) HasFlag(f Flags) bool { return l.flags&f != 0 }

// Now returns FixedTime if WithFixedTime was set, else the wall clock.
func (l *Lib) Now() time.Time {
	if !l.fixedTime.IsZero() {
		return l.fixedTime
	}
	return time.Now()
}

// SignHeaders returns the configured h= header set for sealing, or nil
// if WithSignHeaders was never called (the seal package's own
// DefaultSignHeaders then applies).
func (l *Lib) SignHeaders() []string { return l.signHeaders }

// SignHeaderPattern returns the compiled case-insensitive
// "^(a|b|...)$" matcher built from WithSignHeaders/LoadConfigFile's
// sign_headers, or nil if none was configured.
func (l *Lib) SignHeaderPattern() *regexp.Regexp { return l.signPattern }

// OverSignHeaders returns the names a Sealer must sign even when
// absent from the message.
func (l *Lib) OverSignHeaders() []string { return l.overSignHeaders }

// IsOverSigned reports whether name (case-insensitive) is in the
// configured oversign set.
func (l *Lib) IsOverSigned(name string) bool {
	for _, n := range l.overSignHeaders {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// SignatureTTL returns the configured x= lifetime, or 0 meaning omit x=.
func (l *Lib) SignatureTTL() time.Duration { return l.signatureTTL }

// TestKeysPath returns the configured key fixture path, or "" if none
// was set.
func (l *Lib) TestKeysPath() string { return l.testKeysPath }

// MaxBodySize returns the configured body-buffering cap, or 0 meaning
// unbounded.
func (l *Lib) MaxBodySize() int { return l.maxBodyBytes }

// Resolver returns the DNS resolver every Message built from this Lib
// shares.
func (l *Lib) Resolver() resolver.Resolver { return l.resolver }

// Logger returns the configured structured logger, or a no-op logger
// if none was installed.
func (l *Lib) Logger() *zap.Logger { return l.logger }
