// Package resolver defines the pluggable DNS lookup capability the
// chain and seal engines use to fetch ARC/DKIM selector records,
// shaped as a small async-capable interface (init/start/cancel/
// waitreply/close) instead of a single blocking call, so a host can
// run many concurrent queries without handing the core a goroutine of
// its own.
package resolver

import (
	"context"
	"errors"
	"net"
	"time"
)

// QueryType identifies the DNS RR type requested. TXT is the only type
// ARC/DKIM selector lookups need.
type QueryType int

const (
	QueryTXT QueryType = iota
)

// ErrNotFound is returned by WaitReply when the query completed but
// found no matching record.
var ErrNotFound = errors.New("resolver: no record found")

// ErrTimeout is returned by WaitReply when timeout elapses before a
// reply arrives.
var ErrTimeout = errors.New("resolver: query timed out")

// EventFunc is an optional hook invoked around each query, letting a
// host observe query lifecycle for logging or metrics without the
// core depending on any particular logging library.
type EventFunc func(event Event, qname string, err error)

// Event names the lifecycle point an EventFunc is called for.
type Event int

const (
	EventStart Event = iota
	EventReply
	EventCancel
)

// Handle identifies one in-flight query, returned by Start and
// consumed by Cancel/WaitReply.
type Handle interface{}

// Resolver is the capability interface the library core depends on.
// Init is called once before first use; Close releases any resources
// Init acquired. Start issues a query and returns immediately with a
// Handle; WaitReply blocks (bounded by timeout) for that query's
// result; Cancel abandons a query whose result the caller no longer
// needs (e.g. because the owning message context was freed).
type Resolver interface {
	Init() error
	Start(qtype QueryType, qname string) (Handle, error)
	Cancel(h Handle) error
	WaitReply(h Handle, timeout time.Duration) (records []string, dnssec bool, err error)
	Close() error
}

// New builds the default synchronous Resolver, backed by a
// net.Resolver. Each Start spawns a goroutine so WaitReply can honor
// its own timeout independent of net.Resolver's internal behavior.
func New(opts ...Option) Resolver {
	r := &netResolver{
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Resolver built by New.
type Option func(*netResolver)

// WithEventFunc installs an EventFunc on the default resolver.
func WithEventFunc(f EventFunc) Option {
	return func(r *netResolver) {
		r.onEvent = f
	}
}

// WithNetResolver overrides the *net.Resolver used for lookups, for
// callers that need a non-default DNS configuration.
func WithNetResolver(nr *net.Resolver) Option {
	return func(r *netResolver) {
		r.resolver = nr
	}
}

type queryResult struct {
	records []string
	dnssec  bool
	err     error
}

type query struct {
	qname  string
	cancel context.CancelFunc
	done   chan queryResult
}

type netResolver struct {
	resolver *net.Resolver
	onEvent  EventFunc
}

func (r *netResolver) Init() error { return nil }

func (r *netResolver) Close() error { return nil }

func (r *netResolver) emit(ev Event, qname string, err error) {
	if r.onEvent != nil {
		r.onEvent(ev, qname, err)
	}
}

func (r *netResolver) Start(qtype QueryType, qname string) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	q := &query{
		qname:  qname,
		cancel: cancel,
		done:   make(chan queryResult, 1),
	}

	r.emit(EventStart, qname, nil)

	go func() {
		records, err := r.resolver.LookupTXT(ctx, qname)
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			q.done <- queryResult{err: ErrNotFound}
			return
		}
		q.done <- queryResult{records: records, err: err}
	}()

	return q, nil
}

func (r *netResolver) Cancel(h Handle) error {
	q, ok := h.(*query)
	if !ok {
		return errors.New("resolver: invalid handle")
	}
	r.emit(EventCancel, q.qname, nil)
	q.cancel()
	return nil
}

func (r *netResolver) WaitReply(h Handle, timeout time.Duration) ([]string, bool, error) {
	q, ok := h.(*query)
	if !ok {
		return nil, false, errors.New("resolver: invalid handle")
	}
	defer q.cancel()

	select {
	case res := <-q.done:
		r.emit(EventReply, q.qname, res.err)
		return res.records, res.dnssec, res.err
	case <-time.After(timeout):
		q.cancel()
		r.emit(EventReply, q.qname, ErrTimeout)
		return nil, false, ErrTimeout
	}
}
