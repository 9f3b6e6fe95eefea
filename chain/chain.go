// Package chain implements ARC chain assembly and validation: the
// streaming per-message state machine that collects header fields and
// body bytes, assembles them into ARC set instances, and computes the
// chain's final validation status per RFC 8617 §5.2.
package chain

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/arcseal/arcseal/domainkey"
	"github.com/arcseal/arcseal/internal/bodyhash"
	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/internal/header"
	"github.com/arcseal/arcseal/internal/kvset"
	"github.com/arcseal/arcseal/resolver"
	"github.com/arcseal/arcseal/tables"
)

// State is the streaming intake state: a message moves through
// Init -> Header -> EOH -> Body -> EOM -> Unusable.
type State int

const (
	StateInit State = iota
	StateHeader
	StateEOH
	StateBody
	StateEOM
	StateUnusable
)

// Result is the outcome of chain validation: the overall status, the
// oldest AMS instance still known-good, and whether the chain has
// latched permanently broken.
type Result struct {
	Status     tables.ChainStatus
	OldestPass int
	InFail     bool
	Sets       int
	Err        error
}

// Message is a single streaming ARC validation context. Not safe for
// concurrent use; create one per message.
type Message struct {
	state State

	headers []string
	sets    *sets

	resolver      resolver.Resolver
	resolveWindow time.Duration
	minKeyBits    int

	bodyHashers map[bodyhash.Key]*bodyhash.BodyHash

	result Result
	err    error
}

// Option configures a Message at construction.
type Option func(*Message)

// WithResolver installs the DNS resolver used for AMS/AS key lookups.
// If omitted, NewMessage uses resolver.New().
func WithResolver(r resolver.Resolver) Option {
	return func(m *Message) { m.resolver = r }
}

// WithResolveTimeout bounds each resolver WaitReply call. Default 5s.
func WithResolveTimeout(d time.Duration) Option {
	return func(m *Message) { m.resolveWindow = d }
}

// WithMinKeySize rejects AMS/AS signatures whose resolved public key
// is weaker than bits, treating the signature as unverified rather
// than erroring outright. 0 (the default) accepts any key size.
func WithMinKeySize(bits int) Option {
	return func(m *Message) { m.minKeyBits = bits }
}

// NewMessage creates a Message ready to receive HeaderField calls.
func NewMessage(opts ...Option) *Message {
	m := &Message{
		state:         StateInit,
		sets:          newSets(),
		resolveWindow: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = resolver.New()
	}
	m.state = StateHeader
	return m
}

// HeaderField feeds one raw header line (including trailing CRLF) to
// the chain engine. Fields are classified by name; ARC-Authentication-
// Results, ARC-Message-Signature, and ARC-Seal fields are parsed as
// KVSETs and filed into their instance's Set. All header fields,
// ARC and otherwise, are retained in order for later canonicalization.
func (m *Message) HeaderField(raw string) error {
	if m.state != StateHeader {
		return fmt.Errorf("chain: HeaderField called in state %v", m.state)
	}
	m.headers = append(m.headers, raw)

	name, _ := header.ParseHeaderField(raw)
	switch tables.ClassifyHeaderName(name) {
	case tables.HeaderAAR:
		return m.fileHeader(tables.KindAR, name, raw, func(set *Set, v *kvset.Set, r string) {
			set.AAR, set.AARRaw = v, r
		})
	case tables.HeaderAMS:
		return m.fileHeader(tables.KindSignature, name, raw, func(set *Set, v *kvset.Set, r string) {
			set.AMS, set.AMSRaw = v, r
		})
	case tables.HeaderAS:
		return m.fileHeader(tables.KindSeal, name, raw, func(set *Set, v *kvset.Set, r string) {
			set.AS, set.ASRaw = v, r
		})
	}
	return nil
}

// latchFail marks the chain permanently broken: a sticky latch set the
// moment any structural invariant is violated so a later, otherwise-
// valid run of validate() can never paper over it with a pass.
func (m *Message) latchFail() {
	m.result.Status = tables.ChainFail
	m.result.InFail = true
}

func (m *Message) fileHeader(kind tables.KVKind, name, raw string, assign func(*Set, *kvset.Set, string)) error {
	_, value := header.ParseHeaderField(raw)
	parsed, err := kvset.Parse(kind, value)
	if err != nil {
		m.latchFail()
		return fmt.Errorf("chain: parsing ARC header: %w", err)
	}
	inst, err := instanceFromSet(kind, parsed)
	if err != nil {
		m.latchFail()
		return fmt.Errorf("chain: %w", err)
	}
	if inst > tables.MaxSets {
		m.latchFail()
		return fmt.Errorf("chain: instance number %d exceeds maximum of %d", inst, tables.MaxSets)
	}
	set := m.sets.get(inst)
	if alreadyFiled(kind, set) {
		m.latchFail()
		return fmt.Errorf("chain: duplicate %s header for instance %d", name, inst)
	}
	assign(set, parsed, raw)
	return nil
}

// alreadyFiled reports whether the header field kind names has already
// been filed into set, i.e. this HeaderField call is a duplicate for
// that instance.
func alreadyFiled(kind tables.KVKind, set *Set) bool {
	switch kind {
	case tables.KindAR:
		return set.AAR != nil
	case tables.KindSignature:
		return set.AMS != nil
	case tables.KindSeal:
		return set.AS != nil
	}
	return false
}

// EOH signals the end of headers. It validates structural invariants
// that don't require the body (instance contiguity, cv=none on exactly
// instance 1, forbidden h= entries) and prepares the body hashers needed
// by whichever (canonicalization, limit) pairs the chain's AMS
// records ask for.
func (m *Message) EOH() error {
	if m.state != StateHeader {
		return fmt.Errorf("chain: EOH called in state %v", m.state)
	}
	m.state = StateEOH

	if m.sets.max == 0 {
		m.result.Status = tables.ChainNone
		m.state = StateBody
		m.bodyHashers = map[bodyhash.Key]*bodyhash.BodyHash{}
		return nil
	}

	for i := 1; i <= m.sets.max; i++ {
		set := m.sets.byInstance[i]
		if set == nil || !set.Complete() {
			m.result.Status = tables.ChainFail
			m.result.InFail = true
			m.state = StateBody
			m.bodyHashers = map[bodyhash.Key]*bodyhash.BodyHash{}
			return nil
		}
		if h, ok := set.AMS.Get("h"); ok {
			for _, name := range strings.Split(h, ":") {
				if tables.ClassifyHeaderName(strings.TrimSpace(name)) == tables.HeaderAS {
					m.result.Status = tables.ChainFail
					m.result.InFail = true
				}
			}
		}
		if cv, ok := set.AS.Get("cv"); ok {
			if i == 1 && tables.CV(cv) != tables.CVNone {
				m.result.Status = tables.ChainFail
				m.result.InFail = true
			}
			if i > 1 && tables.CV(cv) == tables.CVNone {
				m.result.Status = tables.ChainFail
				m.result.InFail = true
			}
		}
	}

	m.bodyHashers = make(map[bodyhash.Key]*bodyhash.BodyHash)
	for i := 1; i <= m.sets.max; i++ {
		set := m.sets.byInstance[i]
		if set == nil || set.AMS == nil {
			continue
		}
		key, err := bodyhash.KeyFromTags(set.AMS)
		if err != nil {
			m.result.Status = tables.ChainFail
			m.result.InFail = true
			continue
		}
		if _, ok := m.bodyHashers[key]; !ok {
			m.bodyHashers[key] = bodyhash.NewBodyHash(key.Canon, key.HashAlgo, key.Limit)
		}
	}

	m.state = StateBody
	return nil
}

// Body feeds raw body bytes to every body hasher the chain's AMS
// records require.
func (m *Message) Body(p []byte) error {
	if m.state != StateBody {
		return fmt.Errorf("chain: Body called in state %v", m.state)
	}
	for _, bh := range m.bodyHashers {
		if _, err := bh.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// EOM signals end of message and runs full chain validation,
// returning the final Result. ctx bounds resolver lookups.
func (m *Message) EOM(ctx context.Context) (*Result, error) {
	if m.state != StateBody {
		return nil, fmt.Errorf("chain: EOM called in state %v", m.state)
	}
	m.state = StateEOM

	for _, bh := range m.bodyHashers {
		if err := bh.Close(); err != nil {
			m.state = StateUnusable
			return nil, err
		}
	}

	m.result.Sets = m.sets.max

	if m.result.Status == tables.ChainNone {
		m.state = StateUnusable
		return &m.result, nil
	}
	if m.result.InFail {
		m.result.Status = tables.ChainFail
		m.state = StateUnusable
		return &m.result, nil
	}

	m.validate(ctx)
	m.state = StateUnusable
	return &m.result, nil
}

// validate verifies every AMS and AS signature from the newest
// instance down to 1, then scans downward from N-1 to 1 for the
// oldest still-passing AMS.
func (m *Message) validate(ctx context.Context) {
	n := m.sets.max
	amsOK := make(map[int]bool, n)
	asOK := make(map[int]bool, n)

	for i := n; i >= 1; i-- {
		set := m.sets.byInstance[i]
		amsOK[i] = m.verifyAMS(ctx, set)
		asOK[i] = m.verifyAS(ctx, set, i)
		set.AMSValid, set.ASValid = amsOK[i], asOK[i]
	}

	// A bad AS signature, a bad AMS(N) signature, or an already-cv=fail
	// incoming chain is an ordinary verification failure, not a
	// structural one: it leaves the chain state at fail without latching
	// infail, so a caller acting as an intermediary can still seal a new
	// set onto it under the cv=fail special rule. A bad AMS on an older
	// instance only moves OldestPass.
	if !amsOK[n] {
		m.result.Status = tables.ChainFail
		return
	}
	for i := 1; i <= n; i++ {
		if !asOK[i] {
			m.result.Status = tables.ChainFail
			return
		}
	}

	lastCV, _ := m.sets.byInstance[n].AS.Get("cv")
	if tables.CV(lastCV) == tables.CVFail {
		m.result.Status = tables.ChainFail
		return
	}

	oldestPass := 0
	for i := n - 1; i >= 1; i-- {
		if !amsOK[i] {
			oldestPass = i + 1
			break
		}
	}
	m.result.OldestPass = oldestPass
	m.result.Status = tables.ChainPass
}

func (m *Message) verifyAMS(ctx context.Context, set *Set) bool {
	if set.AMS == nil {
		return false
	}
	if h, ok := set.AMS.Get("h"); ok {
		for _, name := range strings.Split(h, ":") {
			if tables.ClassifyHeaderName(strings.TrimSpace(name)) == tables.HeaderAS {
				return false
			}
		}
	}

	dom, _ := set.AMS.Get("d")
	sel, _ := set.AMS.Get("s")
	algo, _ := set.AMS.Get("a")
	canonTag, _ := set.AMS.Get("c")
	bhTag, _ := set.AMS.Get("bh")
	bTag, _ := set.AMS.Get("b")
	hTag, _ := set.AMS.Get("h")

	headerCanon, _, err := header.ParseHeaderCanonicalization(canonTag)
	if err != nil {
		return false
	}

	key, err := bodyhash.KeyFromTags(set.AMS)
	if err != nil {
		return false
	}
	bh, ok := m.bodyHashers[key]
	if !ok {
		return false
	}
	if base64.StdEncoding.EncodeToString(bh.Sum()) != bhTag {
		return false
	}

	signed := header.ExtractHeadersDKIM(m.headers, strings.Split(hTag, ":"))
	amsPlaceholder := header.DeleteSignature(set.AMSRaw)
	signed = append(signed, amsPlaceholder)

	var s strings.Builder
	for _, h := range signed {
		s.WriteString(canonical.Header(h, headerCanon))
	}
	digest := strings.TrimSuffix(s.String(), "\r\n")

	pub, hashAlgo, ok := m.resolveKey(ctx, sel, dom, tables.SignAlgorithm(algo))
	if !ok {
		return false
	}
	return verifySignature(pub, hashAlgo, []byte(digest), bTag)
}

func (m *Message) verifyAS(ctx context.Context, set *Set, instance int) bool {
	if set.AS == nil {
		return false
	}
	dom, _ := set.AS.Get("d")
	sel, _ := set.AS.Get("s")
	algo, _ := set.AS.Get("a")
	bTag, _ := set.AS.Get("b")

	placeholder := header.DeleteSignature(set.ASRaw)
	ordered, err := m.sets.orderedRaw(instance, placeholder)
	if err != nil {
		return false
	}

	var s strings.Builder
	for _, h := range ordered {
		s.WriteString(canonical.Header(h, canonical.Relaxed))
	}
	digest := strings.TrimSuffix(s.String(), "\r\n")

	pub, hashAlgo, ok := m.resolveKey(ctx, sel, dom, tables.SignAlgorithm(algo))
	if !ok {
		return false
	}
	return verifySignature(pub, hashAlgo, []byte(digest), bTag)
}

func (m *Message) resolveKey(ctx context.Context, selector, domain string, algo tables.SignAlgorithm) (any, crypto.Hash, bool) {
	dk, err := m.lookup(ctx, selector, domain)
	if err != nil {
		return nil, 0, false
	}
	if dk.PublicKey == "" {
		return nil, 0, false
	}
	decoded, err := base64.StdEncoding.DecodeString(dk.PublicKey)
	if err != nil {
		return nil, 0, false
	}
	pub, err := domainkey.ParseDKIMPublicKey(decoded, dk.KeyType)
	if err != nil {
		return nil, 0, false
	}
	if m.minKeyBits > 0 && domainkey.KeyBitLen(pub) < m.minKeyBits {
		return nil, 0, false
	}
	return pub, algo.HashAlgo(), true
}

func (m *Message) lookup(ctx context.Context, selector, domain string) (domainkey.DomainKey, error) {
	query := selector + "._domainkey." + domain
	h, err := m.resolver.Start(resolver.QueryTXT, query)
	if err != nil {
		return domainkey.DomainKey{}, err
	}
	timeout := m.resolveWindow
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	records, _, err := m.resolver.WaitReply(h, timeout)
	if err != nil {
		return domainkey.DomainKey{}, err
	}
	for _, r := range records {
		dk, err := domainkey.ParseDomainKeyRecode(r)
		if err == nil && dk.PublicKey != "" {
			return dk, nil
		}
	}
	return domainkey.DomainKey{}, fmt.Errorf("chain: no usable key record for %s", query)
}

// BuildSealOrder reparses the ARC header fields out of headers and
// returns the AAR/AMS/AS raw text for instances 1..upTo in the order
// ARC-Seal signing and verification walk them (RFC 8617 §4.2),
// substituting asPlaceholder for the final instance's ARC-Seal when
// non-empty. The seal generator uses this to assemble the signing set
// for a not-yet-signed ARC-Seal.
func BuildSealOrder(headers []string, upTo int, asPlaceholder string) ([]string, error) {
	ss := newSets()
	for _, raw := range headers {
		name, value := header.ParseHeaderField(raw)
		var kind tables.KVKind
		var assign func(*Set, *kvset.Set, string)
		switch tables.ClassifyHeaderName(name) {
		case tables.HeaderAAR:
			kind = tables.KindAR
			assign = func(set *Set, v *kvset.Set, r string) { set.AAR, set.AARRaw = v, r }
		case tables.HeaderAMS:
			kind = tables.KindSignature
			assign = func(set *Set, v *kvset.Set, r string) { set.AMS, set.AMSRaw = v, r }
		case tables.HeaderAS:
			kind = tables.KindSeal
			assign = func(set *Set, v *kvset.Set, r string) { set.AS, set.ASRaw = v, r }
		default:
			continue
		}
		parsed, err := kvset.Parse(kind, value)
		if err != nil {
			return nil, fmt.Errorf("chain: parsing existing ARC header: %w", err)
		}
		inst, err := instanceFromSet(kind, parsed)
		if err != nil {
			return nil, fmt.Errorf("chain: %w", err)
		}
		assign(ss.get(inst), parsed, raw)
	}
	return ss.orderedRaw(upTo, asPlaceholder)
}

func verifySignature(pub any, hashAlgo crypto.Hash, digest []byte, b64sig string) bool {
	sig, err := base64.StdEncoding.DecodeString(b64sig)
	if err != nil {
		return false
	}

	h := hashAlgo.New()
	h.Write(digest)
	sum := h.Sum(nil)

	switch key := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, hashAlgo, sum, sig) == nil
	case ed25519.PublicKey:
		// RFC 8463: ed25519-sha256 signs the hash digest directly with
		// pure Ed25519, matching header.SignerWithOmitLastCRLF's
		// crypto.Hash(0) signing path.
		return ed25519.Verify(key, sum, sig)
	default:
		return false
	}
}
