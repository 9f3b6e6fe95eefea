// Package seal generates a new ARC set (AAR/AMS/AS triple) to add to a
// message's ARC chain, mirroring the signing side of RFC 8617 §5.1:
// an ARC-Authentication-Results carrying the caller's authentication
// verdict, an ARC-Message-Signature covering the selected headers and
// body, and an ARC-Seal covering the whole chain seen so far plus the
// new AAR/AMS.
package seal

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/arcseal/arcseal/chain"
	"github.com/arcseal/arcseal/internal/bodyhash"
	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/internal/header"
	"github.com/arcseal/arcseal/tables"
)

// Config is the signing identity and policy Seal applies to every
// message it seals: which key and algorithm to sign with, which
// headers the new ARC-Message-Signature covers, and how much of the
// body (if not all of it) to hash.
type Config struct {
	Key         crypto.Signer
	Domain      string
	Selector    string
	Algorithm   tables.SignAlgorithm
	HeaderCanon canonical.Canonicalization
	BodyCanon   canonical.Canonicalization
	SignHeaders []string // h= tag for the new AMS, lower-case names
	BodyLimit   int64    // l= truncation; 0 means the whole body

	// SignatureTTL, when nonzero, adds t=/x= (signing time and
	// expiration) to the new AMS, mirroring the library-level
	// SIGNATURE_TTL option. Zero omits both tags.
	SignatureTTL time.Duration

	// Now returns the signing time. Defaults to time.Now when nil;
	// tests inject a fixed clock for reproducible t=/x= values.
	Now func() time.Time
}

// DefaultSignHeaders is the header set Seal covers when Config
// doesn't name one: the envelope identity fields ARC inherits the
// convention of signing from DKIM (RFC 6376 §5.4.1's suggested set,
// trimmed to what a relay is expected to be able to see unmodified).
var DefaultSignHeaders = []string{"from", "to", "subject", "date", "message-id", "mime-version", "content-type"}

func (c Config) headerCanon() canonical.Canonicalization {
	if c.HeaderCanon == "" {
		return canonical.Relaxed
	}
	return c.HeaderCanon
}

func (c Config) bodyCanon() canonical.Canonicalization {
	if c.BodyCanon == "" {
		return canonical.Relaxed
	}
	return c.BodyCanon
}

func (c Config) signHeaders() []string {
	if len(c.SignHeaders) == 0 {
		return DefaultSignHeaders
	}
	return c.SignHeaders
}

func (c Config) algorithm() (tables.SignAlgorithm, error) {
	if c.Algorithm != "" {
		return c.Algorithm, nil
	}
	switch c.Key.Public().(type) {
	case *rsa.PublicKey:
		return tables.AlgRSA_SHA256, nil
	case ed25519.PublicKey:
		return tables.AlgED25519_SHA256, nil
	default:
		return "", fmt.Errorf("seal: unsupported key type %T", c.Key.Public())
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Request describes the message being sealed: its existing header
// fields in order (including any ARC sets already on the chain), its
// body, the next instance number to seal with, the chain validation
// verdict this new seal records ("none" for instance 1, "pass" or
// "fail" from the just-computed chain result otherwise), and the
// Authentication-Results content to publish in the new
// ARC-Authentication-Results.
type Request struct {
	Headers         []string
	Body            []byte
	Instance        int
	ChainValidation tables.CV
	AuthResults     string
}

// Result is the new ARC set, as raw "Name: value\r\n" header fields
// ready to prepend to the message ahead of its existing headers.
type Result struct {
	AAR string
	AMS string
	AS  string
}

// ErrChainTooLong is returned when req.Instance exceeds tables.MaxSets:
// RFC 8617 §4.2 caps a chain at that many instances, so Seal produces
// no set at all (no AAR, AMS or AS) for instance 51.
var ErrChainTooLong = fmt.Errorf("seal: chain already has %d instances, cannot add another", tables.MaxSets)

// Seal signs a new ARC set for req under cfg.
func Seal(cfg Config, req Request) (*Result, error) {
	if req.Instance < 1 {
		return nil, fmt.Errorf("seal: invalid instance number %d", req.Instance)
	}
	if req.Instance > tables.MaxSets {
		return nil, ErrChainTooLong
	}
	if req.ChainValidation == "" {
		if req.Instance == 1 {
			req.ChainValidation = tables.CVNone
		} else {
			return nil, fmt.Errorf("seal: ChainValidation must be set for instance %d", req.Instance)
		}
	}

	algo, err := cfg.algorithm()
	if err != nil {
		return nil, err
	}
	hashAlgo := algo.HashAlgo()

	aar := fmt.Sprintf("ARC-Authentication-Results: i=%d; %s\r\n", req.Instance, req.AuthResults)

	bh := bodyhash.NewBodyHash(cfg.bodyCanon(), hashAlgo, cfg.BodyLimit)
	if _, err := bh.Write(req.Body); err != nil {
		return nil, fmt.Errorf("seal: hashing body: %w", err)
	}
	if err := bh.Close(); err != nil {
		return nil, fmt.Errorf("seal: hashing body: %w", err)
	}

	signHeaders := cfg.signHeaders()
	var ttlTags string
	if cfg.SignatureTTL > 0 {
		signTime := cfg.now()
		ttlTags = fmt.Sprintf("t=%d; x=%d; ", signTime.Unix(), signTime.Add(cfg.SignatureTTL).Unix())
	}
	var limitTag string
	if cfg.BodyLimit > 0 {
		limitTag = fmt.Sprintf("l=%d; ", cfg.BodyLimit)
	}
	amsUnsigned := fmt.Sprintf(
		"ARC-Message-Signature: i=%d; a=%s; c=%s/%s; d=%s; s=%s; h=%s; %s%sbh=%s; b=\r\n",
		req.Instance, algo, cfg.headerCanon(), cfg.bodyCanon(), cfg.Domain, cfg.Selector,
		strings.Join(signHeaders, ":"), ttlTags, limitTag, bh.Get(),
	)

	signed := header.ExtractHeadersDKIM(req.Headers, signHeaders)
	signed = append(signed, aar, amsUnsigned)
	amsSig, err := header.SignerWithOmitLastCRLF(signed, cfg.Key, cfg.headerCanon(), hashAlgo, true)
	if err != nil {
		return nil, fmt.Errorf("seal: signing AMS: %w", err)
	}
	ams := strings.Replace(amsUnsigned, "b=\r\n", "b="+header.WrapSignatureWithBreaks(amsSig)+"\r\n", 1)

	asUnsigned := fmt.Sprintf(
		"ARC-Seal: i=%d; a=%s; cv=%s; d=%s; s=%s; t=%d; b=\r\n",
		req.Instance, algo, req.ChainValidation, cfg.Domain, cfg.Selector, cfg.now().Unix(),
	)

	var ordered []string
	if req.ChainValidation == tables.CVFail {
		// The incoming chain is already broken (cv=fail): hash only the
		// new set's own AAR+AMS rather than re-walking every prior,
		// untrustworthy instance.
		ordered = []string{aar, ams, asUnsigned}
	} else {
		chainHeaders := append(append([]string{}, req.Headers...), aar, ams)
		ordered, err = chain.BuildSealOrder(chainHeaders, req.Instance, asUnsigned)
		if err != nil {
			return nil, fmt.Errorf("seal: assembling ARC-Seal signing set: %w", err)
		}
	}
	asSig, err := header.SignerWithOmitLastCRLF(ordered, cfg.Key, canonical.Relaxed, hashAlgo, true)
	if err != nil {
		return nil, fmt.Errorf("seal: signing ARC-Seal: %w", err)
	}
	as := strings.Replace(asUnsigned, "b=\r\n", "b="+header.WrapSignatureWithBreaks(asSig)+"\r\n", 1)

	return &Result{AAR: aar, AMS: ams, AS: as}, nil
}
