// Package dkim verifies and signs RFC 6376 DKIM-Signature headers.
// ARC reuses this verification as the "dkim" method authresults folds
// into the outgoing Authentication-Results it feeds to ARC-Seal.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arcseal/arcseal/domainkey"
	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/internal/dkimheader"
	"github.com/arcseal/arcseal/internal/header"
)

// Canonicalization selects header/body normalization for a signature.
type Canonicalization canonical.Canonicalization

const (
	CanonicalizationSimple  Canonicalization = "simple"
	CanonicalizationRelaxed Canonicalization = "relaxed"
)

// SignatureAlgorithm is the "a=" tag of a DKIM-Signature.
type SignatureAlgorithm string

const (
	// rsa-sha1 is not recommended for new signatures.
	SignatureAlgorithmRSA_SHA1   SignatureAlgorithm = "rsa-sha1"
	SignatureAlgorithmRSA_SHA256 SignatureAlgorithm = "rsa-sha256"
	// ed25519-sha256 is RFC 8463's experimental algorithm.
	SignatureAlgorithmED25519_SHA256 SignatureAlgorithm = "ed25519-sha256"
)

type CanonicalizationAndAlgorithm struct {
	Header    Canonicalization
	Body      Canonicalization
	Algorithm SignatureAlgorithm
	Limit     int64
	HashAlgo  crypto.Hash
}

type VerifyStatus string

const (
	VerifyStatusNeutral VerifyStatus = "neutral"
	VerifyStatusFail    VerifyStatus = "fail"
	VerifyStatusTempErr VerifyStatus = "temperror"
	VerifyStatusPermErr VerifyStatus = "permerror"
	VerifyStatusPass    VerifyStatus = "pass"
	VerifyStatusNone    VerifyStatus = "none"
)

type VerifyResult struct {
	status    VerifyStatus
	err       error
	msg       string
	domainKey *domainkey.DomainKey
}

func (v *VerifyResult) Status() VerifyStatus {
	return v.status
}
func (v *VerifyResult) Error() error {
	return v.err
}
func (v *VerifyResult) Message() string {
	return v.msg
}

type Signature struct {
	Algorithm           SignatureAlgorithm // a algorithm
	Signature           string             // b signature
	BodyHash            string             // bh body hash
	Canonicalization    string             // c canonicalization
	Domain              string             // d domain
	Headers             string             // h headers
	Identity            string             // i identity
	Limit               int64              // l limit length
	QueryType           string             // q query
	Selector            string             // s selector
	Timestamp           int64              // t timestamp
	Version             int                // v version
	SignatureExpiration int64              // x signature expiration
	VerifyResult        *VerifyResult
	raw                 string
	canonnAndAlgo       *CanonicalizationAndAlgorithm
}

func (ds *Signature) GetCanonicalizationAndAlgorithm() *CanonicalizationAndAlgorithm {
	return ds.canonnAndAlgo
}

func (ds *Signature) String() string {
	return fmt.Sprintf("a=%s; bh=%s;\r\n"+
		"        c=%s; d=%s;\r\n"+
		"        h=%s;\r\n"+
		"        s=%s; t=%d; v=%d;\r\n"+
		"        b=%s",
		ds.Algorithm, ds.BodyHash,
		ds.Canonicalization, ds.Domain,
		ds.Headers,
		ds.Selector, ds.Timestamp, ds.Version,
		header.WrapSignatureWithBreaks(ds.Signature),
	)
}

func (ds *Signature) ResultString() string {
	if ds.VerifyResult == nil || ds.VerifyResult.status == VerifyStatusNeutral || ds.VerifyResult.status == VerifyStatusNone {
		return "dkim=none"
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("dkim=%s (%s)", ds.VerifyResult.Status(), ds.VerifyResult.Message()))

	if ds.Domain != "" {
		result.WriteString(fmt.Sprintf(" header.d=%s", ds.Domain))
	}
	if ds.Selector != "" {
		result.WriteString(fmt.Sprintf(" header.s=%s", ds.Selector))
	}
	if ds.Identity != "" {
		result.WriteString(fmt.Sprintf(" header.i=%s", ds.Identity))
	}
	return result.String()
}

// stripFWS removes folding white space (FWS = WSP*(CRLF WSP+)).
func stripFWS(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")
	s = strings.ReplaceAll(s, "\t", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// ParseSignature parses a DKIM-Signature header field into a Signature.
func ParseSignature(s string) (*Signature, error) {
	result := &Signature{}
	result.raw = s

	k, v := header.ParseHeaderField(s)
	if !strings.EqualFold(k, "dkim-signature") {
		return nil, fmt.Errorf("invalid header field")
	}
	params, err := dkimheader.ParseSignatureParams(v)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM-Signature header field: %v", err)
	}

	seenTags := make(map[string]bool)
	for key, value := range params {
		if seenTags[key] {
			return nil, fmt.Errorf("duplicate tag '%s' found in DKIM-Signature", key)
		}
		seenTags[key] = true
		value = header.StripWhiteSpace(value)
		switch key {
		case "a":
			switch SignatureAlgorithm(value) {
			case SignatureAlgorithmRSA_SHA1:
				result.Algorithm = SignatureAlgorithmRSA_SHA1
			case SignatureAlgorithmRSA_SHA256:
				result.Algorithm = SignatureAlgorithmRSA_SHA256
			case SignatureAlgorithmED25519_SHA256:
				result.Algorithm = SignatureAlgorithmED25519_SHA256
			default:
				return nil, fmt.Errorf("invalid algorithm")
			}
		case "b":
			result.Signature = stripFWS(value)
		case "bh":
			result.BodyHash = stripFWS(value)
		case "c":
			result.Canonicalization = value
		case "d":
			result.Domain = value
		case "h":
			result.Headers = value
		case "i":
			result.Identity = value
		case "l":
			limit, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid limit for 'l' field: %s", value)
			}
			if limit < 0 {
				return nil, fmt.Errorf("invalid limit for 'l' field: %s", value)
			}
			result.Limit = limit
		case "q":
			result.QueryType = value
		case "s":
			result.Selector = value
		case "t":
			timestamp, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp")
			}
			result.Timestamp = timestamp
		case "v":
			version, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid version")
			}
			result.Version = version
		case "x":
			expiration, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid signature expiration")
			}
			result.SignatureExpiration = expiration
		}
	}

	canHeader, canBody, err := header.ParseHeaderCanonicalization(result.Canonicalization)
	if err != nil {
		return nil, err
	}
	result.canonnAndAlgo = &CanonicalizationAndAlgorithm{
		Header:    Canonicalization(canHeader),
		Body:      Canonicalization(canBody),
		Algorithm: result.Algorithm,
		Limit:     result.Limit,
		HashAlgo:  hashAlgo(result.Algorithm),
	}

	if result.Headers == "" {
		return nil, fmt.Errorf("h= tag must not be empty")
	}

	// RFC 6376 requires h= to cover From.
	headersList := strings.Split(result.Headers, ":")
	fromIncluded := false
	for _, h := range headersList {
		if strings.ToLower(strings.TrimSpace(h)) == "from" {
			fromIncluded = true
			break
		}
	}
	if !fromIncluded {
		return nil, fmt.Errorf("h= tag must include 'From' header")
	}

	// RFC 6376: i= defaults to "@"+d, and when present must share or
	// be a subdomain of d=.
	if result.Identity == "" {
		result.Identity = "@" + result.Domain
	} else {
		atIndex := strings.LastIndex(result.Identity, "@")
		if atIndex != -1 {
			identityDomain := result.Identity[atIndex+1:]
			if result.Domain != identityDomain && !strings.HasSuffix(identityDomain, "."+result.Domain) {
				return nil, fmt.Errorf("i= tag domain must be the same as or a subdomain of d= tag domain")
			}
		}
	}

	// RFC 6376: x= (expiration) must follow t= (signing time).
	if result.SignatureExpiration != 0 && result.Timestamp != 0 {
		if result.SignatureExpiration <= result.Timestamp {
			return nil, fmt.Errorf("x= tag value must be greater than t= tag value")
		}
	}

	return result, nil
}

// Sign computes and fills in this Signature's "b=" value over headers.
func (d *Signature) Sign(headers []string, key crypto.Signer) error {
	if d.Version != 1 {
		return errors.New("dkim: invalid version")
	}
	var h []string
	for _, header := range headers {
		k, _, ok := strings.Cut(header, ":")
		if !ok {
			continue
		}
		h = append(h, k)
	}
	canHeader, _, err := header.ParseHeaderCanonicalization(d.Canonicalization)
	if err != nil {
		return err
	}
	d.Headers = strings.Join(h, ":")
	if d.Timestamp == 0 {
		d.Timestamp = time.Now().Unix()
	}

	if d.Algorithm == "" {
		switch key.Public().(type) {
		case *rsa.PublicKey:
			d.Algorithm = SignatureAlgorithmRSA_SHA256
		case ed25519.PublicKey:
			d.Algorithm = SignatureAlgorithmED25519_SHA256
		default:
			return fmt.Errorf("unknown key type: %T", key.Public())
		}
	}

	var normalizedHeaders []string
	for _, h := range headers {
		normalizedHeaders = append(normalizedHeaders, canonical.Header(h, canonical.Canonicalization(canHeader)))
	}

	dkimSigHeader := "DKIM-Signature: " + d.String()
	dkimSigHeader = strings.Replace(dkimSigHeader, "b="+d.Signature, "b=", 1)
	normalizedHeaders = append(normalizedHeaders, dkimSigHeader)

	hashAlgo := hashAlgo(d.Algorithm)
	signature, err := header.Signer(normalizedHeaders, key, canHeader, hashAlgo)
	if err != nil {
		return err
	}
	d.Signature = signature
	return nil
}

// Verify checks this Signature against headers and the message's body
// hash, looking up the signing domain's key if domainKey is nil.
func (d *Signature) Verify(headers []string, bodyHash string, domainKey *domainkey.DomainKey) {
	d.VerifyWithOptions(headers, bodyHash, domainKey)
}

// VerifyWithResolver is Verify with an explicit TXT resolver; a nil
// resolver falls back to the timeout-bounded default.
func (d *Signature) VerifyWithResolver(headers []string, bodyHash string, domainKey *domainkey.DomainKey, resolver domainkey.TXTResolver) {
	d.VerifyWithOptions(headers, bodyHash, domainKey, WithResolver(resolver))
}

// VerifyOption configures a single VerifyWithOptions call.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	resolver   domainkey.TXTResolver
	minKeyBits int
}

// WithResolver supplies an explicit TXT resolver, overriding the
// timeout-bounded default. A nil resolver is equivalent to omitting
// this option.
func WithResolver(resolver domainkey.TXTResolver) VerifyOption {
	return func(c *verifyConfig) { c.resolver = resolver }
}

// WithMinKeySize rejects an otherwise-valid signature whose resolved
// key is weaker than bits, the same floor chain.WithMinKeySize applies
// to ARC-Message-Signature verification.
func WithMinKeySize(bits int) VerifyOption {
	return func(c *verifyConfig) { c.minKeyBits = bits }
}

// VerifyWithOptions is Verify generalized with VerifyOption knobs.
func (d *Signature) VerifyWithOptions(headers []string, bodyHash string, domainKey *domainkey.DomainKey, opts ...VerifyOption) {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	resolver := cfg.resolver

	if domainKey == nil {
		if resolver == nil {
			resolver = domainkey.NewDefaultTXTResolver()
		}

		domKey, err := domainkey.LookupDKIMDomainKeyWithResolver(d.Selector, d.Domain, resolver)
		if errors.Is(err, domainkey.ErrNoRecordFound) {
			d.VerifyResult = &VerifyResult{
				status: VerifyStatusPermErr,
				err:    fmt.Errorf("domain key is not found: %v", err),
				msg:    "domain key is not found",
			}
			return
		} else if err != nil {
			d.VerifyResult = &VerifyResult{
				status: VerifyStatusTempErr,
				err:    fmt.Errorf("failed to lookup domain key: %v", err),
				msg:    "failed to lookup domain key",
			}
			return
		}
		domainKey = &domKey
	}

	testFlagMsg := ""
	if domainKey.IsTestFlag() {
		testFlagMsg = " test mode"
	}

	if !domainKey.IsService(domainkey.ServiceTypeEmail) {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusPermErr,
			err:       fmt.Errorf("domain key service type is invalid: %v", domainKey.ServiceType),
			msg:       "service type is invalid" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	if d.raw == "" {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusNeutral,
			err:       errors.New("DKIM-Signature is not found"),
			msg:       "signature is not found" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	if d.Version != 1 {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusPermErr,
			err:       fmt.Errorf("DKIM-Signature version is invalid: %d", d.Version),
			msg:       "version is invalid" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	// Expiration is only checked when the signer set one.
	if d.SignatureExpiration != 0 {
		now := time.Now().Unix()
		if now > d.SignatureExpiration {
			d.VerifyResult = &VerifyResult{
				status:    VerifyStatusFail,
				err:       fmt.Errorf("DKIM-Signature is expired: now=%d expiration=%d", now, d.SignatureExpiration),
				msg:       "signature is expired" + testFlagMsg,
				domainKey: domainKey,
			}
			return
		}

		if d.Timestamp > d.SignatureExpiration {
			d.VerifyResult = &VerifyResult{
				status:    VerifyStatusPermErr,
				err:       fmt.Errorf("DKIM-Signature timestamp is greater than expiration: timestamp=%d expiration=%d", d.Timestamp, d.SignatureExpiration),
				msg:       "signature timestamp is greater than expiration" + testFlagMsg,
				domainKey: domainKey,
			}
			return
		}
	}

	if d.BodyHash != bodyHash {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusFail,
			err:       fmt.Errorf("DKIM-Signature body hash is not match: %s != %s", d.BodyHash, bodyHash),
			msg:       "body hash is not match" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	h := header.ExtractHeadersDKIM(headers, strings.Split(d.Headers, ":"))
	dkimSigHeader := dkimheader.StripBValueForSigning(d.raw)

	var s string
	for _, header := range h {
		s += canonical.Header(header, canonical.Canonicalization(d.canonnAndAlgo.Header))
	}
	s += canonical.Header(dkimSigHeader, canonical.Canonicalization(d.canonnAndAlgo.Header))
	// The DKIM-Signature field's own trailing CRLF is hashed away per
	// RFC 6376 §3.7.
	s = strings.TrimSuffix(s, "\r\n")

	signature, err := base64Decode(d.Signature)
	if err != nil {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusFail,
			err:       fmt.Errorf("failed to decode signature: %v", err),
			msg:       "invalid signature" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	hash := d.canonnAndAlgo.HashAlgo.New()
	hash.Write([]byte(s))

	decoded, err := base64Decode(domainKey.PublicKey)
	if err != nil {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusPermErr,
			err:       fmt.Errorf("failed to decode public key: %v", err),
			msg:       "invalid public key" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	// RFC 8463 publishes the ed25519 public key as a raw 32-octet key;
	// ParseDKIMPublicKey also accepts a PKIX-wrapped one.
	pub, err := domainkey.ParseDKIMPublicKey(decoded, domainKey.KeyType)
	if err != nil {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusPermErr,
			err:       fmt.Errorf("failed to parse public key: %v", err),
			msg:       "invalid public key" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	if cfg.minKeyBits > 0 && domainkey.KeyBitLen(pub) < cfg.minKeyBits {
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusPermErr,
			err:       fmt.Errorf("public key is weaker than the configured minimum of %d bits", cfg.minKeyBits),
			msg:       "key too weak" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	switch pub := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, d.canonnAndAlgo.HashAlgo, hash.Sum(nil), signature); err != nil {
			d.VerifyResult = &VerifyResult{
				status:    VerifyStatusFail,
				err:       fmt.Errorf("failed to verify signature: %v", err),
				msg:       "invalid signature" + testFlagMsg,
				domainKey: domainKey,
			}
			return
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, hash.Sum(nil), signature) {
			d.VerifyResult = &VerifyResult{
				status:    VerifyStatusFail,
				err:       fmt.Errorf("failed to verify signature: %v", err),
				msg:       "invalid signature" + testFlagMsg,
				domainKey: domainKey,
			}
			return
		}
	default:
		d.VerifyResult = &VerifyResult{
			status:    VerifyStatusPermErr,
			err:       fmt.Errorf("invalid public key type: %T", pub),
			msg:       "invalid public key" + testFlagMsg,
			domainKey: domainKey,
		}
		return
	}

	d.VerifyResult = &VerifyResult{
		status:    VerifyStatusPass,
		err:       nil,
		msg:       "good signature" + testFlagMsg,
		domainKey: domainKey,
	}
}

func hashAlgo(algo SignatureAlgorithm) crypto.Hash {
	switch algo {
	case SignatureAlgorithmRSA_SHA1:
		return crypto.SHA1
	case SignatureAlgorithmRSA_SHA256:
		return crypto.SHA256
	case SignatureAlgorithmED25519_SHA256:
		return crypto.SHA256
	default:
		return crypto.SHA256
	}
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
