// Package authresults composes SPF, DKIM, and DMARC verdicts into an
// RFC 8601 Authentication-Results field. It is a convenience layer
// sitting next to the core chain-validation engine, not part of it:
// the chain package never interprets Authentication-Results content,
// it only carries whatever string this package (or any other caller)
// hands it as the body of a new ARC-Authentication-Results set. A
// host that already has its own MTA-level authentication verdicts can
// skip this package entirely and build the string itself.
package authresults

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/arcseal/arcseal/chain"
	"github.com/arcseal/arcseal/dkim"
	"github.com/arcseal/arcseal/dmarc"
	"github.com/arcseal/arcseal/domainkey"
	"github.com/arcseal/arcseal/internal/bodyhash"
	"github.com/arcseal/arcseal/internal/canonical"
	"github.com/arcseal/arcseal/internal/header"
	"github.com/arcseal/arcseal/spf"
)

// Request describes the message and transport facts needed to
// evaluate SPF, DKIM, and DMARC.
type Request struct {
	// Receiver identifies this server in the resulting field's
	// authserv-id (RFC 8601 §2.2), e.g. "mx.example.com".
	Receiver string

	// ClientIP is the connecting SMTP client's address, used for SPF
	// and for HELO/PTR-based evaluation.
	ClientIP net.IP
	// HELO is the HELO/EHLO argument the client presented.
	HELO string
	// MailFrom is the envelope sender (MAIL FROM), possibly empty for
	// a null reverse-path.
	MailFrom string

	// Headers are the message's header fields in order, "Name: value\r\n"
	// each, as handed to the chain/seal packages.
	Headers []string
	// Body is the message body, as handed to the chain/seal packages.
	Body []byte

	// DKIMResolver lets a caller inject a test double or a caching
	// resolver for DKIM selector lookups; nil uses the package default.
	DKIMResolver domainkey.TXTResolver
	// DKIMMinKeySize rejects an otherwise-valid DKIM-Signature whose
	// resolved key is weaker than this many bits. Zero disables the
	// check.
	DKIMMinKeySize int

	// ARCResult, if non-nil, is this message's already-computed ARC
	// chain verdict. When the chain passes and its sealing domain
	// appears in TrustedARCDomains, a reject/quarantine DMARC policy is
	// relaxed to none in the resulting dmarc= fragment (RFC 8617's
	// override rationale: the named forwarder has vouched for the
	// original authentication that forwarding broke).
	ARCResult     *chain.Result
	ARCSealDomain string
	// TrustedARCDomains is the receiver's allow-list of ARC sealers
	// whose chain-pass verdict is trusted to override local DMARC
	// policy. Empty disables the override.
	TrustedARCDomains []string
}

// Evaluate runs SPF, DKIM, and DMARC against req and returns the full
// Authentication-Results field value (without the leading header
// name), e.g.:
//
//	mx.example.com; spf=pass smtp.mailfrom=sender@example.com;
//	  dkim=pass (good signature) header.d=example.com header.s=selector header.i=@example.com;
//	  dmarc=pass (p=reject) header.from=example.com
func Evaluate(req Request) string {
	var fragments []string

	spfResult, spfFragment := evaluateSPF(req)
	fragments = append(fragments, spfFragment)

	dkimResults, dkimFragments := evaluateDKIM(req)
	fragments = append(fragments, dkimFragments...)

	fragments = append(fragments, evaluateDMARC(req, spfResult, dkimResults))

	return fmt.Sprintf("%s; %s", req.Receiver, strings.Join(fragments, "; "))
}

// spfOutcome is the normalized verdict domain-alignment checks need
// from an SPF evaluation: the RFC 7208 result plus which domain it
// was evaluated against.
type spfOutcome struct {
	status spf.Status
	domain string
}

func evaluateSPF(req Request) (spfOutcome, string) {
	mailFromDomain, helo := req.MailFrom, req.HELO
	if at := strings.LastIndex(mailFromDomain, "@"); at >= 0 {
		mailFromDomain = mailFromDomain[at+1:]
	} else {
		mailFromDomain = ""
	}

	checkDomain := mailFromDomain
	if checkDomain == "" {
		checkDomain = helo
	}
	asciiDomain, err := idna.Lookup.ToASCII(checkDomain)
	if err == nil {
		checkDomain = asciiDomain
	}

	result := spf.CheckSPF(req.ClientIP, checkDomain, req.MailFrom, helo)

	outcome := spfOutcome{status: result.Status, domain: checkDomain}

	identity := "smtp.mailfrom=" + req.MailFrom
	if req.MailFrom == "" {
		identity = "smtp.helo=" + helo
	}
	fragment := fmt.Sprintf("spf=%s", result.Status)
	if result.Reason != "" {
		fragment = fmt.Sprintf("%s (%s)", fragment, result.Reason)
	}
	fragment = fmt.Sprintf("%s %s", fragment, identity)
	return outcome, fragment
}

// dkimOutcome records one verified DKIM-Signature's result, keyed by
// the d= domain it signed for, for DMARC alignment checking.
type dkimOutcome struct {
	domain string
	status dkim.VerifyStatus
}

func evaluateDKIM(req Request) ([]dkimOutcome, []string) {
	var outcomes []dkimOutcome
	var fragments []string

	for _, raw := range header.ExtractHeadersAll(req.Headers, []string{"dkim-signature"}) {
		sig, err := dkim.ParseSignature(raw)
		if err != nil {
			fragments = append(fragments, fmt.Sprintf("dkim=permerror (%s)", err))
			continue
		}

		ca := sig.GetCanonicalizationAndAlgorithm()
		bh := bodyhash.NewBodyHash(canonical.Canonicalization(ca.Body), ca.HashAlgo, ca.Limit)
		if _, err := bh.Write(req.Body); err != nil {
			fragments = append(fragments, fmt.Sprintf("dkim=temperror (%s)", err))
			continue
		}
		if err := bh.Close(); err != nil {
			fragments = append(fragments, fmt.Sprintf("dkim=temperror (%s)", err))
			continue
		}

		signedHeaders := header.ExtractHeadersDKIM(req.Headers, strings.Split(strings.ToLower(sig.Headers), ":"))
		verifyOpts := []dkim.VerifyOption{dkim.WithResolver(req.DKIMResolver)}
		if req.DKIMMinKeySize > 0 {
			verifyOpts = append(verifyOpts, dkim.WithMinKeySize(req.DKIMMinKeySize))
		}
		sig.VerifyWithOptions(signedHeaders, bh.Get(), nil, verifyOpts...)

		outcomes = append(outcomes, dkimOutcome{domain: sig.Domain, status: sig.VerifyResult.Status()})
		if frag := sig.ResultString(); frag != "" {
			fragments = append(fragments, frag)
		} else {
			fragments = append(fragments, fmt.Sprintf("dkim=%s header.d=%s header.s=%s", sig.VerifyResult.Status(), sig.Domain, sig.Selector))
		}
	}

	return outcomes, fragments
}

func evaluateDMARC(req Request, spfResult spfOutcome, dkimResults []dkimOutcome) string {
	fromHeader := header.ExtractHeader(req.Headers, "from")
	fromDomain, err := header.ParseAddressDomain(fromHeader)
	if err != nil {
		return "dmarc=none"
	}
	asciiFromDomain, err := idna.Lookup.ToASCII(fromDomain)
	if err == nil {
		fromDomain = asciiFromDomain
	}

	record, err := dmarc.LookupDMARCWithSubdomainFallback(fromDomain)
	if err != nil {
		return fmt.Sprintf("dmarc=none header.from=%s", fromDomain)
	}

	spfAligned := spfResult.status == spf.Pass && domainsAligned(fromDomain, spfResult.domain, record.AlignmentSPF)

	dkimAligned := false
	for _, d := range dkimResults {
		if d.status == dkim.VerifyStatusPass && domainsAligned(fromDomain, d.domain, record.AlignmentDKIM) {
			dkimAligned = true
			break
		}
	}

	status := "fail"
	if spfAligned || dkimAligned {
		status = "pass"
	}

	policy := record.Policy
	if req.ARCResult != nil {
		policy = record.EffectivePolicy(req.ARCResult.Status, req.ARCSealDomain, req.TrustedARCDomains)
	}
	if policy != record.Policy {
		return fmt.Sprintf("dmarc=%s (p=%s policy.arc-override=%s) header.from=%s", status, record.Policy, policy, fromDomain)
	}

	return fmt.Sprintf("dmarc=%s (p=%s) header.from=%s", status, record.Policy, fromDomain)
}

// domainsAligned reports whether authDomain aligns with fromDomain
// under mode (RFC 7489 §3.1): strict requires an exact match, relaxed
// also accepts one domain being a subdomain of the other. Two sibling
// subdomains of the same organizational domain are not aligned.
func domainsAligned(fromDomain, authDomain string, mode dmarc.AlignmentMode) bool {
	fromDomain = strings.ToLower(strings.TrimSuffix(fromDomain, "."))
	authDomain = strings.ToLower(strings.TrimSuffix(authDomain, "."))
	if fromDomain == authDomain {
		return true
	}
	if mode != dmarc.AlignmentRelaxed {
		return false
	}
	return strings.HasSuffix(fromDomain, "."+authDomain) || strings.HasSuffix(authDomain, "."+fromDomain)
}
