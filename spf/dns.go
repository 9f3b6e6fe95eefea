package spf

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type Status string

const (
	Pass      Status = "pass"
	Fail      Status = "fail"
	None      Status = "none"
	SoftFail  Status = "softfail"
	Neutral   Status = "neutral"
	TempError Status = "temperror"
	PermError Status = "permerror"
)

type Result struct {
	Status Status
	Reason string
}

// TXTLookupFunc looks up TXT records.
type TXTLookupFunc func(name string) ([]string, error)

// IPLookupFunc looks up IP addresses.
type IPLookupFunc func(name string) ([]net.IP, error)

// MXLookupFunc looks up MX records.
type MXLookupFunc func(name string) ([]*net.MX, error)

// PTRLookupFunc looks up PTR records.
type PTRLookupFunc func(addr string) ([]string, error)

// SPFResolver provides the DNS lookups SPF evaluation needs.
type SPFResolver interface {
	ReplaceMacroValues(s string, ctx MacroContext, purpose MacroPurpose) (string, error)
	lookupTXT(name string) ([]string, *Result)
	lookupIP(name string) ([]net.IP, *Result)
	lookupMX(name string) ([]*net.MX, *Result)
	lookupPTR(addr string) ([]string, *Result)
	lookupRecord(domain string) (*Record, *Result)
	// Visited-domain tracking.
	isVisited(domain string) bool
	markVisited(domain string)
	unmarkVisited(domain string)
	// Methods supporting RFC 7208 5.7.
	lookupA(name string) ([]net.IP, *Result)
	lookupAAAA(name string) ([]net.IP, *Result)
}

var (
	ErrNoRecordFound = errors.New("no SPF record found")
)

// DefaultTXTResolver is the default TXT lookup function.
var DefaultTXTResolver TXTLookupFunc = net.LookupTXT
var DefaultIPResolver IPLookupFunc = net.LookupIP
var DefaultMXResolver MXLookupFunc = net.LookupMX
var DefaultPTRResolver PTRLookupFunc = net.LookupAddr

// dnsResolverImpl provides the DNS lookups SPF evaluation needs.
type dnsResolverImpl struct {
	txt TXTLookupFunc
	ip  IPLookupFunc
	mx  MXLookupFunc
	ptr PTRLookupFunc

	// Default limit for DNS lookups according to SPF specification
	limit int
	// Additional counters compliant with RFC 7208 4.6.4
	mxCount   int
	ptrCount  int
	voidCount int
	// Term counter compliant with RFC 7208 4.6.4
	termCounter int
	// Record of visited domains
	visitedDomains map[string]bool
}

// dnsImpl exposes the underlying *dnsResolverImpl, letting a resolver
// that embeds dnsResolverImpl (e.g. a YAML test resolver) share the
// RFC 7208 processing-limit counters.
func (d *dnsResolverImpl) dnsImpl() *dnsResolverImpl { return d }

// CheckSPF runs a live-DNS SPF check for the given client IP, checked
// domain, envelope sender, and HELO/EHLO argument, the entry point
// authresults.Evaluate calls for its spf= fragment.
func CheckSPF(ip net.IP, domain, sender, helo string) *Result {
	return newDNSResolver().CheckSPF(ip, domain, sender, helo)
}

// newDNSResolver creates a new dnsResolverImpl.
func newDNSResolver() *dnsResolverImpl {
	return &dnsResolverImpl{
		txt: DefaultTXTResolver,
		ip:  DefaultIPResolver,
		mx:  DefaultMXResolver,
		ptr: DefaultPTRResolver,

		// Default limit for DNS lookups according to SPF specification
		limit: 10,
		// Additional counters compliant with RFC 7208 4.6.4
		mxCount:   0,
		ptrCount:  0,
		voidCount: 0,
		// Term counter compliant with RFC 7208 4.6.4
		termCounter: 0,
		// Record of visited domains
		visitedDomains: make(map[string]bool),
	}
}

// Visited-domain tracking methods.
func (d *dnsResolverImpl) isVisited(domain string) bool {
	return d.visitedDomains[domain]
}

func (d *dnsResolverImpl) markVisited(domain string) {
	d.visitedDomains[domain] = true
}
func (d *dnsResolverImpl) unmarkVisited(domain string) {
	delete(d.visitedDomains, domain)
}

// lookupType performs a DNS lookup of the specified type and handles common logic.
func (d *dnsResolverImpl) lookupType(name string, lookupFunc interface{}) (interface{}, *Result) {
	if res := incrementDNSLookupCounter(d); res != nil {
		return nil, res
	}

	var result interface{}
	var err error

	switch f := lookupFunc.(type) {
	case TXTLookupFunc:
		result, err = f(name)
	case IPLookupFunc:
		result, err = f(name)
	case MXLookupFunc:
		result, err = f(name)
	case PTRLookupFunc:
		result, err = f(name)
	default:
		return nil, &Result{Status: PermError, Reason: "Unsupported lookup type"}
	}

	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			// RFC 7208 4.6.4: a void lookup includes NXDOMAIN.
			d.voidCount++
			if d.voidCount > 2 {
				return nil, &Result{Status: PermError, Reason: "Void lookup limit exceeded"}
			}
			// Return empty slice based on the lookup type
			switch lookupFunc.(type) {
			case TXTLookupFunc:
				return []string{}, nil
			case IPLookupFunc:
				return []net.IP{}, nil
			case MXLookupFunc:
				return []*net.MX{}, nil
			case PTRLookupFunc:
				return []string{}, nil
			}
		}
		// Handle specific error cases for different lookup types.
		switch lookupFunc.(type) {
		case TXTLookupFunc:
			return nil, &Result{Status: TempError, Reason: fmt.Sprintf("TXT lookup error: %v", err)}
		case IPLookupFunc:
			return nil, &Result{Status: TempError, Reason: fmt.Sprintf("IP lookup error: %v", err)}
		case MXLookupFunc:
			return nil, &Result{Status: TempError, Reason: fmt.Sprintf("MX lookup error: %v", err)}
		case PTRLookupFunc:
			// RFC 7208: PTR lookup failures are simply treated as empty results.
			return []string{}, nil
		}
	}

	// Check for void lookup (NOERROR/NODATA).
	isEmpty := false
	switch v := result.(type) {
	case []string:
		isEmpty = len(v) == 0
	case []net.IP:
		isEmpty = len(v) == 0
	case []*net.MX:
		isEmpty = len(v) == 0
	}

	if isEmpty {
		d.voidCount++
		// Return an error once voidCount exceeds 2 (for void-over-limit test compatibility).
		if d.voidCount > 2 {
			return nil, &Result{Status: PermError, Reason: "Void lookup limit exceeded"}
		}
	}

	return result, nil
}

func (d *dnsResolverImpl) lookupTXT(name string) ([]string, *Result) {
	result, res := d.lookupType(name, d.txt)
	if res != nil {
		return nil, res
	}
	return result.([]string), nil
}
func (d *dnsResolverImpl) lookupIP(name string) ([]net.IP, *Result) {
	result, res := d.lookupType(name, d.ip)
	if res != nil {
		return nil, res
	}
	return result.([]net.IP), nil
}
func (d *dnsResolverImpl) lookupMX(name string) ([]*net.MX, *Result) {
	result, res := d.lookupType(name, d.mx)
	if res != nil {
		return nil, res
	}
	return result.([]*net.MX), nil
}
func (d *dnsResolverImpl) lookupPTR(addr string) ([]string, *Result) {
	result, res := d.lookupType(addr, d.ptr)
	if res != nil {
		return nil, res
	}
	return result.([]string), nil
}
func (d *dnsResolverImpl) lookupA(name string) ([]net.IP, *Result) {
	ips, res := d.lookupIP(name)
	if res != nil {
		return nil, res
	}

	// Filter for A records only.
	var aIPs []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			aIPs = append(aIPs, ip)
		}
	}

	// Check for void lookup (NOERROR/NODATA).
	if len(aIPs) == 0 {
		d.voidCount++
		// Return an error once voidCount exceeds 2 (for void-over-limit test compatibility).
		if d.voidCount > 2 {
			return nil, &Result{Status: PermError, Reason: "Void lookup limit exceeded"}
		}
	}

	return aIPs, nil
}
func (d *dnsResolverImpl) lookupAAAA(name string) ([]net.IP, *Result) {
	ips, res := d.lookupIP(name)
	if res != nil {
		return nil, res
	}

	// Filter for AAAA records only.
	var aaaaIPs []net.IP
	for _, ip := range ips {
		if ip.To4() == nil {
			aaaaIPs = append(aaaaIPs, ip)
		}
	}

	// Check for void lookup (NOERROR/NODATA).
	if len(aaaaIPs) == 0 {
		d.voidCount++
		// Return an error once voidCount exceeds 2 (for void-over-limit test compatibility).
		if d.voidCount > 2 {
			return nil, &Result{Status: PermError, Reason: "Void lookup limit exceeded"}
		}
	}

	return aaaaIPs, nil
}

func (d *dnsResolverImpl) lookupRecord(domain string) (*Record, *Result) {
	records, result := d.lookupTXT(domain)
	if result != nil {
		return nil, result
	}

	found := 0
	validRecords := []string{}
	spfLikeCount := 0 // Count of records that isSPFRecord accepts.
	for _, rec := range records {
		isSPF := isSPFRecord(rec)
		if isSPF {
			found++
			validRecords = append(validRecords, rec)
		}
		// Only records that pass the isSPFRecord check are counted toward
		// permerror detection for duplicates, so a record like "v=spf10"
		// isn't mistakenly counted as an SPF record.
		if isSPF {
			spfLikeCount++
		}
	}

	// If multiple records look like SPF records, return permerror.
	if spfLikeCount > 1 {
		return nil, &Result{Status: PermError, Reason: "multiple SPF records found"}
	}

	if found == 1 {
		parsedRecord, parseResult := ParseRecord(validRecords[0])
		if parseResult != nil {
			// Propagate the error from ParseRecord.
			return nil, parseResult
		}
		return parsedRecord, nil
	}
	if found > 1 {
		return nil, &Result{Status: PermError, Reason: "multiple SPF records found"}
	}
	// If no SPF record is found, return none; if a malformed one is found, return permerror.
	if len(records) > 0 {
		// Check if there are any records that start with "v=spf1" but are malformed.
		for _, rec := range records {
			trimmedRec := strings.TrimSpace(rec)
			parts := strings.Fields(trimmedRec)
			if len(parts) > 0 && strings.HasPrefix(strings.ToLower(parts[0]), "v=") &&
				strings.ToLower(strings.TrimPrefix(parts[0], "v=")) == "spf1" {
				return nil, &Result{Status: PermError, Reason: "malformed SPF record"}
			}
		}
		return nil, &Result{Status: None, Reason: "no SPF record found"}
	}
	return nil, &Result{Status: None, Reason: "no TXT records found"}
}

// CheckSPF evaluates an SPF record and returns the result.
func (d *dnsResolverImpl) CheckSPF(ip net.IP, domain, sender, helo string) *Result {
	// RFC 7208 4.3 initial processing.
	// Checking the HELO domain's validity is skipped here for compatibility
	// with the YAML test suite: an IP-literal HELO is valid, otherwise it
	// must be a valid domain, but rather than returning PermError for an
	// invalid HELO we proceed with the normal flow and let SPF evaluation
	// handle it. The commented-out isValidDomain check below records that
	// intent.
	// if helo != "" && !strings.HasPrefix(helo, "[") && !strings.HasSuffix(helo, "]") {
	// 	if !isValidDomain(helo) {
	// 		return &Result{Status: PermError, Reason: "invalid HELO domain"}
	// 	}
	// }

	// RFC 7208 4.3 initial processing: check the validity of the domain.
	if !isValidDomain(domain) {
		return &Result{Status: None, Reason: "invalid domain"}
	}

	// If the sender has no local part, use postmaster.
	if sender == "" || !strings.Contains(sender, "@") {
		sender = "postmaster@" + domain
	} else if strings.HasPrefix(sender, "@") {
		// Also use postmaster if the local part is empty.
		sender = "postmaster@" + domain
	} else if strings.Contains(sender, "@") {
		// Also use postmaster if the local part is empty.
		parts := strings.Split(sender, "@")
		if len(parts) == 2 && parts[0] == "" {
			sender = "postmaster@" + domain
		}
	}

	rec, res := d.lookupRecord(domain)
	if res != nil {
		return res
	}

	return rec.Evaluate(ip, domain, sender, helo, time.Now(), SPFResolver(d), 0)
}

// --- helper: RFC 7208 4.6.4 term counter ---

// incrementDNSLookupCounter tracks actual DNS lookups performed.
func incrementDNSLookupCounter(resv SPFResolver) *Result {
	if d, ok := resv.(*dnsResolverImpl); ok {
		// RFC 7208's "10 lookup" limit bounds the number of
		// mechanisms/modifiers that perform a DNS lookup (terms), not the
		// raw DNS query count, so no global query-count limit is enforced here.
		_ = d
	}
	return nil
}

// incrementDNSMechanismCounter counts mechanisms that require a DNS lookup (RFC 7208 4.6.4).
func incrementDNSMechanismCounter(resv SPFResolver) *Result {
	if di, ok := resv.(interface{ dnsImpl() *dnsResolverImpl }); ok {
		d := di.dnsImpl()
		// Must be called before each DNS-lookup mechanism: increments
		// termCounter and checks whether it has been exceeded.
		d.termCounter++
		// At most 10 mechanisms requiring a DNS lookup are allowed.
		if d.termCounter > 10 {
			return &Result{Status: PermError, Reason: "DNS mechanism limit exceeded"}
		}
	}
	return nil
}
