// Package testfixtures loads YAML-described ARC chain fixtures —
// RFC 8617 Appendix B-style multi-set messages, their selector
// records, and the chain outcome they're expected to produce — and
// runs them through chain validation in this package's tests. It mirrors the
// YAML-fixture pattern the spf package uses for its pyspf conformance
// suite, scoped to ARC chain assembly instead of SPF evaluation.
package testfixtures

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcseal/arcseal/resolver"
	"github.com/arcseal/arcseal/seal"
	"github.com/arcseal/arcseal/tables"

	"github.com/arcseal/arcseal/chain"
)

// ChainWant is a fixture's expected chain.Result, checked field by
// field against what chain validation actually produces.
type ChainWant struct {
	ChainStatus string `yaml:"chain_status"`
	OldestPass  int    `yaml:"oldest_pass"`
	InFail      bool   `yaml:"infail"`
}

// ChainFixture is one message: its header fields and body (stored line
// by line, without line terminators, so the YAML stays readable), the
// selector TXT records a verifier must see to resolve any signature,
// and the expected outcome.
type ChainFixture struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Headers     []string          `yaml:"headers"`
	BodyLines   []string          `yaml:"body"`
	KeyRecords  map[string]string `yaml:"key_records"`
	Want        ChainWant         `yaml:"want"`
}

// Suite is a named collection of fixtures, the unit a YAML document
// holds.
type Suite struct {
	Description string         `yaml:"description"`
	Fixtures    []ChainFixture `yaml:"fixtures"`
}

// ParseSuite unmarshals a YAML document into a Suite.
func ParseSuite(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("testfixtures: parsing suite: %w", err)
	}
	return &s, nil
}

// HeaderLines returns the fixture's header fields with CRLF line
// terminators restored, ready to feed to chain.Message.HeaderField.
func (f ChainFixture) HeaderLines() []string {
	out := make([]string, len(f.Headers))
	for i, h := range f.Headers {
		out[i] = h + "\r\n"
	}
	return out
}

// BodyBytes returns the fixture's body with CRLF line terminators
// restored, including the trailing line.
func (f ChainFixture) BodyBytes() []byte {
	if len(f.BodyLines) == 0 {
		return nil
	}
	return []byte(strings.Join(f.BodyLines, "\r\n") + "\r\n")
}

// Resolver builds a resolver.TestResolver preloaded with the fixture's
// selector records.
func (f ChainFixture) Resolver() *resolver.TestResolver {
	r := resolver.NewTestResolver()
	for name, record := range f.KeyRecords {
		r.AddRecord(name, record)
	}
	return r
}

// Validate feeds the fixture through a fresh chain.Message and returns
// the resulting chain.Result.
func (f ChainFixture) Validate(ctx context.Context) (*chain.Result, error) {
	m := chain.NewMessage(chain.WithResolver(f.Resolver()))
	for _, h := range f.HeaderLines() {
		if err := m.HeaderField(h); err != nil {
			// A HeaderField-level error (malformed ARC header, instance
			// over MaxSets) still produces a Result with Status set;
			// subsequent lifecycle calls are skipped since the message
			// can't usefully continue.
			return &chain.Result{Status: "fail", InFail: true}, nil
		}
	}
	if err := m.EOH(); err != nil {
		return nil, err
	}
	if err := m.Body(f.BodyBytes()); err != nil {
		return nil, err
	}
	return m.EOM(ctx)
}

// CheckWant reports a mismatch between got and the fixture's Want, or
// "" if they agree.
func (f ChainFixture) CheckWant(got *chain.Result) string {
	if string(got.Status) != f.Want.ChainStatus {
		return fmt.Sprintf("chain_status = %s, want %s", got.Status, f.Want.ChainStatus)
	}
	if got.InFail != f.Want.InFail {
		return fmt.Sprintf("infail = %v, want %v", got.InFail, f.Want.InFail)
	}
	if f.Want.ChainStatus == "pass" && got.OldestPass != f.Want.OldestPass {
		return fmt.Sprintf("oldest_pass = %d, want %d", got.OldestPass, f.Want.OldestPass)
	}
	return ""
}

// GenerateSignedFixture builds a ChainFixture with numInstances real,
// cryptographically valid ARC sets chained onto a base message, one
// relay hop at a time via seal.Seal. It exists because a passing
// chain can't be hand-authored into testdata/chains.yaml: the AMS/AS
// b= signatures have to come from an actual private key operation,
// which this module is forbidden from producing ahead of time by
// running the toolchain. Callers needing a pass scenario generate one
// at test time instead of loading it from YAML.
func GenerateSignedFixture(key *rsa.PrivateKey, domain, selector string, numInstances int, now time.Time) (*ChainFixture, error) {
	headers := []string{
		"From: sender@example.com\r\n",
		"To: recipient@example.net\r\n",
		"Subject: hello\r\n",
	}
	body := "hello world\r\n"

	for i := 1; i <= numInstances; i++ {
		cv := tables.CVPass
		authResults := fmt.Sprintf("%s; arc=pass", domain)
		if i == 1 {
			cv = tables.CVNone
			authResults = fmt.Sprintf("%s; arc=none", domain)
		}
		result, err := seal.Seal(seal.Config{
			Key:      key,
			Domain:   domain,
			Selector: selector,
			Now:      func() time.Time { return now },
		}, seal.Request{
			Headers:         headers,
			Body:            []byte(body),
			Instance:        i,
			ChainValidation: cv,
			AuthResults:     authResults,
		})
		if err != nil {
			return nil, fmt.Errorf("testfixtures: sealing instance %d: %w", i, err)
		}
		headers = append(headers, result.AAR, result.AMS, result.AS)
	}

	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)

	trimmed := make([]string, len(headers))
	for i, h := range headers {
		trimmed[i] = strings.TrimSuffix(h, "\r\n")
	}

	return &ChainFixture{
		Name:        fmt.Sprintf("generated_%d_instance_pass", numInstances),
		Description: "programmatically signed chain, expected to pass verification",
		Headers:     trimmed,
		BodyLines:   strings.Split(strings.TrimSuffix(body, "\r\n"), "\r\n"),
		KeyRecords: map[string]string{
			selector + "._domainkey." + domain: record,
		},
		Want: ChainWant{
			ChainStatus: string(tables.ChainPass),
			OldestPass:  0,
			InFail:      false,
		},
	}, nil
}
