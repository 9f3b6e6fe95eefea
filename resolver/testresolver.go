package resolver

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// TestResolver answers TXT queries from an in-memory map, populated
// either directly (AddRecord) or by loading a TESTKEYS-style fixture
// file (LoadFile): one "selector._domainkey.domain TAB record" pair
// per line, blank lines and "#"-prefixed lines ignored.
//
// It never performs network I/O, making it safe for the deterministic
// test suites the chain and seal packages need for sign/verify
// round-trips.
type TestResolver struct {
	records map[string][]string
}

// NewTestResolver builds an empty TestResolver.
func NewTestResolver() *TestResolver {
	return &TestResolver{records: make(map[string][]string)}
}

// AddRecord registers a single TXT record for name.
func (t *TestResolver) AddRecord(name, record string) {
	t.records[name] = append(t.records[name], record)
}

// LoadFile loads a TESTKEYS fixture: each non-empty, non-comment line
// is "name<TAB>record".
func (t *TestResolver) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("resolver: open testkeys file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		name, record, ok := strings.Cut(line, "\t")
		if !ok {
			return fmt.Errorf("resolver: testkeys file %s line %d: missing tab separator", path, lineNo)
		}
		t.AddRecord(strings.TrimSpace(name), record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("resolver: read testkeys file: %w", err)
	}
	return nil
}

func (t *TestResolver) Init() error { return nil }

func (t *TestResolver) Close() error { return nil }

func (t *TestResolver) Start(qtype QueryType, qname string) (Handle, error) {
	return qname, nil
}

func (t *TestResolver) Cancel(h Handle) error { return nil }

func (t *TestResolver) WaitReply(h Handle, timeout time.Duration) ([]string, bool, error) {
	qname, ok := h.(string)
	if !ok {
		return nil, false, fmt.Errorf("resolver: invalid handle")
	}
	records, found := t.records[qname]
	if !found {
		return nil, false, ErrNotFound
	}
	return records, false, nil
}

var _ Resolver = (*TestResolver)(nil)
