package chain

import (
	"fmt"
	"strconv"

	"github.com/arcseal/arcseal/internal/kvset"
	"github.com/arcseal/arcseal/tables"
)

// Set holds the three header fields that make up one ARC set instance
// (the AAR/AMS/AS triple), both raw text and parsed tag-value sets.
type Set struct {
	Instance int

	AARRaw string
	AMSRaw string
	ASRaw  string

	AAR *kvset.Set
	AMS *kvset.Set
	AS  *kvset.Set

	// AMSValid and ASValid record this set's own verification
	// outcome, filled in at EOM by chain validation.
	AMSValid bool
	ASValid  bool
}

// Complete reports whether all three header fields of the set were
// seen.
func (s *Set) Complete() bool {
	return s.AAR != nil && s.AMS != nil && s.AS != nil
}

func instanceFromSet(kind tables.KVKind, s *kvset.Set) (int, error) {
	v, ok := s.Get("i")
	if !ok {
		return 0, fmt.Errorf("missing i= tag")
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid instance number %q", v)
	}
	return n, nil
}

// sets is an ordered collection of ARC set instances, keyed by
// instance number.
type sets struct {
	byInstance map[int]*Set
	max        int
}

func newSets() *sets {
	return &sets{byInstance: make(map[int]*Set)}
}

func (s *sets) get(i int) *Set {
	set, ok := s.byInstance[i]
	if !ok {
		set = &Set{Instance: i}
		s.byInstance[i] = set
	}
	if i > s.max {
		s.max = i
	}
	return set
}

// orderedRaw returns, for instances 1..upTo, the AAR/AMS/AS raw header
// text in the order RFC 8617 §4.2/§5.1 sign and verify them in. The
// final instance's AS is replaced with asPlaceholder when non-empty
// (used while computing a not-yet-signed AS's own digest).
func (s *sets) orderedRaw(upTo int, asPlaceholder string) ([]string, error) {
	var out []string
	for i := 1; i <= upTo; i++ {
		set, ok := s.byInstance[i]
		if !ok || set.AAR == nil || set.AMS == nil {
			return nil, fmt.Errorf("missing ARC headers for instance %d", i)
		}
		out = append(out, set.AARRaw, set.AMSRaw)
		if i == upTo && asPlaceholder != "" {
			out = append(out, asPlaceholder)
			continue
		}
		if set.AS == nil {
			return nil, fmt.Errorf("missing ARC-Seal for instance %d", i)
		}
		out = append(out, set.ASRaw)
	}
	return out, nil
}
