// Package routing turns tenant hints into shard pools and finds entities
// whose hospital is unknown by probing shards one at a time.
package routing

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Source names where a tenant hint came from.
type Source string

const (
	SourceQuery    Source = "query"
	SourceBody     Source = "body"
	SourceHeader   Source = "header"
	SourceCaller   Source = "caller"
	SourceResolver Source = "resolver"
)

// Precedence is the fixed order in which hints are consulted.
// The first non-empty source wins routing; the resolver probes them in this order.
var Precedence = []Source{SourceQuery, SourceBody, SourceHeader, SourceCaller}

// Request parameter spellings accepted for the query and body hints.
var HintParams = []string{"hospital_id", "hospitalId", "tenant_id"}

// Header spellings accepted for the header hint, in order.
var HintHeaders = []string{"X-Hospital-ID", "X-Tenant-ID"}

// HintSet carries at most one tenant ID per source. Zero means absent.
type HintSet struct {
	Query  int64
	Body   int64
	Header int64
	Caller int64
}

// Get returns the hint from one source.
func (h HintSet) Get(src Source) int64 {
	switch src {
	case SourceQuery:
		return h.Query
	case SourceBody:
		return h.Body
	case SourceHeader:
		return h.Header
	case SourceCaller:
		return h.Caller
	default:
		return 0
	}
}

// First returns the highest-precedence hint.
func (h HintSet) First() (int64, Source, bool) {
	for _, src := range Precedence {
		if id := h.Get(src); id > 0 {
			return id, src, true
		}
	}
	return 0, "", false
}

// Ordered returns the distinct non-empty hints in precedence order.
func (h HintSet) Ordered() []int64 {
	out := make([]int64, 0, len(Precedence))
	for _, src := range Precedence {
		id := h.Get(src)
		if id <= 0 || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Empty reports whether no source carries a hint.
func (h HintSet) Empty() bool {
	_, _, ok := h.First()
	return !ok
}

// ParseHint reads a tenant ID from request text. Blank input is "no hint".
func ParseHint(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tenant hint %q", raw)
	}
	return id, nil
}

// HintFromAny reads a tenant ID from a decoded JSON body value.
func HintFromAny(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if x <= 0 || x != float64(int64(x)) {
			return 0, fmt.Errorf("invalid tenant hint %v", x)
		}
		return int64(x), nil
	case string:
		return ParseHint(x)
	case interface{ Int64() (int64, error) }:
		id, err := x.Int64()
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid tenant hint %v", x)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("invalid tenant hint type %T", v)
	}
}
