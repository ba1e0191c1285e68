package cache

import (
	"net/url"
	"strings"
)

// keyPrefix namespaces every key written by this service.
const keyPrefix = "cg"

// Param is a single named component of a cache key.
type Param struct {
	Name  string
	Value string
}

// CacheKey represents a unique identifier for a cached upstream response.
type CacheKey struct {
	// Kind discriminates the logical query (e.g. "markets", "coin")
	Kind string

	// Params are the parameters that affect the upstream response, in
	// canonical order. Callers must always pass them in the same order.
	Params []Param
}

// String generates a deterministic cache key string.
// Format: cg:kind:name1=val1:name2=val2
//
// Example:
//
//	cg:market_chart:id=bitcoin:vs_currency=usd:days=7
func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(k.Kind))

	for _, p := range k.Params {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}

	return b.String()
}
