package fetchcache

import "fmt"

// CachePolicy controls whether a request may be served from, and written to,
// the persisted response store.
type CachePolicy int

const (
	// PolicyDefault defers to the session policy configured on the manager.
	PolicyDefault CachePolicy = iota
	// PreferCacheElseLoad serves a fresh persisted response when one exists
	// and fetches otherwise.
	PreferCacheElseLoad
	// PreferCacheDontLoad only serves persisted responses and never fetches.
	PreferCacheDontLoad
	// AlwaysLoad ignores persisted responses and always fetches.
	AlwaysLoad
	// NeverCache fetches and never persists the response.
	NeverCache
)

var policyNames = map[CachePolicy]string{
	PolicyDefault:       "default",
	PreferCacheElseLoad: "prefer-cache-else-load",
	PreferCacheDontLoad: "prefer-cache-dont-load",
	AlwaysLoad:          "always-load",
	NeverCache:          "never-cache",
}

// String returns the kebab-case name of the policy.
func (p CachePolicy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("CachePolicy(%d)", int(p))
}

// Persistable reports whether responses fetched under p may be written to the
// persisted store.
func (p CachePolicy) Persistable() bool {
	return p == PreferCacheElseLoad || p == PreferCacheDontLoad
}

// ReadsStore reports whether p consults the persisted store before fetching.
func (p CachePolicy) ReadsStore() bool {
	return p.Persistable()
}

// Loads reports whether p permits a network fetch.
func (p CachePolicy) Loads() bool {
	return p != PreferCacheDontLoad
}

// Or returns p, or fallback when p is PolicyDefault.
func (p CachePolicy) Or(fallback CachePolicy) CachePolicy {
	if p == PolicyDefault {
		return fallback
	}
	return p
}

// MarshalText implements encoding.TextMarshaler.
func (p CachePolicy) MarshalText() ([]byte, error) {
	if _, ok := policyNames[p]; !ok {
		return nil, fmt.Errorf("unknown cache policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CachePolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseCachePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseCachePolicy parses a policy name as produced by CachePolicy.String.
// The empty string parses as PolicyDefault.
func ParseCachePolicy(s string) (CachePolicy, error) {
	if s == "" {
		return PolicyDefault, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return PolicyDefault, fmt.Errorf("unknown cache policy %q", s)
}
