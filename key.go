// Package fetchcache defines the identifiers, cache policies and error kinds
// shared by the fetch-cache packages.
package fetchcache

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Request describes a resource a caller wants resolved.
type Request struct {
	URL    string
	Accept string
	// Policy overrides the session cache policy when non-zero.
	Policy CachePolicy
}

// Key is the normalized, comparable identity of a Request. Two requests for
// the same resource with the same cache-relevant parameters produce equal
// keys.
type Key struct {
	URL    string
	Accept string
	Policy CachePolicy
}

// NewKey validates and normalizes req. Errors wrap ErrInvalidIdentifier.
func NewKey(req Request) (Key, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return Key{}, NewError(ErrInvalidIdentifier, req.URL, fmt.Errorf("empty url"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Key{}, NewError(ErrInvalidIdentifier, req.URL, err)
	}
	canonical, err := canonicalURL(u)
	if err != nil {
		return Key{}, NewError(ErrInvalidIdentifier, req.URL, err)
	}
	return Key{
		URL:    canonical,
		Accept: strings.TrimSpace(req.Accept),
		Policy: req.Policy,
	}, nil
}

func canonicalURL(u *url.URL) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Opaque != "" {
		return "", fmt.Errorf("opaque url")
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("missing host")
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %w", host, err)
		}
		host = ascii
	}
	host = strings.ToLower(host)

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	out := url.URL{
		Scheme:   scheme,
		User:     u.User,
		Host:     host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if out.Path == "" {
		out.Path = "/"
		out.RawPath = ""
	}
	return out.String(), nil
}

// String returns the canonical URL.
func (k Key) String() string {
	return k.URL
}

// Hash identifies the resource representation named by k. The policy is not
// part of the hash, so every policy shares one persisted response.
func (k Key) Hash() Hash {
	return HashString(k.Accept + "|" + k.URL)
}

// StorageKey returns the sharded key persisted stores file the response
// under, for example "responses/ab/ab12...".
func (k Key) StorageKey() string {
	h := k.Hash()
	return "responses/" + h.Dir() + "/" + h.String()
}

// WithPolicy returns a copy of k using p.
func (k Key) WithPolicy(p CachePolicy) Key {
	k.Policy = p
	return k
}
