// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// policyKey is the context key for propagating the cache policy to background goroutines.
	policyKey contextKey = "policy"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Policy      string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetPolicy sets the cache policy tag for metrics and logging.
func SetPolicy(r *http.Request, policy string) {
	if tags := GetTags(r); tags != nil {
		tags.Policy = policy
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// PolicyFromContext retrieves the cache policy from a context.
// It checks both background contexts (set by WithPolicyContext) and
// request contexts (set by SetPolicy via InjectTags).
func PolicyFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(policyKey).(string); ok && p != "" {
		return p
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Policy
	}
	return ""
}

// WithPolicyContext returns a context with the cache policy stored.
// Use this to propagate the policy into goroutines that outlive the request context.
func WithPolicyContext(ctx context.Context, policy string) context.Context {
	return context.WithValue(ctx, policyKey, policy)
}
