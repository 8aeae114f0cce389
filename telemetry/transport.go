package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Upstream fetch outcomes.
const (
	UpstreamSuccess   = "success"
	UpstreamTruncated = "truncated"
	UpstreamError     = "error"
	UpstreamCanceled  = "canceled"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch metrics.
// A fetch is recorded once, when its body is closed or fails to round trip.
type InstrumentedTransport struct {
	base   http.RoundTripper
	client string
}

// NewInstrumentedTransport creates a new instrumented transport. client names
// the fetcher in the recorded metrics. A nil base uses http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, client string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, client: client}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := UpstreamError
		if ctx.Err() != nil {
			outcome = UpstreamCanceled
		}
		RecordUpstreamFetch(ctx, t.client, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		client:     t.client,
		start:      start,
		outcome:    statusOutcome(resp.StatusCode),
	}
	return resp, nil
}

// statusOutcome folds 1xx-3xx into success and keeps the class otherwise.
func statusOutcome(status int) string {
	if status >= 400 {
		return StatusClass(status)
	}
	return UpstreamSuccess
}

// instrumentedBody counts bytes read and records the fetch on close. A
// successful response closed before EOF is recorded as truncated.
type instrumentedBody struct {
	io.ReadCloser
	ctx     context.Context
	client  string
	start   time.Time
	bytes   int64
	outcome string
	eof     bool
	once    sync.Once
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	b.once.Do(func() {
		outcome := b.outcome
		if outcome == UpstreamSuccess && !b.eof {
			outcome = UpstreamTruncated
		}
		RecordUpstreamFetch(b.ctx, b.client, time.Since(b.start), b.bytes, outcome)
	})
	return b.ReadCloser.Close()
}
