package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/decode"
	"github.com/wolfeidau/fetch-cache/download"
	"github.com/wolfeidau/fetch-cache/loader"
)

// GetCmd resolves a single URL through the configured store.
type GetCmd struct {
	URL     string                 `arg:"" help:"URL to resolve."`
	Accept  string                 `help:"Accept header for the request."`
	Policy  fetchcache.CachePolicy `help:"Cache policy for this request (default uses --cache-policy)."`
	Output  string                 `short:"o" help:"Write the body to this file instead of stdout." type:"path"`
	Timeout time.Duration          `help:"How long to wait for the result." default:"90s"`
}

func (c *GetCmd) Run(g *Globals, logger *slog.Logger) error {
	st, _, err := g.Cache.openStore(logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	mgr, err := g.Cache.newManager(st, logger, loader.WithDispatcher(download.Inline))
	if err != nil {
		return fmt.Errorf("creating loader: %w", err)
	}
	defer func() { _ = mgr.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	type result struct {
		blob decode.Blob
		err  error
	}
	results := make(chan result, 1)
	owner, stop := download.OwnerFromContext(ctx)
	defer stop()

	start := time.Now()
	mgr.Resolve(ctx, fetchcache.Request{URL: c.URL, Accept: c.Accept, Policy: c.Policy},
		download.NewConsumer(owner, func(b decode.Blob, err error) {
			results <- result{blob: b, err: err}
		}))

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		return fmt.Errorf("resolving %s: %w", c.URL, ctx.Err())
	}
	if res.err != nil {
		return res.err
	}

	logger.Info("resolved",
		"url", c.URL,
		"content_type", res.blob.ContentType,
		"size", res.blob.Size(),
		"duration", time.Since(start).String(),
	)

	var w io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(res.blob.Data); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}
