// Command fetch-cache resolves URLs through a deduplicating fetch cache and
// serves the results over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// CLI is the root command line.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" default:"withargs" help:"Run the fetch cache HTTP server."`
	Get   GetCmd   `cmd:"" help:"Resolve one URL and write its body to stdout."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (${enum})." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (${enum})." default:"text" enum:"text,json"`

	Cache CacheFlags `embed:""`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("fetch-cache"),
		kong.Description("Deduplicating fetch-and-cache layer for remote resources."),
		kong.UsageOnError(),
		kong.DefaultEnvars("FETCH_CACHE"),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
