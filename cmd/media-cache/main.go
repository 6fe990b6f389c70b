// Command media-cache is a caching HTTP proxy for media streams. Byte ranges
// requested by players are stored on local disk and served from there on
// later requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/credentials/opprovider"
	"github.com/wolfeidau/media-cache/expiry"
	"github.com/wolfeidau/media-cache/rangecache"
	"github.com/wolfeidau/media-cache/server"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

var version = "dev"

// CLI is the command line and configuration file schema.
type CLI struct {
	Address   string `help:"Address to listen on." default:":8080" env:"MEDIA_CACHE_ADDRESS"`
	AuthToken string `help:"Bearer token required on media and stats requests." env:"MEDIA_CACHE_AUTH_TOKEN"`

	CredentialsFile string `help:"Credentials template holding the auth token and upstream auth." env:"MEDIA_CACHE_CREDENTIALS_FILE" type:"path"`

	Dir             string        `help:"Cache directory for segments and the index." default:"./cache" env:"MEDIA_CACHE_DIR" type:"path"`
	MaxSize         ByteSize      `help:"Storage budget (e.g. 512MiB, 20GB)." default:"512MiB" env:"MEDIA_CACHE_MAX_SIZE"`
	FetchTimeout    time.Duration `help:"Timeout for a single upstream fetch." default:"30s"`
	MaxFetchSize    ByteSize      `help:"Largest byte range requested from upstream at once." default:"8MiB"`
	FlushInterval   time.Duration `help:"How often access times are written to the index." default:"5s"`
	VerifyChecksums bool          `help:"Re-hash every cached segment at startup."`

	IdleTTL        time.Duration `help:"Expire resources not read for this long (0 disables)." default:"0s" env:"MEDIA_CACHE_IDLE_TTL"`
	ExpiryInterval time.Duration `help:"How often to check for idle resources." default:"10m"`

	Upstream       string   `help:"Base URL relative resources are fetched from." env:"MEDIA_CACHE_UPSTREAM"`
	UpstreamName   string   `help:"Name used for the upstream in logs and metrics."`
	UpstreamRPS    float64  `help:"Maximum upstream requests per second (0 is unlimited)." name:"upstream-rps"`
	UpstreamBurst  int      `help:"Burst size for the upstream rate limit." default:"10"`
	UpstreamHeader []string `help:"Extra header sent upstream, as 'Name: value'. Repeatable." name:"upstream-header"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics."`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("media-cache"),
		kong.Description("Disk-backed byte-range cache and streaming proxy for media."),
		kong.Configuration(kong.JSON, "/etc/media-cache/config.json", "~/.config/media-cache/config.json"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := cli.Run(); err != nil {
		kctx.FatalIfErrorf(err)
	}
}

// Run starts the proxy and blocks until it is interrupted.
func (cli *CLI) Run() error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.OTLPEndpoint != "" || cli.Prometheus {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     cli.OTLPEndpoint,
			EnablePrometheus: cli.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	creds, err := cli.loadCredentials(ctx, logger)
	if err != nil {
		return err
	}
	authToken := cli.AuthToken
	if authToken == "" {
		authToken = creds.AuthToken
	}

	fetcher, err := cli.newFetcher(logger, creds.Upstream)
	if err != nil {
		return err
	}

	cache, err := rangecache.New(rangecache.Config{
		Dir:             cli.Dir,
		MaxSize:         int64(cli.MaxSize),
		FetchTimeout:    cli.FetchTimeout,
		MaxFetchSize:    int64(cli.MaxFetchSize),
		FlushInterval:   cli.FlushInterval,
		VerifyChecksums: cli.VerifyChecksums,
		Logger:          logger,
	}, fetcher)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("closing cache", "error", err)
		}
	}()

	var expiryMgr *expiry.Manager
	if cli.IdleTTL > 0 {
		expiryMgr = expiry.NewManager(cache, expiry.Config{
			TTL:           cli.IdleTTL,
			CheckInterval: cli.ExpiryInterval,
			Logger:        logger,
		})
	}

	srv, err := server.New(server.Config{
		Address:      cli.Address,
		AuthToken:    authToken,
		UpstreamName: fetcher.Name(),
		Expiry:       expiryMgr,
		Logger:       logger,
	}, cache)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("media cache started",
		"address", srv.Address(),
		"media_url", fmt.Sprintf("http://localhost%s/media/", srv.Address()),
		"upstream", cli.Upstream,
		"dir", cli.Dir,
		"max_size", cli.MaxSize.String(),
		"version", version,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (cli *CLI) loadCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	if cli.CredentialsFile == "" {
		return &credentials.Credentials{}, nil
	}
	r := credentials.NewResolver(
		credentials.WithLogger(logger),
		opprovider.WithOnePassword(),
	)
	creds, err := r.ResolveFile(ctx, cli.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return creds, nil
}

// newFetcher builds the upstream client. Headers given on the command line
// take precedence over those from the credentials file.
func (cli *CLI) newFetcher(logger *slog.Logger, auth *credentials.UpstreamAuth) (*upstream.HTTPFetcher, error) {
	opts := []upstream.Option{upstream.WithLogger(logger)}
	if auth != nil {
		opts = append(opts, upstream.WithHeaders(auth.Header()))
	}
	if cli.UpstreamName != "" {
		opts = append(opts, upstream.WithName(cli.UpstreamName))
	}
	if cli.UpstreamRPS > 0 {
		opts = append(opts, upstream.WithRateLimit(cli.UpstreamRPS, cli.UpstreamBurst))
	}
	for _, h := range cli.UpstreamHeader {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid upstream header %q, want 'Name: value'", h)
		}
		opts = append(opts, upstream.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}

	f, err := upstream.NewHTTPFetcher(cli.Upstream, opts...)
	if err != nil {
		return nil, fmt.Errorf("configuring upstream: %w", err)
	}
	return f, nil
}
