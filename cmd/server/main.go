package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estately-labs/ratelimiter/internal/admission"
	"github.com/estately-labs/ratelimiter/internal/cfg"
	"github.com/estately-labs/ratelimiter/internal/health"
	"github.com/estately-labs/ratelimiter/internal/httpmw"
	"github.com/estately-labs/ratelimiter/internal/httpserver"
	"github.com/estately-labs/ratelimiter/internal/log"
	"github.com/estately-labs/ratelimiter/internal/metrics"
	"github.com/estately-labs/ratelimiter/internal/opshttp"
	"github.com/estately-labs/ratelimiter/internal/otelx"
	"github.com/estately-labs/ratelimiter/internal/peerlimit"
	"github.com/estately-labs/ratelimiter/internal/policy"
	"github.com/estately-labs/ratelimiter/internal/policysrc"
	"github.com/estately-labs/ratelimiter/internal/prof"
	v "github.com/estately-labs/ratelimiter/internal/version"
	"github.com/estately-labs/ratelimiter/internal/window"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (build_date=%s, go=%s)\n", vi, vi.BuildDate, vi.GoVersion)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		Service:           v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"store", conf.StoreBackend,
		"sweep_interval", conf.SweepInterval,
		"max_keys", conf.MaxKeys,
		"trusted_hops", conf.TrustedHops,
		"peer_rate", conf.PeerRate,
		"peer_burst", conf.PeerBurst,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_key", conf.PolicyS3Key,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:           conf.EnablePyroscope,
		AppName:           v.AppName,
		ServerAddress:     conf.PyroServer,
		BasicAuthUser:     conf.PyroBasicAuthUser,
		BasicAuthPassword: conf.PyroBasicAuthPass,
		TenantID:          conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer func() { stopProf() }()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: conf.OTLPInsecure,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// policy is loaded once; any source failure is fatal
	policies, err := policysrc.Load(ctx, policysrc.Options{
		Logger:        L,
		File:          conf.PolicyFile,
		SSMParam:      conf.PolicySSMParam,
		S3Bucket:      conf.PolicyS3Bucket,
		S3Key:         conf.PolicyS3Key,
		SigningKeyARN: conf.PolicySigningKeyARN,
	})
	if err != nil {
		L.Error(ctx, err, "failed to load rate limit policies")
		os.Exit(1)
	}
	m.SetPolicies(policies.Entries())

	store, err := openStore(ctx, conf, policies)
	if err != nil {
		L.Error(ctx, err, "failed to open window store", "store", conf.StoreBackend)
		os.Exit(1)
	}
	if c, ok := store.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				L.Error(context.Background(), err, "window store close")
			}
		}()
	}

	sweeper := window.NewSweeper(store,
		window.WithInterval(conf.SweepInterval),
		window.WithSweepLogger(L),
		window.WithOnSweep(m.ObserveSweep),
		window.WithOnSweepError(func(error) { m.IncStoreError("purge") }),
	)
	go sweeper.Run(ctx)

	adm, err := admission.New(store, policies,
		admission.WithAllowedOrigins(conf.Origins()),
		admission.WithOnDecision(m.ObserveCheck),
		admission.WithOnFirstDenied(func(policyName, _ string) { m.IncFirstDenied(policyName) }),
		admission.WithOnStoreError(func(error) { m.IncStoreError("check") }),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create admission handler")
		os.Exit(1)
	}

	guard := peerlimit.New(ctx,
		peerlimit.WithRate(conf.PeerRate, conf.PeerBurst),
		peerlimit.WithTTL(conf.PeerTTL),
		peerlimit.WithMaxPeers(conf.PeerMaxPeers),
		peerlimit.WithOnDenied(func(string) { m.IncPeerDenied() }),
		// one line per peer until it is evicted
		peerlimit.WithOnFirstDenied(func(addr string) {
			L.Warn(ctx, "peer guard triggered", "client.address", addr)
		}),
		peerlimit.WithOnCapacity(func() {
			m.IncPeerCapacity()
			L.Warn(ctx, "peer guard at capacity, rejecting new peers until some are evicted", "max_peers", conf.PeerMaxPeers)
		}),
	)

	var gate health.ShutdownGate
	probes := []health.Probe{gate.Probe()}
	if p, ok := store.(health.Pinger); ok {
		probes = append(probes, health.Ping("window store", p, 2*time.Second))
	}
	readiness := health.All(probes...)

	appHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		ClientIP:     httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		PeerGuard:    guard.Middleware,
		MetricsMW:    m.Middleware,
		OnPanic:      m.IncHttpPanic,
		MaxBodyBytes: conf.MaxBodyBytes,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    adm.Register,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// ops listener only answers private-network callers
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops routing here
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain", conf.ShutdownDrain)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	L.Info(bg, "shutdown complete")
}

// openStore builds the configured window store. Redis and SQLite are pinged
// before the listener starts.
func openStore(ctx context.Context, conf cfg.App, policies *policy.Registry) (window.Store, error) {
	switch conf.StoreBackend {
	case cfg.StoreRedis:
		s, err := window.NewRedisStoreFromURL(conf.RedisURL, policies)
		if err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			_ = s.Close()
			return nil, xerrors.Wrap(err, "redis ping")
		}
		return s, nil
	case cfg.StoreSQLite:
		return window.OpenSQLite(ctx, conf.SQLitePath, policies)
	default:
		return window.NewMemoryStore(policies, window.WithMaxKeys(conf.MaxKeys)), nil
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
