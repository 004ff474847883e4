package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/estately-labs/ratelimiter/internal/log"
)

// EnvPrefix is prepended to upper-snake flag names for env lookups.
const EnvPrefix = "RATELIMITER_"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort      int
	AdminPort     int
	EnablePprof   bool
	ShutdownDrain time.Duration

	EnablePyroscope   bool
	PyroServer        string
	PyroTenantID      string
	PyroBasicAuthUser string
	PyroBasicAuthPass string

	EnableTracing bool
	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSample   float64

	TrustedHops  int
	CORSOrigins  string
	MaxBodyBytes int64

	StoreBackend  string
	RedisURL      string
	SQLitePath    string
	SweepInterval time.Duration
	MaxKeys       int

	PolicyFile          string
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Key         string
	PolicySigningKeyARN string

	PeerRate     float64
	PeerBurst    int
	PeerTTL      time.Duration
	PeerMaxPeers int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 5*time.Second, "time to report not-ready before closing listeners")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.PyroBasicAuthUser, "pyro-basic-auth-user", "", "basic auth user for pyro-server")
	fs.StringVar(&c.PyroBasicAuthPass, "pyro-basic-auth-password", "", "basic auth password for pyro-server")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", false, "disable TLS to the OTLP endpoint")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of the listener whose X-Forwarded-For entries are trusted (0..16)")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "*", "comma separated allowed CORS origins")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 4096, "max request body size for the check endpoint")

	fs.StringVar(&c.StoreBackend, "store", StoreMemory, "window store backend: memory|redis|sqlite")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis URL (redis://host:port/db) for -store=redis")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "ratelimiter.db", "database file for -store=sqlite")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often expired windows are purged")
	fs.IntVar(&c.MaxKeys, "max-keys", 1_000_000, "max tracked keys for -store=memory (0 = unbounded)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML/JSON policy document overlaid on built-in policies")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding a policy document")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding a signed policy document")
	fs.StringVar(&c.PolicyS3Key, "policy-s3-key", "", "s3 key of the policy document (signature at <key>.sig)")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy document signature verification")

	fs.Float64Var(&c.PeerRate, "peer-rate", 10, "per-peer requests per second on the public listener")
	fs.IntVar(&c.PeerBurst, "peer-burst", 30, "per-peer burst on the public listener")
	fs.DurationVar(&c.PeerTTL, "peer-ttl", 5*time.Minute, "idle time before a peer is forgotten")
	fs.IntVar(&c.PeerMaxPeers, "peer-max", 100000, "max tracked peers (0 = unbounded)")
}

// Origins splits CORSOrigins, dropping blanks.
func (c App) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_DRAIN %s (must be >= 0)", c.ShutdownDrain))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if (c.PyroBasicAuthUser == "") != (c.PyroBasicAuthPass == "") {
			errs = append(errs, fmt.Errorf("PYRO_BASIC_AUTH_USER and PYRO_BASIC_AUTH_PASSWORD must be set together"))
		}
	}

	// Edge
	if c.TrustedHops < 0 || c.TrustedHops > 16 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..16)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 64 || c.MaxBodyBytes > 1<<20 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be 64..1048576)", c.MaxBodyBytes))
	}
	if len(c.Origins()) == 0 {
		errs = append(errs, fmt.Errorf("CORS_ORIGINS must name at least one origin (use * for any)"))
	}

	// Store
	switch c.StoreBackend {
	case StoreMemory:
		if c.MaxKeys < 0 {
			errs = append(errs, fmt.Errorf("invalid MAX_KEYS %d (must be >= 0)", c.MaxKeys))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL required when STORE=redis"))
		} else if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("REDIS_URL must be a redis:// or rediss:// URL (got %q)", c.RedisURL))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SQLITE_PATH required when STORE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory|redis|sqlite)", c.StoreBackend))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL %s (must be >= 1s)", c.SweepInterval))
	}

	// Policy sources. A remote S3 document is only trusted when signed.
	if (c.PolicyS3Bucket == "") != (c.PolicyS3Key == "") {
		errs = append(errs, fmt.Errorf("POLICY_S3_BUCKET and POLICY_S3_KEY must be set together"))
	}
	if c.PolicyS3Bucket != "" && c.PolicySigningKeyARN == "" {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN is required when POLICY_S3_BUCKET is set"))
	}
	if c.PolicySigningKeyARN != "" && c.PolicyS3Bucket == "" {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN has no effect without POLICY_S3_BUCKET"))
	}

	// Peer guard
	if c.PeerRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid PEER_RATE %.2f (must be > 0)", c.PeerRate))
	}
	if c.PeerBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid PEER_BURST %d (must be >= 1)", c.PeerBurst))
	}
	if c.PeerTTL < time.Second {
		errs = append(errs, fmt.Errorf("invalid PEER_TTL %s (must be >= 1s)", c.PeerTTL))
	}
	if c.PeerMaxPeers < 0 {
		errs = append(errs, fmt.Errorf("invalid PEER_MAX %d (must be >= 0)", c.PeerMaxPeers))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
