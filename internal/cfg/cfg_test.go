package cfg

import (
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports: got %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.StoreBackend != StoreMemory {
		t.Errorf("StoreBackend: got %q", c.StoreBackend)
	}
	if c.SweepInterval != time.Minute {
		t.Errorf("SweepInterval: got %s", c.SweepInterval)
	}
	if c.PeerRate != 10 || c.PeerBurst != 30 || c.PeerTTL != 5*time.Minute {
		t.Errorf("peer guard: got %v/%d/%s", c.PeerRate, c.PeerBurst, c.PeerTTL)
	}
	if c.MaxBodyBytes != 4096 {
		t.Errorf("MaxBodyBytes: got %d", c.MaxBodyBytes)
	}
	if c.TrustedHops != 1 {
		t.Errorf("TrustedHops: got %d", c.TrustedHops)
	}
	if got := c.Origins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("Origins: got %v", got)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-store=redis",
		"-redis-url=redis://cache:6379/2",
		"-sweep-interval=30s",
		"-policy-file=/etc/ratelimiter/policies.yaml",
		"-peer-rate=2.5",
		"-cors-origins=https://a.example.com, https://b.example.com,",
	})
	if c.StoreBackend != StoreRedis || c.RedisURL != "redis://cache:6379/2" {
		t.Errorf("store: got %q %q", c.StoreBackend, c.RedisURL)
	}
	if c.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval: got %s", c.SweepInterval)
	}
	if c.PolicyFile != "/etc/ratelimiter/policies.yaml" {
		t.Errorf("PolicyFile: got %q", c.PolicyFile)
	}
	if c.PeerRate != 2.5 {
		t.Errorf("PeerRate: got %v", c.PeerRate)
	}
	if got := c.Origins(); len(got) != 2 || got[1] != "https://b.example.com" {
		t.Errorf("Origins: got %v", got)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"STORE", "sqlite")
	t.Setenv(pfx+"SQLITE_PATH", "/var/lib/ratelimiter/windows.db")
	t.Setenv(pfx+"MAX_KEYS", "500")
	t.Setenv(pfx+"PEER_TTL", "90s")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")
	t.Setenv(pfx+"POLICY_SSM_PARAM", "/ratelimiter/policies")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q", c.LogLevel)
	}
	if c.HTTPPort != 8088 {
		t.Errorf("HTTPPort: got %d", c.HTTPPort)
	}
	if c.StoreBackend != StoreSQLite || c.SQLitePath != "/var/lib/ratelimiter/windows.db" {
		t.Errorf("store: got %q %q", c.StoreBackend, c.SQLitePath)
	}
	if c.MaxKeys != 500 {
		t.Errorf("MaxKeys: got %d", c.MaxKeys)
	}
	if c.PeerTTL != 90*time.Second {
		t.Errorf("PeerTTL: got %s", c.PeerTTL)
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: got %f", c.TraceSample)
	}
	if c.PolicySSMParam != "/ratelimiter/policies" {
		t.Errorf("PolicySSMParam: got %q", c.PolicySSMParam)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"STORE", "redis")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-store=memory"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.StoreBackend != StoreMemory {
		t.Errorf("StoreBackend: want memory (cli), got %q", c.StoreBackend)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 override messages, got %v", msgs)
	}
	for _, m := range msgs {
		if !strings.Contains(m, "overrides env") {
			t.Errorf("unexpected message: %s", m)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"SWEEP_INTERVAL", "soon")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.SweepInterval != time.Minute {
		t.Errorf("SweepInterval: want default, got %s", c.SweepInterval)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "ignoring invalid env") {
		t.Fatalf("messages: %v", msgs)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
		"-policy-s3-bucket=config",
		"-policy-s3-key=ratelimiter/policies.yaml",
		"-policy-signing-key-arn=arn:aws:kms:us-east-2:000000000000:key/abc",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-trace-sample=2.0",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-max-error-links=0",
		"-trusted-hops=-1",
		"-max-body-bytes=10",
		"-cors-origins= , ",
		"-sweep-interval=10ms",
		"-peer-rate=0",
		"-peer-burst=0",
	})

	err := Validate(c)
	for _, sub := range []string{
		"invalid HTTP_PORT",
		"invalid ADMIN_PORT",
		"invalid LOG_LEVEL",
		"invalid TRACE_SAMPLE",
		"OTLP_ENDPOINT must be host:port",
		"MAX_ERROR_LINKS",
		"invalid TRUSTED_HOPS",
		"invalid MAX_BODY_BYTES",
		"CORS_ORIGINS",
		"invalid SWEEP_INTERVAL",
		"invalid PEER_RATE",
		"invalid PEER_BURST",
	} {
		wantErrContains(t, err, sub)
	}
}

func TestValidate_Store(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-store=etcd"}, "invalid STORE"},
		{[]string{"-store=redis"}, "REDIS_URL required"},
		{[]string{"-store=redis", "-redis-url=http://cache:6379"}, "REDIS_URL must be"},
		{[]string{"-store=sqlite", "-sqlite-path="}, "SQLITE_PATH required"},
		{[]string{"-max-keys=-1"}, "invalid MAX_KEYS"},
	}
	for _, tc := range cases {
		wantErrContains(t, Validate(newTestConfig(t, tc.args)), tc.want)
	}
}

func TestValidate_PolicySources(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-policy-s3-bucket=b"}, "must be set together"},
		{[]string{"-policy-s3-bucket=b", "-policy-s3-key=k"}, "POLICY_SIGNING_KEY_ARN is required"},
		{[]string{"-policy-signing-key-arn=arn"}, "has no effect"},
	}
	for _, tc := range cases {
		wantErrContains(t, Validate(newTestConfig(t, tc.args)), tc.want)
	}
}

func TestValidate_PyroscopeAuthPair(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-basic-auth-user=u",
	})
	wantErrContains(t, Validate(c), "must be set together")
}
