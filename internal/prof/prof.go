// Package prof starts continuous profiling with Grafana Pyroscope.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/estately-labs/ratelimiter/internal/log"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	// BasicAuthUser/Password authenticate against hosted pyroscope.
	BasicAuthUser     string
	BasicAuthPassword string
	TenantID          string
	Tags              map[string]string
	// MutexProfileFraction and BlockProfileRate feed the runtime; 0 leaves
	// them untouched and drops the matching profile types.
	MutexProfileFraction int
	BlockProfileRate     int
}

func profileTypes(o Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.MutexProfileFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// Start begins profiling when enabled. The returned stop func is never nil.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("pyroscope enabled without a server address")
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPassword,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		ProfileTypes:      profileTypes(opts),
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "pyroscope start (server=%s)", opts.ServerAddress)
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	return func() {
		_ = profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}
