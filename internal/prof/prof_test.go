package prof

import (
	"context"
	"testing"

	"github.com/grafana/pyroscope-go"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false, ServerAddress: "http://ignored"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if stop == nil {
		t.Fatal("stop is nil")
	}
	stop()
}

func TestStart_EnabledWithoutAddress(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: true, AppName: "ratelimiter"})
	if err == nil {
		t.Fatal("expected error")
	}
	if stop == nil {
		t.Fatal("stop must be non-nil on error")
	}
	stop()
}

func TestProfileTypes(t *testing.T) {
	has := func(ts []pyroscope.ProfileType, want pyroscope.ProfileType) bool {
		for _, pt := range ts {
			if pt == want {
				return true
			}
		}
		return false
	}

	base := profileTypes(Options{})
	if !has(base, pyroscope.ProfileCPU) || has(base, pyroscope.ProfileMutexCount) || has(base, pyroscope.ProfileBlockCount) {
		t.Fatalf("base types = %v", base)
	}
	full := profileTypes(Options{MutexProfileFraction: 5, BlockProfileRate: 1})
	if !has(full, pyroscope.ProfileMutexDuration) || !has(full, pyroscope.ProfileBlockDuration) {
		t.Fatalf("full types = %v", full)
	}
}
