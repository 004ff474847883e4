// Package version exposes build metadata stamped via -ldflags, falling back to
// the VCS settings the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime/debug"
)

const AppName = "ratelimiter"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	GoVersion string
	VCSDirty  *bool
)

type Info struct {
	App       string `json:"app"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	VCSDirty  *bool  `json:"vcs_dirty,omitempty"`
}

func (i Info) String() string {
	s := fmt.Sprintf("%s %s (%s", i.App, i.Version, shortCommit(i.Commit))
	if i.VCSDirty != nil && *i.VCSDirty {
		s += ", dirty"
	}
	return s + ")"
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func Get() Info {
	out := Info{
		App:       AppName,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		VCSDirty:  VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil && (s.Value == "true" || s.Value == "false") {
				d := s.Value == "true"
				out.VCSDirty = &d
			}
		}
	}
	return out
}
