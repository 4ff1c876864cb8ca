// Package version reports the build version of the editlock binaries.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/editlock"
	unknown       = "v0.0.0-unknown"
	revisionLen   = 12
)

// buildVersion is set via -ldflags "-X pkt.systems/editlock/internal/version.buildVersion=...".
var buildVersion = ""

// VCS describes the commit a binary was built from.
type VCS struct {
	Revision string
	Time     time.Time
	Modified bool
}

// Current returns the best available version string: the ldflags value, the
// module version, or a pseudo-version derived from VCS stamping.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknown
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if vcs, ok := vcsFromSettings(info.Settings); ok {
		return vcs.pseudo()
	}
	return unknown
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Commit returns the VCS stamp of the running binary, if any.
func Commit() (VCS, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return VCS{}, false
	}
	return vcsFromSettings(info.Settings)
}

func vcsFromSettings(settings []debug.BuildSetting) (VCS, bool) {
	var (
		vcs     VCS
		rawTime string
	)
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			vcs.Revision = s.Value
		case "vcs.time":
			rawTime = s.Value
		case "vcs.modified":
			vcs.Modified = s.Value == "true"
		}
	}
	if vcs.Revision == "" || rawTime == "" {
		return VCS{}, false
	}
	parsed, err := time.Parse(time.RFC3339, rawTime)
	if err != nil {
		return VCS{}, false
	}
	vcs.Time = parsed.UTC()
	return vcs, true
}

func (v VCS) pseudo() string {
	rev := v.Revision
	if len(rev) > revisionLen {
		rev = rev[:revisionLen]
	}
	out := "v0.0.0-" + v.Time.Format("20060102150405") + "-" + rev
	if v.Modified {
		out += "+dirty"
	}
	return out
}
