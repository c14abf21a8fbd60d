package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/senseng"

// buildVersion is set via -ldflags "-X pkt.systems/senseng/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	BuiltAt   string `json:"built_at,omitempty" yaml:"built_at,omitempty"`
	Dirty     bool   `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// String renders the one-line banner printed by `senseng version`.
func (i Info) String() string {
	line := fmt.Sprintf("senseng %s (%s)", i.Version, i.GoVersion)
	if i.Revision != "" {
		line += " rev " + i.Revision
	}
	return line
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return fromBuild(readBuildInfo(), false)
}

// CurrentWithDirty returns the best available version string, keeping a dirty suffix.
func CurrentWithDirty() string {
	return fromBuild(readBuildInfo(), true)
}

// Module returns the module path from build info when available.
func Module() string {
	if info := readBuildInfo(); info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Describe collects everything known about the binary.
func Describe() Info {
	info := readBuildInfo()
	out := Info{
		Version:   fromBuild(info, true),
		Module:    Module(),
		GoVersion: runtime.Version(),
	}
	vcs := vcsSettings(info)
	out.Revision = vcs.revision
	out.BuiltAt = vcs.time
	out.Dirty = vcs.modified
	return out
}

var readBuildInfo = func() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
}

func fromBuild(info *debug.BuildInfo, includeDirty bool) string {
	if strings.TrimSpace(buildVersion) != "" {
		return normalizeVersion(buildVersion, includeDirty)
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return normalizeVersion(v, includeDirty)
		}
		if v := pseudoVersion(info, includeDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func normalizeVersion(v string, includeDirty bool) string {
	value := strings.TrimSpace(v)
	if includeDirty {
		return value
	}
	return strings.TrimSuffix(value, "+dirty")
}

type vcs struct {
	revision string
	time     string
	modified bool
}

func vcsSettings(info *debug.BuildInfo) vcs {
	var out vcs
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func pseudoVersion(info *debug.BuildInfo, includeDirty bool) string {
	settings := vcsSettings(info)
	if settings.revision == "" || settings.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, settings.time)
	if err != nil {
		return ""
	}
	rev := settings.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if settings.modified && includeDirty {
		ver += "+dirty"
	}
	return ver
}
