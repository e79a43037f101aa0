// Package version reports the vmicore release and the build it came from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is a vmicore release. Build is filled in from the VCS revision
// stamped into the binary when left empty.
type Version struct {
	Major, Minor, Patch int
	Metadata            string
	Build               string
}

// VmiCoreVersion is the current version of vmicore.
var VmiCoreVersion = Version{Major: 2, Minor: 1, Patch: 0}

func (v Version) String() string {
	ver := "Version: " + v.Short()
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	build := v.Build
	if build == "" {
		build = vcsSetting("vcs.revision")
	}
	if build == "" {
		build = "unknown"
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, build)
}

// Short returns major.minor.patch, used in the ready event.
func (v Version) Short() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func vcsSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

// BuildInfo lists the Go toolchain, the commit and every module the binary
// was built from, one "path@version" per line.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version() + "\nnot built in module mode"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s@%s\n", runtime.Version(), info.Main.Path, info.Main.Version)
	if rev := vcsSetting("vcs.revision"); rev != "" {
		fmt.Fprintf(&b, "  commit %s", rev)
		if vcsSetting("vcs.modified") == "true" {
			b.WriteString(" (modified)")
		}
		b.WriteString("\n")
	}
	for _, dep := range info.Deps {
		fmt.Fprintf(&b, "  %s@%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			fmt.Fprintf(&b, " => %s@%s", dep.Replace.Path, dep.Replace.Version)
		}
		b.WriteString("\n")
	}
	return b.String()
}
