package kotel

import "runtime/debug"

// Version is the current release version of the kotel instrumentation.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if ok {
		if info.Main.Path == "github.com/kcons/kcons" && info.Main.Version != "" {
			return info.Main.Version
		}
		for _, dep := range info.Deps {
			if dep.Path == "github.com/kcons/kcons" {
				return dep.Version
			}
		}
	}
	return "unknown"
}

// SemVersion is the semantic version to be supplied to tracer/meter creation.
func SemVersion() string {
	return "semver:" + Version()
}
