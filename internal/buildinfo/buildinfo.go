// Package buildinfo carries the version stamped in at link time:
//
//	go build -ldflags "-X keelhaul/internal/buildinfo.Version=v1.2.0 -X keelhaul/internal/buildinfo.Commit=abc123"
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

func init() {
	if Commit != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			Commit = s.Value
			if len(Commit) > 12 {
				Commit = Commit[:12]
			}
		}
	}
}
