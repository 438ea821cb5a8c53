// Package version holds build metadata, overridden at link time:
//
//	go build -ldflags "-X deferq/internal/version.Version=v1.2.3 -X deferq/internal/version.Commit=abc123"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("deferq %s (commit %s, built %s)", i.Version, i.Commit, i.BuildTime)
}

func UserAgent() string { return "deferq/" + Version }
