// Package version provides build information for the mpdsync daemon.
package version

import "fmt"

// These variables are set at build time using -ldflags
var (
	Name = "mpdsync"

	// Version is the semantic version
	Version = "0.1.0"

	BuildTime = ""
	GitCommit = ""
)

// Info is served by /api/v1/version.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	BuildTime string `json:"buildTime,omitempty"`
	GitCommit string `json:"gitCommit,omitempty"`
}

// GetInfo returns the current version information
func GetInfo() Info {
	return Info{
		Name:      Name,
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}
}

// String formats the info as "name vX.Y.Z (commit) built TIME"; the commit
// is shortened to seven characters.
func (i Info) String() string {
	s := fmt.Sprintf("%s v%s", i.Name, i.Version)
	if i.GitCommit != "" {
		s += fmt.Sprintf(" (%s)", i.GitCommit[:min(7, len(i.GitCommit))])
	}
	if i.BuildTime != "" {
		s += " built " + i.BuildTime
	}
	return s
}
