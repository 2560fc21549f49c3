package version

import "fmt"

// Set at build time with -ldflags "-X github.com/satya-market/access-go/internal/version.Version=...".
var (
	Version     = "dev"
	VersionLong = ""
	BuildTime   = ""
)

type VersionStat struct {
	Version     string `json:"version"`
	VersionLong string `json:"versionLong"`
	BuildTime   string `json:"buildTime"`
}

func GetVersion() VersionStat {
	return VersionStat{
		Version:     Version,
		VersionLong: VersionLong,
		BuildTime:   BuildTime,
	}
}

func (v VersionStat) String() string {
	if v.VersionLong == "" {
		return v.Version
	}
	return fmt.Sprintf("%s (%s, built %s)", v.Version, v.VersionLong, v.BuildTime)
}
