package buildinfo

import "fmt"

// Name is the daemon binary name, used in logs and the version banner.
const Name = "lockerfleetd"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", Name, Version, Commit, Date)
}
