package version

import (
	"fmt"
	"log"
)

var (
	Name        = "veilproxy"
	ShortName   = "veil"
	Description = "Local CONNECT-only forward proxy over an anonymizing overlay"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

// PrintVersionInfo writes a one-line banner (or, with extendedInfo, a short
// build-info block) to vlog. No ANSI styling: the teacher's version banner
// leans on pterm/theme for colour, but this binary has no TUI surface to
// justify pulling in a terminal styling library for a handful of lines
// printed once at startup.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	vlog.Printf("%s %s - %s", Name, Version, Description)

	if extendedInfo {
		vlog.Printf("  commit: %s", Commit)
		vlog.Printf("   built: %s", Date)
	}
}

func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
