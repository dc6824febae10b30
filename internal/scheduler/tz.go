package scheduler

import (
	"os"
	"strings"
	"time"
)

// DetectTimezone resolves the scheduler timezone: explicit config
// first, then $TZ, then the /etc/localtime symlink, then UTC.
func DetectTimezone(configured string) *time.Location {
	for _, name := range []string{configured, os.Getenv("TZ")} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if target, err := os.Readlink("/etc/localtime"); err == nil {
		if i := strings.Index(target, "zoneinfo/"); i >= 0 {
			if loc, err := time.LoadLocation(target[i+len("zoneinfo/"):]); err == nil {
				return loc
			}
		}
	}
	return time.UTC
}
