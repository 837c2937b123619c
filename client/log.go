package client

import "log"

// logf matches the submission manager's log.Printf key=value convention.
func logf(format string, args ...any) {
	log.Printf(format, args...)
}
