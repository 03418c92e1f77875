// Package redact scrubs host details out of messages before they cross the
// trust boundary to a caller. Filesystem paths, IP addresses, and port
// numbers in error text would leak server layout, so they are replaced with
// placeholders. Job log lines are never redacted; only messages built by the
// server itself pass through here.
package redact

import "regexp"

var (
	// Absolute filesystem paths, e.g. /home/user/.trainrunner/job-abc/train.py.
	pathPattern = regexp.MustCompile(`(^|[\s"'(=:])(/[\w.~-]+(?:/[\w.~-]+)+)`)

	// IPv4 addresses with an optional port.
	addrPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{1,5})?\b`)

	// Host:port forms such as localhost:8080.
	portPattern = regexp.MustCompile(`\b(localhost|0\.0\.0\.0|127\.0\.0\.1):\d{1,5}\b`)
)

// Sanitize returns msg with filesystem paths, IP addresses, and ports
// replaced by placeholders.
func Sanitize(msg string) string {
	msg = portPattern.ReplaceAllString(msg, "[redacted]")
	msg = addrPattern.ReplaceAllString(msg, "[redacted]")
	msg = pathPattern.ReplaceAllString(msg, "$1[redacted]")

	return msg
}
