package wasm

import (
	"regexp"
	"strings"
)

// GenericFailure is reported when nothing of an error survives sanitization.
const GenericFailure = "execution failed"

var internalMarkers = []string{
	"wasmer",
	"runtime.",
	"goroutine",
	".go:",
	"wasm://",
	"sandbox",
	"/root/",
	"/home/",
	"/usr/",
	"github.com/",
}

var goFilePath = regexp.MustCompile(`\S+\.go(:\d+)?`)

// Sanitize removes lines of an error message that reveal host internals:
// Go source paths, runtime frames, and engine names. What remains is safe to
// return to a remote requester.
func Sanitize(msg string) string {
	var kept []string
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || mentionsInternals(line) {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return GenericFailure
	}
	return strings.Join(kept, "; ")
}

func mentionsInternals(line string) bool {
	lower := strings.ToLower(line)
	for _, m := range internalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return goFilePath.MatchString(line)
}
