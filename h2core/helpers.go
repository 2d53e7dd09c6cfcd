package h2core

import "fmt"

// sprintfCompat lets the thin logger wrapper in config.go accept the
// printf-style call sites carried over from the teacher's own logging
// idiom while still handing log15 a single rendered message string.
func sprintfCompat(format string, a ...interface{}) string {
	if len(a) == 0 {
		return format
	}
	return fmt.Sprintf(format, a...)
}
