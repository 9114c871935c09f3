//go:build debug

package check

import "fmt"

// Assert panics if cond is false. Only active in debug builds.
func Assert(cond bool, msg string) {
	if !cond {
		panic("keelhaul: assertion failed: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message. Only active in debug builds.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("keelhaul: assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// Unreachable panics in debug builds. Callers still handle the case for release builds.
func Unreachable(format string, args ...any) {
	panic("keelhaul: unreachable: " + fmt.Sprintf(format, args...))
}
