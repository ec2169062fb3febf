// Package common holds small helpers shared across packages.
package common

import (
	"log"
	"runtime"
)

// HandleError logs err with the caller's location and reports whether
// it was non-nil.
func HandleError(err error) (b bool) {
	if err != nil {
		// caller 1 so the log points at the call site
		_, fn, line, _ := runtime.Caller(1)
		log.Printf("[error] %s:%d %v", fn, line, err)
		b = true
	}
	return
}

// Must panics on err; for init-time code with no recovery path.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}
