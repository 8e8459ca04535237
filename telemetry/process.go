package telemetry

import (
	"os"
	"runtime"
)

func pid() int {
	return os.Getpid()
}

func numGoroutine() int {
	return runtime.NumGoroutine()
}
