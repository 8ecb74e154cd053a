// Package hooks holds logrus hooks shared by the binaries and tests.
package hooks

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

const maxDepth = 16

type contextHook struct {
	// Trimmed from file paths, up to and including its last occurrence.
	prefix string
}

// NewContextHook tags every entry with the "file:line" of the code that logged it.
func NewContextHook() log.Hook {
	return contextHook{prefix: "deltapub/"}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") && !strings.HasSuffix(frame.File, "context_hook.go") {
			entry.Data["file:line"] = fmt.Sprintf("%s:%d", hook.trim(frame.File), frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func (hook contextHook) trim(file string) string {
	if i := strings.LastIndex(file, hook.prefix); i >= 0 {
		return file[i+len(hook.prefix):]
	}
	return file
}
