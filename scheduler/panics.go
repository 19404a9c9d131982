package scheduler

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	workflow "github.com/goliatone/go-workflow"
)

// PanicLogger receives a recovered panic with its cleaned stack.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// isolate runs fn and turns a panic into an error so one broken assignment
// cannot abort a sweep.
func (s *Sweeper) isolate(fields map[string]any, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			stack = cleanStackTrace(stack[:runtime.Stack(stack, false)])
			s.panics("sweep", r, stack, fields)
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return fn()
}

func (s *Sweeper) logPanic(funcName string, err any, stack []byte, fields ...map[string]any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "recovered from panic in %s: %v (%T)\n", funcName, err, err)
	if len(fields) > 0 && fields[0] != nil {
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, fields[0][k])
		}
	}
	sb.WriteString("stack trace:\n")
	sb.Write(stack)
	workflow.NormalizeLogger(s.logger).Error("%s", sb.String())
}

// cleanStackTrace drops the frames up to and including the runtime panic call.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
