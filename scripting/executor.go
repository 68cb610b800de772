// Package scripting evaluates operator-authored channel scripts: filters,
// transformers, pre/post processors and lifecycle hooks. The runtime treats
// the executor as an opaque function of (script, bindings); the default
// implementation compiles expression-language scripts with a cache of
// compiled programs.
package scripting

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single script execution.
const DefaultTimeout = 30 * time.Second

// Executor evaluates a script against bindings. Implementations must be safe
// for concurrent use.
type Executor interface {
	Execute(ctx context.Context, script string, bindings map[string]any) (any, error)
}

// ExecuteWithTimeout runs |script| under |timeout| (DefaultTimeout when
// zero). The evaluation runs on its own goroutine; on timeout the result is
// abandoned and an error returned.
func ExecuteWithTimeout(ctx context.Context, ex Executor, script string, bindings map[string]any, timeout time.Duration) (any, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	var runCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	var done = make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		var result, err = ex.Execute(runCtx, script, bindings)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("script execution: %w", runCtx.Err())
	}
}

// AsBool coerces a script result into a filter verdict. A nil result is
// false.
func AsBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case nil:
		return false
	case string:
		return b == "true"
	default:
		return false
	}
}

// AsString coerces a script result into transformed content. A nil result
// yields ("", false): the transformer made no replacement.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(s), true
	}
}
