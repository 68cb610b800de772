package scripting

import (
	"context"
	"sync"
)

// StubExecutor returns canned results per script, for tests of components
// which execute scripts. The zero value treats every script as returning
// nil.
type StubExecutor struct {
	mu      sync.Mutex
	Results map[string]any
	Errs    map[string]error
	Calls   []string
}

func (s *StubExecutor) Execute(_ context.Context, script string, _ map[string]any) (any, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, script)
	s.mu.Unlock()

	if err, ok := s.Errs[script]; ok {
		return nil, err
	}
	return s.Results[script], nil
}

// CallCount returns how many times |script| was executed.
func (s *StubExecutor) CallCount(script string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, c := range s.Calls {
		if c == script {
			n++
		}
	}
	return n
}
