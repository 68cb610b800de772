package scripting

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ExprExecutor evaluates scripts as expression-language programs. Compiled
// programs are cached by script text, so each distinct script compiles once
// per process.
type ExprExecutor struct {
	programs *lru.Cache[string, *vm.Program]
}

const defaultProgramCacheSize = 512

func NewExprExecutor() *ExprExecutor {
	var cache, _ = lru.New[string, *vm.Program](defaultProgramCacheSize)
	return &ExprExecutor{programs: cache}
}

// Execute compiles (or re-uses) |script| and runs it against |bindings|.
func (e *ExprExecutor) Execute(_ context.Context, script string, bindings map[string]any) (any, error) {
	var program, ok = e.programs.Get(script)
	if !ok {
		var err error
		if program, err = expr.Compile(script, expr.AllowUndefinedVariables()); err != nil {
			return nil, fmt.Errorf("compiling script: %w", err)
		}
		e.programs.Add(script, program)
	}

	var out, err = expr.Run(program, bindings)
	if err != nil {
		return nil, fmt.Errorf("running script: %w", err)
	}
	return out, nil
}

// Check compiles |script| without running it, for catalog validation.
func (e *ExprExecutor) Check(script string) error {
	if _, ok := e.programs.Get(script); ok {
		return nil
	}
	var program, err = expr.Compile(script, expr.AllowUndefinedVariables())
	if err != nil {
		return err
	}
	e.programs.Add(script, program)
	return nil
}
