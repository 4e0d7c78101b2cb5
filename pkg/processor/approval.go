package processor

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// reviewStats is the environment an approve_when rule is evaluated against.
type reviewStats struct {
	MeanQualityScore float64 `expr:"mean_quality_score"`
	MinQualityScore  float64 `expr:"min_quality_score"`
	Threshold        float64 `expr:"threshold"`
	Total            int     `expr:"total"`
	ApprovedCount    int     `expr:"approved_count"`
	RejectedCount    int     `expr:"rejected_count"`
}

// approvalRules compiles approve_when expressions once and reuses the programs
// across workers. The zero value is ready to use.
type approvalRules struct {
	cache sync.Map // rule -> *vm.Program
}

func (r *approvalRules) evaluate(rule string, stats reviewStats) (bool, error) {
	program, err := r.compile(rule)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(program, stats)
	if err != nil {
		return false, fmt.Errorf("%w: approve_when %q: %v", ErrInvalidInput, rule, err)
	}

	approved, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: approve_when %q must return a bool", ErrInvalidInput, rule)
	}

	return approved, nil
}

func (r *approvalRules) compile(rule string) (*vm.Program, error) {
	if cached, ok := r.cache.Load(rule); ok {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(rule, expr.Env(reviewStats{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: approve_when %q: %v", ErrInvalidInput, rule, err)
	}

	actual, _ := r.cache.LoadOrStore(rule, program)

	return actual.(*vm.Program), nil
}
