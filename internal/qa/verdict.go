package qa

import (
	"fmt"
	"strings"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// outcome is what the three layers found.
type outcome struct {
	schemaFailed bool
	lawViolated  []string
	failures     []string
}

func (o outcome) failed() bool {
	return o.schemaFailed || len(o.lawViolated) > 0 || len(o.failures) > 0
}

// ruling is the verdict reached for an outcome.
type ruling struct {
	verdict types.Verdict
	budget  int
	reason  string
	// exhausted is set when the block comes from a spent retry budget
	// rather than a law veto.
	exhausted bool
}

// decide turns an outcome and the remaining retry budget into a ruling.
//
// A violated law-tier rule blocks regardless of budget. Any other failure
// retries while budget remains and blocks once it is spent.
func decide(o outcome, budget int) ruling {
	if len(o.lawViolated) > 0 {
		return ruling{verdict: types.VerdictBlock, budget: budget, reason: "law-tier rule violated: " + strings.Join(o.lawViolated, ", ")}
	}
	if !o.failed() {
		return ruling{verdict: types.VerdictProceed, budget: budget}
	}
	if budget > 0 {
		return ruling{verdict: types.VerdictRetry, budget: budget - 1}
	}
	reason := "retry budget exhausted"
	if len(o.failures) > 0 {
		reason = fmt.Sprintf("%s: %s", reason, strings.Join(o.failures, "; "))
	}
	return ruling{verdict: types.VerdictBlock, reason: reason, exhausted: true}
}
