package dispatch

import (
	"fmt"

	"reportflow/internal/domain"
)

// validateResult enforces the success criteria: an ordered column list, a
// row list, and every required field present among the columns. A failure
// here is terminal for the execution; there is no partial success.
func validateResult(res domain.ExecutionResult, criteria domain.SuccessCriteria) error {
	if res.Columns == nil {
		return &ValidationError{Reason: "result has no column list"}
	}
	if res.Rows == nil {
		return &ValidationError{Reason: "result has no row list"}
	}

	cols := make(map[string]struct{}, len(res.Columns))
	for _, c := range res.Columns {
		cols[c] = struct{}{}
	}
	for _, f := range criteria.RequiredFields {
		if _, ok := cols[f]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("required field %q missing from columns", f)}
		}
	}
	if criteria.MinRows > 0 && len(res.Rows) < criteria.MinRows {
		return &ValidationError{Reason: fmt.Sprintf("result has %d rows, need at least %d", len(res.Rows), criteria.MinRows)}
	}
	return nil
}
