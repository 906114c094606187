package bus

import "fmt"

// Subject naming convention:
// backtest.{event}.{run_id}
// Examples:
// - backtest.update.3fa9c1d2
// - backtest.done.3fa9c1d2

const (
	subjectPrefixUpdate = "backtest.update"
	subjectPrefixDone   = "backtest.done"
)

// SubjectDayUpdate builds the per-day update subject for a run.
func SubjectDayUpdate(runID string) string {
	return fmt.Sprintf("%s.%s", subjectPrefixUpdate, runID)
}

// SubjectRunDone builds the run-complete subject for a run.
func SubjectRunDone(runID string) string {
	return fmt.Sprintf("%s.%s", subjectPrefixDone, runID)
}
