// Package usecase contains the application services: accepting execution
// requests on the producer side and running jobs on the worker side. It
// depends only on the domain ports, never on concrete adapters.
package usecase

import (
	"strings"

	"github.com/fairyhunter13/testdock/internal/domain"
)

const (
	retryMarker  = "retry #"
	failureWord  = "failed"
	failureGlyph = "✘"
)

// Classify derives the outcome status of a finished run from its exit code
// and accumulated log output. Precedence is fixed: a non-zero exit code wins
// outright, then retry markers (a run that needed retries but still exited
// zero is unstable, not passed), then textual failure markers that some
// runners print while still exiting zero.
func Classify(exitCode int64, logs string) domain.Status {
	if exitCode != 0 {
		return domain.StatusFailed
	}
	lower := strings.ToLower(logs)
	if strings.Contains(lower, retryMarker) {
		return domain.StatusUnstable
	}
	if strings.Contains(lower, failureWord) || strings.Contains(logs, failureGlyph) {
		return domain.StatusFailed
	}
	return domain.StatusPassed
}

// FlakyHint is appended to the analyzer prompt when retries were observed so
// the analysis distinguishes flakiness from hard failure.
func FlakyHint(logs string) string {
	if strings.Contains(strings.ToLower(logs), retryMarker) {
		return "The run shows retry attempts; the suite may be flaky rather than broken."
	}
	return ""
}
