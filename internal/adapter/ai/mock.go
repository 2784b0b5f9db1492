package ai

import (
	"fmt"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// Mock is a deterministic Analyzer for tests and keyless local runs.
type Mock struct{}

// NewMock constructs a Mock analyzer.
func NewMock() *Mock { return &Mock{} }

// Analyze returns a canned markdown analysis mentioning the image and hint.
func (m *Mock) Analyze(_ domain.Context, logTail, image, hint string) (string, error) {
	body := fmt.Sprintf("## Analysis\n\nRun of `%s` was inspected (%d bytes of log tail).", image, len(logTail))
	if hint != "" {
		body += "\n\n> " + hint
	}
	body += "\n\n- Check the last failing assertion in the output above.\n- Re-run locally with the same BASE_URL to reproduce."
	return body, nil
}
