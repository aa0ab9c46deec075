package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxExecutionIDLength bounds caller-supplied execution ids
const MaxExecutionIDLength = 128

var (
	// executionIDRegex matches ids safe to use in URLs, log fields and channel payloads
	executionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

	// driverNameRegex matches registered driver names
	driverNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// ValidateExecutionID checks that id is non-empty, bounded, and made only of
// URL-safe characters
func ValidateExecutionID(id string) error {
	if id == "" {
		return fmt.Errorf("execution ID cannot be empty")
	}
	if len(id) > MaxExecutionIDLength {
		return fmt.Errorf("execution ID longer than %d characters", MaxExecutionIDLength)
	}
	if strings.Contains(id, "..") || !executionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid execution ID format: %s", id)
	}
	return nil
}

// ValidateDriverName checks a driver name
func ValidateDriverName(name string) error {
	if name == "" {
		return fmt.Errorf("driver name cannot be empty")
	}
	if !driverNameRegex.MatchString(name) {
		return fmt.Errorf("invalid driver name: %s", name)
	}
	return nil
}

// ValidateStepBudget checks a caller-supplied step budget; zero selects the default
func ValidateStepBudget(budget, max int) error {
	if budget < 0 {
		return fmt.Errorf("step budget must not be negative, got %d", budget)
	}
	if max > 0 && budget > max {
		return fmt.Errorf("step budget %d exceeds maximum %d", budget, max)
	}
	return nil
}
