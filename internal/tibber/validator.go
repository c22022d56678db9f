package tibber

import (
	"fmt"
	"time"
)

// maxHistoricNodes caps a single history request at two years of hourly data.
const maxHistoricNodes = 2 * 365 * 24

// RequestValidator handles input validation for historic queries.
type RequestValidator struct {
	validResolutions map[string]bool
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{
		validResolutions: map[string]bool{
			ResolutionHourly:  true,
			ResolutionDaily:   true,
			ResolutionWeekly:  true,
			ResolutionMonthly: true,
			ResolutionAnnual:  true,
		},
	}
}

// Validate checks if the historic query parameters are valid.
func (v *RequestValidator) Validate(resolution string, nodes int) error {
	// Validate resolution
	if !v.validResolutions[resolution] {
		return fmt.Errorf("invalid resolution: %s", resolution)
	}

	// Validate node count
	if nodes <= 0 {
		return fmt.Errorf("node count must be positive")
	}
	if nodes > maxHistoricNodes {
		return fmt.Errorf("node count exceeds maximum allowed")
	}

	return nil
}

// ValidateFrom checks the parameters of a date-anchored historic query. A
// zero node count is allowed there: it means "up to the end of the month".
func (v *RequestValidator) ValidateFrom(dateFrom time.Time, resolution string, nodes int) error {
	// Validate timestamp is present
	if dateFrom.IsZero() {
		return fmt.Errorf("missing timestamp")
	}

	// Validate resolution
	if !v.validResolutions[resolution] {
		return fmt.Errorf("invalid resolution: %s", resolution)
	}

	// Validate node count
	if nodes < 0 {
		return fmt.Errorf("node count must not be negative")
	}
	if nodes > maxHistoricNodes {
		return fmt.Errorf("node count exceeds maximum allowed")
	}

	return nil
}
