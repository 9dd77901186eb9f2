package runner

import (
	"fmt"
	"strings"

	"stresslab/internal/proxy"
)

// Validate rejects specs outside limits. Errors wrap ErrValidation.
func Validate(spec RunSpec, l Limits) error {
	if !strings.HasPrefix(spec.URL, "http://") && !strings.HasPrefix(spec.URL, "https://") {
		return fmt.Errorf("%w: URL must start with http:// or https://", ErrValidation)
	}
	if spec.Concurrency < 1 || spec.Concurrency > l.MaxConcurrency {
		return fmt.Errorf("%w: concurrency must be between 1 and %d", ErrValidation, l.MaxConcurrency)
	}
	if spec.Duration < l.MinDuration || spec.Duration > l.MaxDuration {
		return fmt.Errorf("%w: duration must be between %d and %d seconds", ErrValidation, l.MinDuration, l.MaxDuration)
	}
	if err := proxy.Validate(spec.Proxies); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := proxy.NewPlan(spec.Proxies); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
