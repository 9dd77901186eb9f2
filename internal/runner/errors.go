package runner

import "errors"

var (
	// ErrValidation wraps every rejection of a RunSpec.
	ErrValidation = errors.New("invalid run spec")
	ErrNotFound   = errors.New("run not found")
	// ErrKillSwitch is returned while new runs are globally disabled.
	ErrKillSwitch = errors.New("service temporarily disabled")
)
