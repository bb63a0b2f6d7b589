package toolloop

import "errors"

var (
	// ErrMaxIterations means the model never produced a tool-free answer within the cap.
	ErrMaxIterations = errors.New("maximum tool iterations exceeded")

	// ErrNoTools means Run was called without a tool provider.
	ErrNoTools = errors.New("tool provider is required")
)
