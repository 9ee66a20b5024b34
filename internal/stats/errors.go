package stats

import "errors"

var (
	// ErrEmpty means the channel has no data yet, or its summary holds no
	// samples in the live window.
	ErrEmpty = errors.New("no samples for the statistic")

	// ErrNotRegistered means the operation referenced an unknown statistic.
	ErrNotRegistered = errors.New("statistic is not registered")

	// ErrNoSummary means the operation required a summary the channel lacks.
	ErrNoSummary = errors.New("no summary configured for the statistic")

	// ErrInvalidPercentile means the requested percentile is outside (0, 100].
	ErrInvalidPercentile = errors.New("invalid percentile")

	// ErrOutOfRange means the value is outside the summary's configured maximum.
	ErrOutOfRange = errors.New("value out of range")

	// ErrSourceMismatch means the method does not apply to the channel's source.
	ErrSourceMismatch = errors.New("method does not apply for this statistic")
)
