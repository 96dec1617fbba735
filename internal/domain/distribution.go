package domain

// ConfidenceInterval is a two-sided interval around a mean at a given
// confidence level.
type ConfidenceInterval struct {
	// Lower is the lower bound of the interval.
	Lower float64 `json:"lower"`

	// Upper is the upper bound of the interval.
	Upper float64 `json:"upper"`

	// Level is the confidence level the interval was computed at,
	// e.g. 0.95.
	Level float64 `json:"level"`
}

// OutcomeDistribution is the per-option aggregate over all successful
// universe outcomes: the posterior-like summary the synthesizer ranks
// options by.
type OutcomeDistribution struct {
	// OptionID identifies the option these statistics describe.
	OptionID string `json:"option_id"`

	// Mean is the sample mean utility across ok universes.
	Mean float64 `json:"mean"`

	// Variance is the unbiased sample variance of the utility.
	Variance float64 `json:"variance"`

	// StdDev is the square root of Variance.
	StdDev float64 `json:"std_dev"`

	// SampleCount is the number of ok outcomes that contributed. It
	// never exceeds the number of successfully completed universes.
	SampleCount int `json:"sample_count"`

	// Interval is the confidence interval around Mean. It is only
	// meaningful when InsufficientData is false.
	Interval ConfidenceInterval `json:"interval"`

	// InsufficientData is set when fewer than two samples arrived for
	// this option, in which case no interval is produced rather than a
	// misleadingly narrow one.
	InsufficientData bool `json:"insufficient_data,omitempty"`
}
