package indexer

// RangeOutcome describes how a range task completed, for chunk size feedback.
type RangeOutcome int

const (
	// OutcomeFast means the range completed under the slow threshold.
	OutcomeFast RangeOutcome = iota

	// OutcomeSlow means the range completed but took longer than the
	// slow threshold.
	OutcomeSlow

	// OutcomeTimeout means the range hit its deadline.
	OutcomeTimeout

	// OutcomeError means the range failed with a retryable error.
	OutcomeError
)

func (o RangeOutcome) String() string {
	switch o {
	case OutcomeFast:
		return "fast"
	case OutcomeSlow:
		return "slow"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// NextChunkSize computes the chunk size to use after a range completion.
// Fast completions grow the chunk additively by 25%, slow completions hold,
// timeouts and errors halve it. The result always stays within [min, max].
func NextChunkSize(prev uint64, outcome RangeOutcome, min, max uint64) uint64 {
	if prev < min {
		prev = min
	}

	if prev > max {
		prev = max
	}

	var next uint64

	switch outcome {
	case OutcomeFast:
		next = prev + prev/4
		if next == prev {
			next = prev + 1
		}
	case OutcomeSlow:
		next = prev
	case OutcomeTimeout, OutcomeError:
		next = prev / 2
	default:
		next = prev
	}

	if next > max {
		next = max
	}

	if next < min {
		next = min
	}

	return next
}
