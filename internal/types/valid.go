package types

// Documented value domains. Rows outside these ranges are emitted and
// counted; the validator reports them (dropping is not the parser's job).
const (
	MinWaitMinutes = 0
	MaxWaitMinutes = 1000

	MinPriorityMinutes = -100
	MaxPriorityMinutes = 2000

	// OutlierWaitMinutes flags suspiciously large POSTED/ACTUAL values.
	OutlierWaitMinutes = 300
)

// InRange reports whether the observation value lies in the documented
// domain for its kind: [0,1000] for POSTED/ACTUAL, [-100,2000] plus the
// sold-out sentinel for PRIORITY.
func (o Observation) InRange() bool {
	switch o.Type {
	case WaitPosted, WaitActual:
		return o.Minutes >= MinWaitMinutes && o.Minutes <= MaxWaitMinutes
	case WaitPriority:
		if o.Minutes == SoldOutMinutes {
			return true
		}
		return o.Minutes >= MinPriorityMinutes && o.Minutes <= MaxPriorityMinutes
	}
	return false
}

// IsOutlier reports whether a POSTED/ACTUAL value is in the flagged-outlier
// band: still valid, but worth surfacing in validation reports.
func (o Observation) IsOutlier() bool {
	switch o.Type {
	case WaitPosted, WaitActual:
		return o.Minutes >= OutlierWaitMinutes && o.Minutes <= MaxWaitMinutes
	}
	return false
}
