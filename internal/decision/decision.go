// Package decision implements the multi-tier classification policy that
// turns a biometric similarity score and an optional geofencing distance
// into an auditable outcome.
package decision

// Status is the outcome of classifying one identification request.
type Status string

const (
	StatusApproved         Status = "APPROVED"
	StatusManualReview     Status = "MANUAL_REVIEW"
	StatusRejected         Status = "REJECTED"
	StatusLocationMismatch Status = "LOCATION_MISMATCH"
)

// Policy holds the classification thresholds. Confidence thresholds are
// percentages in [0,100]; MaxDistanceKM bounds the plausible distance
// between the reported position and the enrolled anchor.
type Policy struct {
	AutoApprove   float64
	ManualReview  float64
	MaxDistanceKM float64
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AutoApprove:   85.0,
		ManualReview:  75.0,
		MaxDistanceKM: 5.0,
	}
}

// Decision is the classification result surfaced verbatim to the caller.
// DistanceKM is nil when geography was not evaluated, i.e. when either the
// query or the candidate lacked coordinates.
type Decision struct {
	Status     Status
	Confidence float64
	DistanceKM *float64
}

// Classify maps a confidence percentage and an optional geofencing distance
// to an outcome. Rules are evaluated top to bottom and the first match wins:
// a sub-threshold biometric score is rejected before geography is ever
// considered, and a location check can only downgrade an otherwise
// acceptable match. All thresholds are inclusive on the pass side.
func (p Policy) Classify(confidence float64, distanceKM *float64) Decision {
	d := Decision{Confidence: confidence, DistanceKM: distanceKM}

	switch {
	case confidence < p.ManualReview:
		d.Status = StatusRejected
	case distanceKM != nil && *distanceKM > p.MaxDistanceKM:
		d.Status = StatusLocationMismatch
	case confidence < p.AutoApprove:
		d.Status = StatusManualReview
	default:
		d.Status = StatusApproved
	}

	return d
}
