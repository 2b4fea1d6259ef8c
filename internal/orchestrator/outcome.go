package orchestrator

// Outcome is the finalizer's aggregate decision once every item settled.
type Outcome int

const (
	// OutcomeCharge: every item succeeded, the hold becomes a charge.
	OutcomeCharge Outcome = iota
	// OutcomeRefund: more than half the items failed, the hold is released.
	OutcomeRefund
	// OutcomePartial: some items failed but not enough to refund. The
	// reservation stays active awaiting manual retry or expiry.
	OutcomePartial
)

// Decide maps settled counters onto the charge/refund policy. Auto-charge
// requires zero failures; auto-refund requires a failure ratio strictly
// above one half; everything between parks the job in partial_failure.
func Decide(failed, total int) Outcome {
	if failed == 0 {
		return OutcomeCharge
	}
	if total > 0 && float64(failed)/float64(total) > 0.5 {
		return OutcomeRefund
	}
	return OutcomePartial
}
