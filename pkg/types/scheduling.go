package types

// RotationMode selects how the scheduler (C5) picks among equally-eligible
// credentials within an idle/busy sub-tier.
type RotationMode string

const (
	RotationBalanced   RotationMode = "balanced"
	RotationSequential RotationMode = "sequential"
)

// BackgroundJob describes an adapter's periodic maintenance task (e.g. a quota-baseline refresh), invoked by a scheduler-external
// ticker rather than by the dispatch executor itself.
type BackgroundJob struct {
	Name       string
	Interval   int64 // seconds
	RunOnStart bool
}
