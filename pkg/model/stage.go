package model

// Stage is a cross-validation regime. Stages 1-3 each hold out a single fold; any other stage
// validates on every fold.
type Stage int

// Known stages.
const (
	Stage1 Stage = 1
	Stage2 Stage = 2
	Stage3 Stage = 3
)

// ValFolds returns the held-out folds for the stage.
func (s Stage) ValFolds(allFolds []int) []int {
	switch s {
	case Stage1:
		return []int{3}
	case Stage2:
		// Stage 2 retrains on a second fold setup; its results are merged into stage 1.
		return []int{4}
	case Stage3:
		return []int{2}
	default:
		return append([]int{}, allFolds...)
	}
}
