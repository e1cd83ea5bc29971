package model

// Metrics accumulates evaluation results across batches: the mean
// per-example loss and the mean sentence-level exact-match accuracy, where an
// example counts as correct iff every position with a true labels mask has
// prediction == label.
type Metrics struct {
	examples int
	lossSum  float64
	accSum   float64
}

// Update folds one example in. labels and preds must be in the same id space
// (both offset in decoder mode).
func (m *Metrics) Update(labels []int, mask []float64, preds []int, perExample float64) {
	correct := 1.0
	for i := range labels {
		if mask[i] != 0 && preds[i] != labels[i] {
			correct = 0
			break
		}
	}
	m.examples++
	m.lossSum += perExample
	m.accSum += correct
}

// MetricsResult is the aggregate over every Update call.
type MetricsResult struct {
	EvalLoss         float64
	SentenceLevelAcc float64
	Examples         int
}

// Result returns the running means. With no examples both means are zero.
func (m *Metrics) Result() MetricsResult {
	if m.examples == 0 {
		return MetricsResult{}
	}
	return MetricsResult{
		EvalLoss:         m.lossSum / float64(m.examples),
		SentenceLevelAcc: m.accSum / float64(m.examples),
		Examples:         m.examples,
	}
}
