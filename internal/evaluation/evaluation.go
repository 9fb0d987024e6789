// Package evaluation computes detection quality metrics from labelled
// submissions: each session's critical-violation flag is the system
// prediction, the reviewer label is the ground truth.
package evaluation

import (
	"math"

	"github.com/proctorly/engine/internal/store"
)

// Reviewer labels. Anything else (including empty) means unlabelled and is
// skipped.
const (
	LabelCheating = "CHEATING"
	LabelGenuine  = "GENUINE"
)

// Outcome classifies one labelled session.
type Outcome string

const (
	TruePositive  Outcome = "TP"
	TrueNegative  Outcome = "TN"
	FalsePositive Outcome = "FP"
	FalseNegative Outcome = "FN"
)

// Classify maps a prediction/label pair to its confusion-matrix cell.
func Classify(flagged bool, label string) Outcome {
	switch {
	case flagged && label == LabelCheating:
		return TruePositive
	case !flagged && label == LabelGenuine:
		return TrueNegative
	case flagged && label == LabelGenuine:
		return FalsePositive
	default:
		return FalseNegative
	}
}

// Metrics is the evaluation summary over all labelled sessions. Rates are
// percentages.
type Metrics struct {
	Total int `json:"totalSessions"`

	TP int `json:"tp"`
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`

	Accuracy    float64 `json:"accuracy"`
	Precision   float64 `json:"precision"`
	Recall      float64 `json:"recall"`
	Specificity float64 `json:"specificity"`
	F1          float64 `json:"f1"`

	FalsePositiveRate float64 `json:"falsePositiveRate"`
	FalseNegativeRate float64 `json:"falseNegativeRate"`
	MCC               float64 `json:"mcc"`

	Skipped int `json:"skippedUnlabelled"`
}

// Evaluate folds the submissions into a metrics summary. Unlabelled rows
// are counted but not evaluated.
func Evaluate(subs []store.Submission) Metrics {
	var m Metrics
	for _, sub := range subs {
		if sub.Label != LabelCheating && sub.Label != LabelGenuine {
			m.Skipped++
			continue
		}
		switch Classify(sub.HasCritical, sub.Label) {
		case TruePositive:
			m.TP++
		case TrueNegative:
			m.TN++
		case FalsePositive:
			m.FP++
		case FalseNegative:
			m.FN++
		}
	}

	m.Total = m.TP + m.TN + m.FP + m.FN
	if m.Total == 0 {
		return m
	}

	m.Accuracy = pct(m.TP+m.TN, m.Total)
	m.Precision = pct(m.TP, m.TP+m.FP)
	m.Recall = pct(m.TP, m.TP+m.FN)
	m.Specificity = pct(m.TN, m.TN+m.FP)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.FalsePositiveRate = pct(m.FP, m.FP+m.TN)
	m.FalseNegativeRate = pct(m.FN, m.FN+m.TP)
	m.MCC = mcc(m.TP, m.TN, m.FP, m.FN)

	return m
}

func pct(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}

func mcc(tp, tn, fp, fn int) float64 {
	den := math.Sqrt(float64(tp+fp) * float64(tp+fn) * float64(tn+fp) * float64(tn+fn))
	if den == 0 {
		return 0
	}
	return (float64(tp)*float64(tn) - float64(fp)*float64(fn)) / den
}
