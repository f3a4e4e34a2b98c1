// Package diagnosis turns a classifier output into advisory text.
//
// Everything here is a pure function of (label, confidence): the same inputs
// always produce the same tier, risk string and recommendation list.
package diagnosis

import (
	"errors"
	"fmt"
)

type Label string

const (
	Normal    Label = "Normal"
	Pneumonia Label = "Pneumonia"
)

// Labels is the fixed class order of the classifier output.
var Labels = []Label{Normal, Pneumonia}

var ErrUnknownLabel = errors.New("unknown label")

// ParseLabel maps a class name onto a Label.
func ParseLabel(s string) (Label, error) {
	switch Label(s) {
	case Normal, Pneumonia:
		return Label(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLabel, s)
}

type ConfidenceTier string

const (
	High     ConfidenceTier = "High"
	Moderate ConfidenceTier = "Moderate"
	Low      ConfidenceTier = "Low"
)

const (
	highThreshold     = 0.8
	moderateThreshold = 0.6
)

// Tier buckets a confidence value. Both thresholds are exclusive.
func Tier(confidence float64) ConfidenceTier {
	switch {
	case confidence > highThreshold:
		return High
	case confidence > moderateThreshold:
		return Moderate
	default:
		return Low
	}
}

type key struct {
	label Label
	tier  ConfidenceTier
}

var (
	pneumoniaHigh = []string{
		"Immediate medical attention recommended",
		"Consult a pulmonologist or emergency physician",
		"Consider antibiotic treatment if bacterial pneumonia suspected",
		"Monitor oxygen saturation levels",
		"Follow up with chest X-ray after treatment",
	}
	pneumoniaModerate = []string{
		"Medical evaluation recommended",
		"Consider additional diagnostic tests",
		"Monitor symptoms closely",
		"Repeat imaging if symptoms persist",
	}
	pneumoniaLow = []string{
		"Borderline findings - clinical correlation advised",
		"Consider repeat imaging with different technique",
		"Monitor patient symptoms",
	}
	normalHigh = []string{
		"Chest X-ray appears normal",
		"No immediate medical intervention required",
		"Continue routine health monitoring",
	}
	normalUncertain = []string{
		"Likely normal findings with some uncertainty",
		"Consider clinical correlation",
		"Monitor for symptom development",
	}
)

var recommendationTable = map[key][]string{
	{Pneumonia, High}:     pneumoniaHigh,
	{Pneumonia, Moderate}: pneumoniaModerate,
	{Pneumonia, Low}:      pneumoniaLow,
	{Normal, High}:        normalHigh,
	{Normal, Moderate}:    normalUncertain,
	{Normal, Low}:         normalUncertain,
}

var riskTable = map[key]string{
	{Pneumonia, High}:     "High - Immediate medical attention advised",
	{Pneumonia, Moderate}: "Moderate - Medical evaluation recommended",
	{Pneumonia, Low}:      "Low to Moderate - Monitor symptoms",
	{Normal, High}:        "Low - Normal chest X-ray",
	{Normal, Moderate}:    "Low - Normal chest X-ray",
	{Normal, Low}:         "Low - Normal chest X-ray",
}

// Disclaimers are appended to every recommendation list.
var Disclaimers = []string{
	"This AI analysis is for screening purposes only",
	"Always consult with a qualified healthcare provider",
	"AI results should not replace professional medical judgment",
}

// Recommendations returns the advisory list for (label, tier) followed by
// the disclaimers. The returned slice is owned by the caller.
func Recommendations(label Label, tier ConfidenceTier) []string {
	specific := recommendationTable[key{label, tier}]
	out := make([]string, 0, len(specific)+len(Disclaimers))
	out = append(out, specific...)
	return append(out, Disclaimers...)
}

// RiskAssessment returns the risk sentence for (label, tier).
func RiskAssessment(label Label, tier ConfidenceTier) string {
	return riskTable[key{label, tier}]
}

type ScoreDistribution struct {
	Normal    float64 `json:"normal"`
	Pneumonia float64 `json:"pneumonia"`
}

type TechnicalNotes struct {
	ModelArchitecture string            `json:"model_architecture"`
	InputResolution   string            `json:"input_resolution"`
	Preprocessing     string            `json:"preprocessing"`
	ScoreDistribution ScoreDistribution `json:"score_distribution"`
	ModelConfidence   string            `json:"model_confidence"`
}

type DetailedAnalysis struct {
	PrimaryFinding       Label          `json:"primary_finding"`
	ConfidenceLevel      ConfidenceTier `json:"confidence_level"`
	NormalProbability    float64        `json:"normal_probability"`
	PneumoniaProbability float64        `json:"pneumonia_probability"`
	RiskAssessment       string         `json:"risk_assessment"`
	TechnicalNotes       TechnicalNotes `json:"technical_notes"`
}

// Report is the interpreted form of one prediction.
type Report struct {
	Label           Label
	Confidence      float64
	Tier            ConfidenceTier
	Recommendations []string
	Analysis        DetailedAnalysis
}

// Interpret builds the report for a prediction. probs[i] is the probability
// of classes[i]; a class that is absent from either slice reads as zero.
func Interpret(label Label, confidence float64, classes []string, probs []float64, inputSize int) Report {
	tier := Tier(confidence)
	dist := ScoreDistribution{
		Normal:    probFor(classes, probs, Normal),
		Pneumonia: probFor(classes, probs, Pneumonia),
	}

	return Report{
		Label:           label,
		Confidence:      confidence,
		Tier:            tier,
		Recommendations: Recommendations(label, tier),
		Analysis: DetailedAnalysis{
			PrimaryFinding:       label,
			ConfidenceLevel:      tier,
			NormalProbability:    dist.Normal,
			PneumoniaProbability: dist.Pneumonia,
			RiskAssessment:       RiskAssessment(label, tier),
			TechnicalNotes: TechnicalNotes{
				ModelArchitecture: "MobileNetV2-based CNN",
				InputResolution:   fmt.Sprintf("%dx%d pixels", inputSize, inputSize),
				Preprocessing:     "ImageNet normalization applied",
				ScoreDistribution: dist,
				ModelConfidence:   "Based on softmax output probabilities",
			},
		},
	}
}

func probFor(classes []string, probs []float64, l Label) float64 {
	for i, c := range classes {
		if c == string(l) && i < len(probs) {
			return probs[i]
		}
	}
	return 0
}
