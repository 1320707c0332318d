package model

import "time"

// Label is the closed vocabulary of segment categories.
type Label string

const (
	LabelHighValueActive Label = "high_value_active"
	LabelHighValueAtRisk Label = "high_value_at_risk"
	LabelHighValueSteady Label = "high_value_steady"
	LabelGrowthPotential Label = "growth_potential"
	LabelAtRisk          Label = "at_risk"
	LabelLowEngagement   Label = "low_engagement"
	LabelAverage         Label = "average"
)

// Labels lists every label in rule priority order.
var Labels = []Label{
	LabelHighValueActive,
	LabelHighValueAtRisk,
	LabelHighValueSteady,
	LabelGrowthPotential,
	LabelAtRisk,
	LabelLowEngagement,
	LabelAverage,
}

// DisplayName is the human-readable segment name.
func (l Label) DisplayName() string {
	switch l {
	case LabelHighValueActive:
		return "Core High Value (VIP)"
	case LabelHighValueAtRisk:
		return "High Value At Risk"
	case LabelHighValueSteady:
		return "High Value"
	case LabelGrowthPotential:
		return "Growth Potential"
	case LabelAtRisk:
		return "At Risk"
	case LabelLowEngagement:
		return "Low Engagement"
	case LabelAverage:
		return "Average"
	}
	return string(l)
}

// Strategy is the templated engagement guidance attached to a label.
func (l Label) Strategy() string {
	switch l {
	case LabelHighValueActive:
		return "Maintain closely: dedicated scientific support and priority event invitations."
	case LabelHighValueAtRisk:
		return "Win back: schedule a senior rep visit and review recent engagement gaps."
	case LabelHighValueSteady:
		return "Deepen: personalized content and advisory board opportunities."
	case LabelGrowthPotential:
		return "Develop: increase call frequency and introduce new products."
	case LabelAtRisk:
		return "Re-engage: targeted outreach to understand declining activity."
	case LabelLowEngagement:
		return "Activate: low-barrier programs and research into non-prescribing reasons."
	case LabelAverage:
		return "Routine follow-up: maintain digital touchpoints."
	}
	return ""
}

// Valid reports whether l is part of the vocabulary.
func (l Label) Valid() bool {
	return l.Strategy() != ""
}

// ClusterMetrics are the quality measures of one clustering run.
type ClusterMetrics struct {
	K          int     `json:"k" yaml:"k"`
	Inertia    float64 `json:"inertia" yaml:"inertia"`
	Silhouette float64 `json:"silhouette" yaml:"silhouette"`

	// SilhouetteEstimated is set when the silhouette was computed on a sample.
	SilhouetteEstimated bool `json:"silhouette_estimated" yaml:"silhouette_estimated"`
	SilhouetteSample    int  `json:"silhouette_sample,omitempty" yaml:"silhouette_sample,omitempty"`
	Iterations          int  `json:"iterations" yaml:"iterations"`
	Clustered           int  `json:"clustered" yaml:"clustered"`
	Excluded            int  `json:"excluded" yaml:"excluded"`
}

// VizPoint is one row of the visualization sample: original feature values plus segment id.
type VizPoint struct {
	SegmentID int                 `json:"segment_id" yaml:"segment_id"`
	Values    map[Feature]float64 `json:"values" yaml:"values"`
}

// SegmentResult is one discovered group within a result set.
type SegmentResult struct {
	ResultID     string              `json:"result_id" yaml:"result_id"`
	TaskID       string              `json:"task_id" yaml:"task_id"`
	SegmentID    int                 `json:"segment_id" yaml:"segment_id"`
	Label        Label               `json:"label" yaml:"label"`
	Name         string              `json:"name" yaml:"name"`
	Count        int                 `json:"count" yaml:"count"`
	Percentage   float64             `json:"percentage" yaml:"percentage"`
	Means        map[Feature]float64 `json:"means" yaml:"means"`
	Strategy     string              `json:"strategy" yaml:"strategy"`
	Metrics      ClusterMetrics      `json:"metrics" yaml:"metrics"`
	FeaturesUsed []Feature           `json:"features_used" yaml:"features_used"`
	Algorithm    string              `json:"algorithm" yaml:"algorithm"`
	Active       bool                `json:"active" yaml:"active"`
	CreatedAt    time.Time           `json:"created_at" yaml:"created_at"`
}

// ResultSet is the full output of one completed clustering task.
type ResultSet struct {
	ID            string          `json:"result_id" yaml:"result_id"`
	TaskID        string          `json:"task_id" yaml:"task_id"`
	Algorithm     string          `json:"algorithm" yaml:"algorithm"`
	Features      []Feature       `json:"features" yaml:"features"`
	Metrics       ClusterMetrics  `json:"metrics" yaml:"metrics"`
	Segments      []SegmentResult `json:"segments" yaml:"segments"`
	Visualization []VizPoint      `json:"visualization,omitempty" yaml:"visualization,omitempty"`
}

// AlgorithmKMeans is the only supported clustering algorithm.
const AlgorithmKMeans = "k-means"
