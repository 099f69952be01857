package domain

import (
	"fmt"
	"sort"
	"time"
)

// Profile field names, as used by the remote model and the encoder table.
const (
	FieldRegion     = "Region_Name"
	FieldAge        = "Age"
	FieldEthnicity  = "Ethnie"
	FieldProfession = "Profession"
	FieldCity       = "Ville"
	FieldCrimeType  = "Type_Crime_Initial"
	FieldPlatform   = "Plateforme_Principale"
)

// ProfileFields lists every required profile field in display order.
var ProfileFields = []string{
	FieldRegion,
	FieldAge,
	FieldEthnicity,
	FieldProfession,
	FieldCity,
	FieldCrimeType,
	FieldPlatform,
}

// CategoricalFields lists the fields encoded through the encoder table.
var CategoricalFields = []string{
	FieldRegion,
	FieldEthnicity,
	FieldProfession,
	FieldCity,
	FieldCrimeType,
	FieldPlatform,
}

// Profile is the input record for a risk prediction.
type Profile struct {
	RegionName       string `json:"Region_Name" yaml:"Region_Name"`
	Age              int    `json:"Age" yaml:"Age"`
	Ethnicity        string `json:"Ethnie" yaml:"Ethnie"`
	Profession       string `json:"Profession" yaml:"Profession"`
	City             string `json:"Ville" yaml:"Ville"`
	InitialCrimeType string `json:"Type_Crime_Initial" yaml:"Type_Crime_Initial"`
	PrimaryPlatform  string `json:"Plateforme_Principale" yaml:"Plateforme_Principale"`
}

// Categorical returns the categorical fields keyed by field name.
func (p *Profile) Categorical() map[string]string {
	return map[string]string{
		FieldRegion:     p.RegionName,
		FieldEthnicity:  p.Ethnicity,
		FieldProfession: p.Profession,
		FieldCity:       p.City,
		FieldCrimeType:  p.InitialCrimeType,
		FieldPlatform:   p.PrimaryPlatform,
	}
}

// RiskLevel is the ordinal classification of a probability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor bands a probability: <0.25 low, <0.5 medium, <0.75 high, else critical.
func RiskLevelFor(probability float64) RiskLevel {
	switch {
	case probability < 0.25:
		return RiskLow
	case probability < 0.5:
		return RiskMedium
	case probability < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Algorithm tags for prediction results.
const (
	AlgorithmHeuristic = "demo_heuristic"
	AlgorithmError     = "error"
)

// PredictionResult is the outcome of one prediction. It is never
// mutated after being returned.
type PredictionResult struct {
	Probability float64            `json:"recidive_probability"`
	RiskLevel   RiskLevel          `json:"risk_level"`
	Confidence  float64            `json:"confidence"`
	Factors     map[string]float64 `json:"factors"`
	Metadata    PredictionMetadata `json:"metadata"`
}

// PredictionMetadata describes how a result was produced.
type PredictionMetadata struct {
	Timestamp    time.Time `json:"timestamp"`
	Algorithm    string    `json:"algorithm"`
	ModelVersion string    `json:"model_version"`
}

// Validate checks the shape of a result received from the remote model.
func (r *PredictionResult) Validate() error {
	if r.Probability < 0 || r.Probability > 1 {
		return fmt.Errorf("probability %.4f out of range", r.Probability)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.4f out of range", r.Confidence)
	}
	if !r.RiskLevel.Valid() {
		return fmt.Errorf("unknown risk level %q", r.RiskLevel)
	}
	return nil
}

// EncoderTable maps a categorical field to its label → code table.
type EncoderTable map[string]map[string]int

// Options returns the labels of every field, ordered by code.
func (t EncoderTable) Options() map[string][]string {
	out := make(map[string][]string, len(t))
	for field, codes := range t {
		labels := make([]string, 0, len(codes))
		for label := range codes {
			labels = append(labels, label)
		}
		sort.Slice(labels, func(i, j int) bool {
			ci, cj := codes[labels[i]], codes[labels[j]]
			if ci != cj {
				return ci < cj
			}
			return labels[i] < labels[j]
		})
		out[field] = labels
	}
	return out
}

// Clone returns a deep copy of the table.
func (t EncoderTable) Clone() EncoderTable {
	out := make(EncoderTable, len(t))
	for field, codes := range t {
		c := make(map[string]int, len(codes))
		for k, v := range codes {
			c[k] = v
		}
		out[field] = c
	}
	return out
}

// ModelInfo is the metadata reported by the remote model endpoint.
type ModelInfo struct {
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	Algorithm string             `json:"algorithm"`
	TrainedAt string             `json:"trained_at,omitempty"`
	Features  []string           `json:"features,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Prediction sources recorded in history.
const (
	SourceRemote    = "remote"
	SourceHeuristic = "heuristic"
)

// PredictionRecord is a stored prediction in the history.
type PredictionRecord struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Profile   Profile          `json:"profile"`
	Result    PredictionResult `json:"result"`
	Source    string           `json:"source"`
	CreatedAt time.Time        `json:"createdAt"`
}

// PredictionFilter narrows a history listing.
type PredictionFilter struct {
	UserID string
	Since  time.Time
	Limit  int
}
