package prediction

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

// HeuristicModelVersion tags results produced by the local heuristic.
const HeuristicModelVersion = "demo-1.0"

const (
	baseScore    = 0.3
	noiseSpread  = 0.05
	minConfident = 0.75
	maxConfident = 0.90
)

// Noise returns a uniform value in [lo, hi).
type Noise func(lo, hi float64) float64

func uniformNoise(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

var (
	professionWeights = map[string]float64{
		"chômeur":       0.3,
		"chomeur":       0.3,
		"sans emploi":   0.3,
		"étudiant":      0.1,
		"etudiant":      0.1,
		"élève":         0.1,
		"fonctionnaire": -0.1,
	}

	crimeWeights = map[string]float64{
		"trafic":           0.25,
		"trafic de drogue": 0.25,
		"violence":         0.25,
		"vol":              0.15,
		"agression":        0.15,
	}

	platformWeights = map[string]float64{
		"facebook":  0.1,
		"instagram": 0.1,
		"tiktok":    0.1,
	}

	urbanRegions = map[string]bool{
		"dakar":      true,
		"pikine":     true,
		"guédiawaye": true,
		"guediawaye": true,
		"rufisque":   true,
	}
)

var errNegativeAge = errors.New("cannot score a negative age")

// Heuristic scores a profile without the remote model.
type Heuristic struct {
	noise Noise
	now   func() time.Time
}

// NewHeuristic creates a heuristic scorer. A nil noise uses a uniform
// random source.
func NewHeuristic(noise Noise) *Heuristic {
	if noise == nil {
		noise = uniformNoise
	}
	return &Heuristic{noise: noise, now: time.Now}
}

// Score computes the demo prediction for p.
func (h *Heuristic) Score(p domain.Profile) (domain.PredictionResult, error) {
	if p.Age < 0 {
		return domain.PredictionResult{}, errNegativeAge
	}

	var ageScore float64
	if p.Age < 20 || p.Age > 50 {
		ageScore += 0.1
	}
	if p.Age >= 20 && p.Age <= 30 {
		ageScore += 0.2
	}

	profession := professionWeights[normalize(p.Profession)]
	crime := crimeWeights[normalize(p.InitialCrimeType)]
	platform := platformWeights[normalize(p.PrimaryPlatform)]

	var region float64
	if urbanRegions[normalize(p.RegionName)] {
		region = 0.05
	}

	score := baseScore + ageScore + profession + crime + platform + region
	probability := round2(clamp(score+h.noise(-noiseSpread, noiseSpread), 0, 1))

	return domain.PredictionResult{
		Probability: probability,
		RiskLevel:   domain.RiskLevelFor(probability),
		Confidence:  round2(h.noise(minConfident, maxConfident)),
		Factors: map[string]float64{
			"base":          baseScore,
			"age":           ageScore,
			"age_deviation": round2(math.Min(math.Abs(float64(p.Age)-25)/25, 1)),
			"profession":    profession,
			"crime_type":    crime,
			"platform":      platform,
			"region":        region,
		},
		Metadata: domain.PredictionMetadata{
			Timestamp:    h.now().UTC(),
			Algorithm:    domain.AlgorithmHeuristic,
			ModelVersion: HeuristicModelVersion,
		},
	}, nil
}

// errorResult is the all-zero result substituted for a profile that
// could not be scored.
func errorResult(now time.Time) domain.PredictionResult {
	return domain.PredictionResult{
		Probability: 0,
		RiskLevel:   domain.RiskLevelFor(0),
		Confidence:  0,
		Factors:     map[string]float64{},
		Metadata: domain.PredictionMetadata{
			Timestamp: now.UTC(),
			Algorithm: domain.AlgorithmError,
		},
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
