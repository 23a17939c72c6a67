// Package mlengine trains, persists, and serves the error classification
// models for the category, severity, and stage targets. Estimators are
// implemented in-process on dense float vectors; the fitted feature
// extractor travels with each model so inference matches training exactly.
package mlengine

import (
	"math"
	"math/rand"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// Family selects the estimator algorithm.
type Family string

const (
	FamilyLinear     Family = "linear"
	FamilyNaiveBayes Family = "naive_bayes"
	FamilyForest     Family = "random_forest"
	FamilyBoosting   Family = "gradient_boosting"
	FamilySVM        Family = "svm"
)

// Families lists every supported estimator family.
func Families() []Family {
	return []Family{FamilyLinear, FamilyNaiveBayes, FamilyForest, FamilyBoosting, FamilySVM}
}

// Estimator is fitted on a dense matrix with integer class labels and
// predicts a probability per class. Implementations are pure in-memory
// models; none of their methods suspend.
type Estimator interface {
	Fit(X [][]float64, y []int, classCount int, sampleWeights []float64)
	PredictProba(x []float64) []float64
}

// Hyperparameters tunes one estimator fit. Zero values select defaults.
type Hyperparameters struct {
	LearningRate float64 `json:"learning_rate,omitempty"`
	Epochs       int     `json:"epochs,omitempty"`
	L2           float64 `json:"l2,omitempty"`
	Trees        int     `json:"trees,omitempty"`
	MaxDepth     int     `json:"max_depth,omitempty"`
	Rounds       int     `json:"rounds,omitempty"`
	C            float64 `json:"c,omitempty"`
}

// NewEstimator constructs an unfitted estimator of the given family.
func NewEstimator(family Family, hp Hyperparameters) (Estimator, error) {
	switch family {
	case FamilyLinear:
		return &SoftmaxRegression{Params: hp}, nil
	case FamilyNaiveBayes:
		return &GaussianNB{}, nil
	case FamilyForest:
		return &RandomForest{Params: hp}, nil
	case FamilyBoosting:
		return &GradientBoosting{Params: hp}, nil
	case FamilySVM:
		return &LinearSVM{Params: hp}, nil
	default:
		return nil, contracts.E(contracts.KindValidation, "unknown estimator family %q", family)
	}
}

// DefaultGrid returns the hyperparameter grid searched for a family.
func DefaultGrid(family Family) []Hyperparameters {
	switch family {
	case FamilyLinear:
		return []Hyperparameters{{LearningRate: 0.1}, {LearningRate: 0.1, L2: 0.01}, {LearningRate: 0.01, L2: 0.001}}
	case FamilyForest:
		return []Hyperparameters{{Trees: 10, MaxDepth: 6}, {Trees: 25, MaxDepth: 8}}
	case FamilyBoosting:
		return []Hyperparameters{{Rounds: 25, LearningRate: 0.2}, {Rounds: 50, LearningRate: 0.1}}
	case FamilySVM:
		return []Hyperparameters{{C: 0.5}, {C: 1.0}}
	default:
		return []Hyperparameters{{}}
	}
}

// SoftmaxRegression is the linear family: multinomial logistic regression
// trained with gradient descent. Exported fields persist with gob.
type SoftmaxRegression struct {
	Params  Hyperparameters
	Weights [][]float64 // [class][feature]
	Bias    []float64
}

func (m *SoftmaxRegression) Fit(X [][]float64, y []int, classCount int, sampleWeights []float64) {
	if len(X) == 0 {
		return
	}
	features := len(X[0])
	lr := m.Params.LearningRate
	if lr == 0 {
		lr = 0.1
	}
	epochs := m.Params.Epochs
	if epochs == 0 {
		epochs = 100
	}
	m.Weights = make([][]float64, classCount)
	for c := range m.Weights {
		m.Weights[c] = make([]float64, features)
	}
	m.Bias = make([]float64, classCount)

	for epoch := 0; epoch < epochs; epoch++ {
		for i, x := range X {
			p := m.PredictProba(x)
			w := sampleWeights[i]
			for c := 0; c < classCount; c++ {
				target := 0.0
				if y[i] == c {
					target = 1.0
				}
				grad := (p[c] - target) * w
				for f, xf := range x {
					if xf != 0 {
						m.Weights[c][f] -= lr * (grad*xf + m.Params.L2*m.Weights[c][f])
					}
				}
				m.Bias[c] -= lr * grad
			}
		}
	}
}

func (m *SoftmaxRegression) PredictProba(x []float64) []float64 {
	scores := make([]float64, len(m.Bias))
	for c := range scores {
		s := m.Bias[c]
		for f, xf := range x {
			if xf != 0 && f < len(m.Weights[c]) {
				s += m.Weights[c][f] * xf
			}
		}
		scores[c] = s
	}
	return softmax(scores)
}

// GaussianNB models each feature per class as a gaussian with weighted
// class priors.
type GaussianNB struct {
	LogPrior []float64
	Mean     [][]float64
	Variance [][]float64
}

func (m *GaussianNB) Fit(X [][]float64, y []int, classCount int, sampleWeights []float64) {
	if len(X) == 0 {
		return
	}
	features := len(X[0])
	m.LogPrior = make([]float64, classCount)
	m.Mean = make([][]float64, classCount)
	m.Variance = make([][]float64, classCount)
	weightSum := make([]float64, classCount)

	for c := 0; c < classCount; c++ {
		m.Mean[c] = make([]float64, features)
		m.Variance[c] = make([]float64, features)
	}
	var total float64
	for i, x := range X {
		c := y[i]
		w := sampleWeights[i]
		weightSum[c] += w
		total += w
		for f, xf := range x {
			m.Mean[c][f] += w * xf
		}
	}
	for c := 0; c < classCount; c++ {
		if weightSum[c] == 0 {
			continue
		}
		for f := range m.Mean[c] {
			m.Mean[c][f] /= weightSum[c]
		}
	}
	for i, x := range X {
		c := y[i]
		w := sampleWeights[i]
		for f, xf := range x {
			d := xf - m.Mean[c][f]
			m.Variance[c][f] += w * d * d
		}
	}
	for c := 0; c < classCount; c++ {
		if weightSum[c] > 0 {
			m.LogPrior[c] = math.Log(weightSum[c] / total)
			for f := range m.Variance[c] {
				m.Variance[c][f] = m.Variance[c][f]/weightSum[c] + 1e-6
			}
		} else {
			m.LogPrior[c] = math.Inf(-1)
		}
	}
}

func (m *GaussianNB) PredictProba(x []float64) []float64 {
	scores := make([]float64, len(m.LogPrior))
	for c := range scores {
		s := m.LogPrior[c]
		if math.IsInf(s, -1) {
			scores[c] = -1e18
			continue
		}
		for f, xf := range x {
			if f >= len(m.Mean[c]) {
				break
			}
			v := m.Variance[c][f]
			d := xf - m.Mean[c][f]
			s += -0.5*math.Log(2*math.Pi*v) - d*d/(2*v)
		}
		scores[c] = s
	}
	return softmax(scores)
}

func softmax(scores []float64) []float64 {
	max := math.Inf(-1)
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(s - max)
		sum += probs[i]
	}
	if sum == 0 {
		for i := range probs {
			probs[i] = 1 / float64(len(probs))
		}
		return probs
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// sampleRNG gives every fit of the tree ensembles a fixed seed so training
// is reproducible.
func sampleRNG() *rand.Rand { return rand.New(rand.NewSource(42)) }
