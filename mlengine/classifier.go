package mlengine

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
)

// Target names one of the independent classification targets.
type Target string

const (
	TargetCategory Target = "category"
	TargetSeverity Target = "severity"
	TargetStage    Target = "stage"
)

// Targets lists every classification target.
func Targets() []Target { return []Target{TargetCategory, TargetSeverity, TargetStage} }

func labelOf(e *debugger.PipelineError, target Target) string {
	switch target {
	case TargetCategory:
		return string(e.Category)
	case TargetSeverity:
		return string(e.Severity)
	case TargetStage:
		return string(e.Stage)
	}
	return ""
}

// InsufficientDataError reports a target with fewer than two distinct
// classes in the training records.
type InsufficientDataError struct {
	Target  Target
	Classes int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("target %s has %d distinct class(es), need at least 2", e.Target, e.Classes)
}

// TrainOptions tunes one training run. Zero values select defaults.
type TrainOptions struct {
	Family       Family
	TestFraction float64
	GridSearch   bool
	ClassWeights map[string]float64
	MaxVocab     int
	Params       Hyperparameters
}

// TrainResult is the recorded outcome of one training run.
type TrainResult struct {
	Target            Target          `json:"target"`
	Family            Family          `json:"family"`
	Samples           int             `json:"samples"`
	FeatureCount      int             `json:"feature_count"`
	Classes           []string        `json:"classes"`
	ClassDistribution map[string]int  `json:"class_distribution"`
	Accuracy          float64         `json:"accuracy"`
	TrainAccuracy     float64         `json:"train_accuracy"`
	Precision         float64         `json:"precision"`
	Recall            float64         `json:"recall"`
	F1                float64         `json:"f1"`
	CVScore           float64         `json:"cv_score"`
	BestParams        Hyperparameters `json:"best_params"`
	TrainedAt         time.Time       `json:"trained_at"`
}

// TargetResult is one target's prediction inside a ClassificationResult.
type TargetResult struct {
	Prediction     string             `json:"prediction"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities,omitempty"`
	MeetsThreshold bool               `json:"meets_threshold"`
}

// ClassificationResult aggregates per-target predictions for one error.
// OverallConfidence is the arithmetic mean of target confidences.
type ClassificationResult struct {
	ErrorID           string                  `json:"error_id"`
	Targets           map[Target]TargetResult `json:"targets"`
	OverallConfidence float64                 `json:"overall_confidence"`
}

// Model is one fitted (target, family) pipeline: the feature extractor plus
// the estimator and its class labels.
type Model struct {
	Target       Target
	Family       Family
	Extractor    *debugger.Extractor
	Estimator    Estimator
	Classes      []string
	FeatureCount int
	TrainedAt    time.Time
}

// Classifier owns the model registry and serves train/predict/classify.
type Classifier struct {
	store  *ModelStore
	clock  contracts.Clock
	logger *logrus.Logger
}

// NewClassifier wires a classifier around a model store.
func NewClassifier(store *ModelStore, clock contracts.Clock, logger *logrus.Logger) *Classifier {
	return &Classifier{store: store, clock: clock, logger: logger}
}

// Info reports the operational listing of currently served models.
func (c *Classifier) Info() []ModelInfo {
	return c.store.Info()
}

// Train fits a (target, family) pipeline on records: stratified train/test
// split, inverse-frequency class weights unless the caller supplies
// weights, weighted precision/recall/F1 on the held-out split, a 5-fold
// cross-validation score, and an optional grid search. The fitted model is
// persisted and hot-swapped into the registry.
func (c *Classifier) Train(records []*debugger.PipelineError, target Target, opts TrainOptions) (*TrainResult, error) {
	if opts.Family == "" {
		opts.Family = FamilyLinear
	}
	if opts.TestFraction == 0 {
		opts.TestFraction = 0.2
	}

	labels := make([]string, len(records))
	distribution := map[string]int{}
	for i, r := range records {
		labels[i] = labelOf(r, target)
		distribution[labels[i]]++
	}
	classes := sortedKeys(distribution)
	if len(classes) < 2 {
		return nil, &InsufficientDataError{Target: target, Classes: len(classes)}
	}

	classIndex := map[string]int{}
	for i, cl := range classes {
		classIndex[cl] = i
	}
	y := make([]int, len(records))
	for i, l := range labels {
		y[i] = classIndex[l]
	}

	// Fit the extractor on the full message set; the vocabulary becomes
	// part of the persisted pipeline.
	extractor := debugger.NewExtractor(opts.MaxVocab)
	messages := make([]string, len(records))
	for i, r := range records {
		messages[i] = r.Message
	}
	extractor.Fit(messages)

	X := make([][]float64, len(records))
	for i, r := range records {
		X[i] = extractor.Transform(r)
	}

	weights := sampleWeights(y, len(classes), opts.ClassWeights, classes)
	trainIdx, testIdx := stratifiedSplit(y, opts.TestFraction)

	candidates := []Hyperparameters{opts.Params}
	if opts.GridSearch {
		candidates = DefaultGrid(opts.Family)
	}

	var best Estimator
	var bestParams Hyperparameters
	bestScore := -1.0
	for _, hp := range candidates {
		est, err := NewEstimator(opts.Family, hp)
		if err != nil {
			return nil, err
		}
		fitSubset(est, X, y, len(classes), weights, trainIdx)
		score := accuracyOn(est, X, y, testIdx)
		if score > bestScore {
			best, bestParams, bestScore = est, hp, score
		}
	}

	result := &TrainResult{
		Target:            target,
		Family:            opts.Family,
		Samples:           len(records),
		FeatureCount:      extractor.FeatureCount(),
		Classes:           classes,
		ClassDistribution: distribution,
		Accuracy:          bestScore,
		TrainAccuracy:     accuracyOn(best, X, y, trainIdx),
		BestParams:        bestParams,
		TrainedAt:         c.clock.Now(),
	}
	result.Precision, result.Recall, result.F1 = weightedPRF(best, X, y, testIdx, len(classes))
	result.CVScore = c.crossValidate(opts.Family, bestParams, X, y, len(classes), weights, 5)

	model := &Model{
		Target:       target,
		Family:       opts.Family,
		Extractor:    extractor,
		Estimator:    best,
		Classes:      classes,
		FeatureCount: extractor.FeatureCount(),
		TrainedAt:    result.TrainedAt,
	}
	if err := c.store.Save(model, result); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"target":   target,
		"family":   opts.Family,
		"samples":  len(records),
		"accuracy": result.Accuracy,
		"cv_score": result.CVScore,
	}).Info("Model training completed")
	return result, nil
}

// Predict returns the top prediction for one target. A confidence below
// threshold yields an empty prediction with the actual score and
// meets_threshold=false. With returnAll, the full probability map rides
// along.
func (c *Classifier) Predict(e *debugger.PipelineError, target Target, family Family, returnAll bool, threshold float64) (*TargetResult, error) {
	model, ok := c.store.Get(target, family)
	if !ok {
		return nil, contracts.E(contracts.KindNotFound, "no trained model for target %s family %s", target, family)
	}

	x := model.Extractor.Transform(e)
	if len(x) != model.FeatureCount {
		return nil, contracts.E(contracts.KindData, "feature vector width %d does not match model width %d", len(x), model.FeatureCount)
	}

	probs := model.Estimator.PredictProba(x)
	bestIdx, bestProb := 0, 0.0
	for i, p := range probs {
		if p > bestProb {
			bestIdx, bestProb = i, p
		}
	}

	result := &TargetResult{
		Confidence:     bestProb,
		MeetsThreshold: bestProb >= threshold,
	}
	if result.MeetsThreshold {
		result.Prediction = model.Classes[bestIdx]
	}
	if returnAll {
		result.Probabilities = make(map[string]float64, len(probs))
		for i, p := range probs {
			result.Probabilities[model.Classes[i]] = p
		}
	}
	return result, nil
}

// Classify invokes Predict for each requested target and aggregates.
// families maps target → family; an empty map classifies every target with
// the linear family, otherwise only the listed targets are classified.
func (c *Classifier) Classify(e *debugger.PipelineError, families map[Target]Family, threshold float64, detailed bool) (*ClassificationResult, error) {
	if len(families) == 0 {
		families = map[Target]Family{TargetCategory: FamilyLinear, TargetSeverity: FamilyLinear, TargetStage: FamilyLinear}
	}

	result := &ClassificationResult{ErrorID: e.ErrorID, Targets: map[Target]TargetResult{}}
	var sum float64
	for target, family := range families {
		tr, err := c.Predict(e, target, family, detailed, threshold)
		if err != nil {
			return nil, fmt.Errorf("classification of %s failed: %w", target, err)
		}
		result.Targets[target] = *tr
		sum += tr.Confidence
	}
	result.OverallConfidence = sum / float64(len(families))
	return result, nil
}

// ClassifyTargets adapts the classifier to the log analyzer's consumer
// interface, preferring the linear family and staying quiet about targets
// with no trained model.
func (c *Classifier) ClassifyTargets(e *debugger.PipelineError, threshold float64) (map[string]debugger.TargetPrediction, error) {
	out := map[string]debugger.TargetPrediction{}
	for _, target := range Targets() {
		family, ok := c.store.AnyFamily(target)
		if !ok {
			continue
		}
		tr, err := c.Predict(e, target, family, false, threshold)
		if err != nil {
			return nil, err
		}
		label := tr.Prediction
		out[string(target)] = debugger.TargetPrediction{
			Label:          label,
			Confidence:     tr.Confidence,
			MeetsThreshold: tr.MeetsThreshold,
		}
	}
	return out, nil
}

func (c *Classifier) crossValidate(family Family, hp Hyperparameters, X [][]float64, y []int, classCount int, weights []float64, folds int) float64 {
	if len(X) < folds {
		folds = len(X)
	}
	if folds < 2 {
		return 0
	}
	perm := rand.New(rand.NewSource(7)).Perm(len(X))
	var total float64
	for fold := 0; fold < folds; fold++ {
		var trainIdx, testIdx []int
		for i, p := range perm {
			if i%folds == fold {
				testIdx = append(testIdx, p)
			} else {
				trainIdx = append(trainIdx, p)
			}
		}
		est, err := NewEstimator(family, hp)
		if err != nil {
			return 0
		}
		fitSubset(est, X, y, classCount, weights, trainIdx)
		total += accuracyOn(est, X, y, testIdx)
	}
	return total / float64(folds)
}

func fitSubset(est Estimator, X [][]float64, y []int, classCount int, weights []float64, indices []int) {
	subX := make([][]float64, len(indices))
	subY := make([]int, len(indices))
	subW := make([]float64, len(indices))
	for i, idx := range indices {
		subX[i] = X[idx]
		subY[i] = y[idx]
		subW[i] = weights[idx]
	}
	est.Fit(subX, subY, classCount, subW)
}

// sampleWeights returns per-sample weights: the caller's class weights when
// given, otherwise inversely proportional to class frequency.
func sampleWeights(y []int, classCount int, classWeights map[string]float64, classes []string) []float64 {
	counts := make([]float64, classCount)
	for _, label := range y {
		counts[label]++
	}
	perClass := make([]float64, classCount)
	for i := range perClass {
		if w, ok := classWeights[classes[i]]; ok && w > 0 {
			perClass[i] = w
		} else if counts[i] > 0 {
			perClass[i] = float64(len(y)) / (float64(classCount) * counts[i])
		}
	}
	weights := make([]float64, len(y))
	for i, label := range y {
		weights[i] = perClass[label]
	}
	return weights
}

// stratifiedSplit returns train/test index sets preserving per-class
// proportions. Every class keeps at least one training sample.
func stratifiedSplit(y []int, testFraction float64) (train, test []int) {
	byClass := map[int][]int{}
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	rng := rand.New(rand.NewSource(13))
	classes := make([]int, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	sort.Ints(classes)
	for _, label := range classes {
		indices := byClass[label]
		rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		testCount := int(float64(len(indices)) * testFraction)
		if testCount >= len(indices) {
			testCount = len(indices) - 1
		}
		test = append(test, indices[:testCount]...)
		train = append(train, indices[testCount:]...)
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test
}

func accuracyOn(est Estimator, X [][]float64, y []int, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	var correct float64
	for _, i := range indices {
		if argmax(est.PredictProba(X[i])) == y[i] {
			correct++
		}
	}
	return correct / float64(len(indices))
}

// weightedPRF computes precision, recall, and F1 weighted by class support
// on the given index set.
func weightedPRF(est Estimator, X [][]float64, y []int, indices []int, classCount int) (precision, recall, f1 float64) {
	if len(indices) == 0 {
		return 0, 0, 0
	}
	tp := make([]float64, classCount)
	fp := make([]float64, classCount)
	fn := make([]float64, classCount)
	support := make([]float64, classCount)
	for _, i := range indices {
		predicted := argmax(est.PredictProba(X[i]))
		actual := y[i]
		support[actual]++
		if predicted == actual {
			tp[actual]++
		} else {
			fp[predicted]++
			fn[actual]++
		}
	}
	var total float64
	for c := 0; c < classCount; c++ {
		if support[c] == 0 {
			continue
		}
		total += support[c]
		var p, r float64
		if tp[c]+fp[c] > 0 {
			p = tp[c] / (tp[c] + fp[c])
		}
		if tp[c]+fn[c] > 0 {
			r = tp[c] / (tp[c] + fn[c])
		}
		var f float64
		if p+r > 0 {
			f = 2 * p * r / (p + r)
		}
		precision += support[c] * p
		recall += support[c] * r
		f1 += support[c] * f
	}
	if total > 0 {
		precision /= total
		recall /= total
		f1 /= total
	}
	return precision, recall, f1
}

func argmax(probs []float64) int {
	best, bestP := 0, -1.0
	for i, p := range probs {
		if p > bestP {
			best, bestP = i, p
		}
	}
	return best
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
