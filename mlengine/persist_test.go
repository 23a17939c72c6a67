package mlengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tosin2013/pipeline-guardian/contracts"
	"github.com/tosin2013/pipeline-guardian/debugger"
)

// TestSaveLoadRoundTrip tests gob persistence of a fitted pipeline
func TestSaveLoadRoundTrip(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	dir := t.TempDir()
	store := NewModelStore(dir, logger)
	clock := contracts.FixedClock{T: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	c := NewClassifier(store, clock, logger)

	_, err := c.Train(testRecords(), TargetCategory, TrainOptions{Family: FamilyLinear, MaxVocab: 60})
	require.NoError(t, err)

	// The binary and the history file land on disk.
	assert.FileExists(t, filepath.Join(dir, "category_linear.gob"))
	assert.FileExists(t, filepath.Join(dir, "training_history.json"))

	// A fresh store serves the same predictions after LoadAll.
	fresh := NewModelStore(dir, logger)
	fresh.LoadAll()
	c2 := NewClassifier(fresh, clock, logger)

	e := &debugger.PipelineError{Message: "ModuleNotFoundError: No module named 'requests'"}
	before, err := c.Predict(e, TargetCategory, FamilyLinear, true, 0)
	require.NoError(t, err)
	after, err := c2.Predict(e, TargetCategory, FamilyLinear, true, 0)
	require.NoError(t, err)

	assert.Equal(t, before.Prediction, after.Prediction)
	assert.InDelta(t, before.Confidence, after.Confidence, 1e-9)
}

// TestHistoryAccumulates tests that retraining appends history entries
func TestHistoryAccumulates(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := NewModelStore(t.TempDir(), logger)
	clock := contracts.FixedClock{T: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	c := NewClassifier(store, clock, logger)

	_, err := c.Train(testRecords(), TargetCategory, TrainOptions{Family: FamilyLinear, MaxVocab: 60})
	require.NoError(t, err)
	_, err = c.Train(testRecords(), TargetCategory, TrainOptions{Family: FamilyLinear, MaxVocab: 60})
	require.NoError(t, err)

	history, err := store.History()
	require.NoError(t, err)
	assert.Len(t, history["category_linear"], 2)
}

// TestHotSwapReplacesServedModel tests atomic replacement under the same key
func TestHotSwapReplacesServedModel(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := NewModelStore(t.TempDir(), logger)
	clock := contracts.FixedClock{T: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	c := NewClassifier(store, clock, logger)

	_, err := c.Train(testRecords(), TargetCategory, TrainOptions{Family: FamilyLinear, MaxVocab: 60})
	require.NoError(t, err)
	first, _ := store.Get(TargetCategory, FamilyLinear)

	_, err = c.Train(testRecords(), TargetCategory, TrainOptions{Family: FamilyLinear, MaxVocab: 80})
	require.NoError(t, err)
	second, _ := store.Get(TargetCategory, FamilyLinear)

	// In-flight callers holding the first pointer keep a usable model;
	// new lookups observe the replacement.
	assert.NotSame(t, first, second)
	assert.NotNil(t, first.Estimator.PredictProba(first.Extractor.Transform(&debugger.PipelineError{Message: "x"})))
}

// TestLoadMissingModel tests the error path for absent files
func TestLoadMissingModel(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := NewModelStore(t.TempDir(), logger)

	_, err := store.Load(TargetStage, FamilySVM)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errCause(err)))
}

func errCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

// TestModelInfo tests the operational listing
func TestModelInfo(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := NewModelStore(t.TempDir(), logger)
	clock := contracts.FixedClock{T: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	c := NewClassifier(store, clock, logger)

	_, err := c.Train(testRecords(), TargetCategory, TrainOptions{Family: FamilyLinear, MaxVocab: 60})
	require.NoError(t, err)

	infos := store.Info()
	require.Len(t, infos, 1)
	assert.Equal(t, TargetCategory, infos[0].Target)
	assert.Equal(t, FamilyLinear, infos[0].Family)
	assert.NotZero(t, infos[0].FeatureCount)
}
