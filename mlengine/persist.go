package mlengine

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

func init() {
	// Concrete estimators cross the gob boundary behind the Estimator
	// interface.
	gob.Register(&SoftmaxRegression{})
	gob.Register(&GaussianNB{})
	gob.Register(&RandomForest{})
	gob.Register(&GradientBoosting{})
	gob.Register(&LinearSVM{})
}

// modelArtifact is the on-disk form of a fitted pipeline.
type modelArtifact struct {
	Model Model
}

// ModelStore persists models under <dir>/<target>_<family>.gob plus a
// training_history.json, and serves them from memory. Loading a new file
// under the same key atomically replaces the served model; in-flight
// predictions keep the pointer they already hold.
type ModelStore struct {
	dir    string
	logger *logrus.Logger

	mu     sync.RWMutex
	models map[string]*Model

	historyMu sync.Mutex
}

// NewModelStore creates the store rooted at dir.
func NewModelStore(dir string, logger *logrus.Logger) *ModelStore {
	return &ModelStore{dir: dir, logger: logger, models: map[string]*Model{}}
}

func modelKey(target Target, family Family) string {
	return fmt.Sprintf("%s_%s", target, family)
}

func (s *ModelStore) modelPath(target Target, family Family) string {
	return filepath.Join(s.dir, modelKey(target, family)+".gob")
}

func (s *ModelStore) historyPath() string {
	return filepath.Join(s.dir, "training_history.json")
}

// Save writes the model binary atomically, appends the training-history
// record, and hot-swaps the in-memory entry.
func (s *ModelStore) Save(model *Model, result *TrainResult) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model dir: %w", err)
	}

	path := s.modelPath(model.Target, model.Family)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&modelArtifact{Model: *model}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close model file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace model file: %w", err)
	}

	if err := s.appendHistory(result); err != nil {
		return err
	}

	s.mu.Lock()
	s.models[modelKey(model.Target, model.Family)] = model
	s.mu.Unlock()

	s.logger.WithField("model", modelKey(model.Target, model.Family)).Info("Model persisted and hot-swapped")
	return nil
}

func (s *ModelStore) appendHistory(result *TrainResult) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	history := map[string][]TrainResult{}
	if data, err := os.ReadFile(s.historyPath()); err == nil {
		_ = json.Unmarshal(data, &history)
	}
	key := modelKey(result.Target, result.Family)
	history[key] = append(history[key], *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal training history: %w", err)
	}
	tmp := s.historyPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write training history: %w", err)
	}
	return os.Rename(tmp, s.historyPath())
}

// History returns the persisted training history.
func (s *ModelStore) History() (map[string][]TrainResult, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	history := map[string][]TrainResult{}
	data, err := os.ReadFile(s.historyPath())
	if os.IsNotExist(err) {
		return history, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read training history: %w", err)
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to parse training history: %w", err)
	}
	return history, nil
}

// Load reads one model file into the registry, replacing any served model
// under the same key.
func (s *ModelStore) Load(target Target, family Family) (*Model, error) {
	f, err := os.Open(s.modelPath(target, family))
	if err != nil {
		return nil, fmt.Errorf("failed to open model %s: %w", modelKey(target, family), err)
	}
	defer f.Close()

	var artifact modelArtifact
	if err := gob.NewDecoder(f).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", modelKey(target, family), err)
	}

	model := &artifact.Model
	s.mu.Lock()
	s.models[modelKey(target, family)] = model
	s.mu.Unlock()
	return model, nil
}

// LoadAll loads every model file present in the store directory. Missing
// files are not an error; undecodable ones are logged and skipped.
func (s *ModelStore) LoadAll() {
	for _, target := range Targets() {
		for _, family := range Families() {
			if _, err := os.Stat(s.modelPath(target, family)); err != nil {
				continue
			}
			if _, err := s.Load(target, family); err != nil {
				s.logger.WithError(err).WithField("model", modelKey(target, family)).Warn("Skipping model file")
			}
		}
	}
}

// Get returns the served model for (target, family).
func (s *ModelStore) Get(target Target, family Family) (*Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[modelKey(target, family)]
	return m, ok
}

// AnyFamily returns a family with a served model for target, preferring
// the linear family.
func (s *ModelStore) AnyFamily(target Target) (Family, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.models[modelKey(target, FamilyLinear)]; ok {
		return FamilyLinear, true
	}
	for _, family := range Families() {
		if _, ok := s.models[modelKey(target, family)]; ok {
			return family, true
		}
	}
	return "", false
}

// ModelInfo describes one served model for operational queries.
type ModelInfo struct {
	Target       Target   `json:"target"`
	Family       Family   `json:"family"`
	Classes      []string `json:"classes"`
	FeatureCount int      `json:"feature_count"`
	TrainedAt    string   `json:"trained_at"`
}

// Info lists every served model.
func (s *ModelStore) Info() []ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []ModelInfo
	for _, target := range Targets() {
		for _, family := range Families() {
			if m, ok := s.models[modelKey(target, family)]; ok {
				infos = append(infos, ModelInfo{
					Target:       m.Target,
					Family:       m.Family,
					Classes:      m.Classes,
					FeatureCount: m.FeatureCount,
					TrainedAt:    m.TrainedAt.Format("2006-01-02T15:04:05Z07:00"),
				})
			}
		}
	}
	return infos
}
