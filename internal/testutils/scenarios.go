package testutils

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
)

// Difficulty levels for generated scenarios. Difficulty reflects how
// separable the best option is from the runner-up: hard scenarios have
// nearly tied expected utilities and exercise the engine's confidence
// calibration.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// MinimumDatasetSize is the smallest scenario count a dataset may hold
// and still pass validation.
const MinimumDatasetSize = 5

// ScenarioDataset represents a collection of decision scenarios with
// known best options, for benchmarking policy and confidence accuracy.
type ScenarioDataset struct {
	// Scenarios contains all benchmark scenarios with their options.
	Scenarios []Scenario `json:"scenarios"`

	// Metadata provides information about the dataset itself.
	Metadata DatasetMetadata `json:"metadata"`
}

// Scenario is a single decision problem with a known ground truth: the
// option whose expected utility under the revenue/risk scorer is
// highest at the feature means.
type Scenario struct {
	// ID uniquely identifies this scenario in the dataset.
	ID string `json:"id"`

	// Context is the base decision context to perturb.
	Context domain.DecisionContext `json:"context"`

	// Options contains the candidate options.
	Options []domain.DecisionOption `json:"options"`

	// BestOptionID identifies which option has the highest expected
	// utility.
	BestOptionID string `json:"best_option_id"`

	// Difficulty indicates how separated the best option is from the
	// runner-up.
	Difficulty string `json:"difficulty,omitempty"`
}

// DatasetMetadata contains information about the dataset itself.
type DatasetMetadata struct {
	// Name identifies the dataset.
	Name string `json:"name"`

	// Version tracks dataset revisions.
	Version string `json:"version"`

	// Source indicates where the dataset originated.
	Source string `json:"source"`

	// Description provides details about the dataset contents.
	Description string `json:"description"`

	// Size indicates the total number of scenarios.
	Size int `json:"scenario_count"`
}

// GenerateScenarioDataset creates a sample scenario dataset for
// testing. The seed parameter controls randomization - use a fixed
// value for reproducible tests. Ground truth is constructed, not
// estimated: option attributes are solved so each option's expected
// utility under RevenueRiskScorer hits a chosen target, with the gap
// between the top two targets set by the scenario's difficulty.
func GenerateScenarioDataset(size int, seed int64) *ScenarioDataset {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- reproducibility requires a seeded PRNG

	dataset := &ScenarioDataset{
		Metadata: DatasetMetadata{
			Name:        "Sample Scenario Dataset",
			Version:     "1.0.0",
			Source:      "Generated for testing",
			Description: "Synthetic decision scenarios with analytic ground truth. NOT FOR PRODUCTION USE.",
			Size:        size,
		},
		Scenarios: make([]Scenario, 0, size),
	}

	difficulties := []string{DifficultyEasy, DifficultyMedium, DifficultyHard}
	for i := 0; i < size; i++ {
		difficulty := difficulties[rng.Intn(len(difficulties))]
		dataset.Scenarios = append(dataset.Scenarios, generateScenario(rng, i, difficulty))
	}

	return dataset
}

// GenerateScenarioDatasetDefault creates a dataset with a time-based
// seed.
func GenerateScenarioDatasetDefault(size int) *ScenarioDataset {
	return GenerateScenarioDataset(size, time.Now().UnixNano())
}

// generateScenario builds one scenario. The best option's expected
// utility is drawn first; the runner-up trails it by a relative gap
// drawn from the difficulty band, and remaining options trail further.
func generateScenario(rng *rand.Rand, index int, difficulty string) Scenario {
	demand := 50 + rng.Float64()*150
	volatility := 5 + rng.Float64()*20

	context := domain.DecisionContext{
		ID: fmt.Sprintf("scenario%d", index),
		Features: map[string]float64{
			"demand":     demand,
			"volatility": volatility,
		},
	}

	optionCount := 2 + rng.Intn(3)
	gap := difficultyGap(rng, difficulty)

	// Target expected utilities: best first, runner-up inside the
	// difficulty band, the rest clearly behind.
	best := 50 + rng.Float64()*100
	targets := make([]float64, optionCount)
	targets[0] = best
	targets[1] = best * (1 - gap)
	for i := 2; i < optionCount; i++ {
		targets[i] = best * (1 - gap - 0.1*float64(i-1) - rng.Float64()*0.1)
	}

	options := make([]domain.DecisionOption, optionCount)
	for i, target := range targets {
		// Solve margin so that margin*demand - risk*volatility lands
		// exactly on the target for any drawn risk cost.
		risk := rng.Float64() * 3
		margin := (target + risk*volatility) / demand
		options[i] = domain.DecisionOption{
			ID: fmt.Sprintf("scenario%d_opt%d", index, i+1),
			Attrs: map[string]float64{
				"margin":    margin,
				"risk_cost": risk,
			},
		}
	}
	bestID := options[0].ID

	// Shuffle so the best option's position carries no signal.
	rng.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return Scenario{
		ID:           fmt.Sprintf("scenario%d", index),
		Context:      context,
		Options:      options,
		BestOptionID: bestID,
		Difficulty:   difficulty,
	}
}

// difficultyGap draws the relative utility gap between the best option
// and the runner-up for the given difficulty.
func difficultyGap(rng *rand.Rand, difficulty string) float64 {
	switch difficulty {
	case DifficultyEasy:
		return 0.20 + rng.Float64()*0.30
	case DifficultyMedium:
		return 0.05 + rng.Float64()*0.15
	default:
		return 0.005 + rng.Float64()*0.045
	}
}

// ExpectedUtility computes an option's expected utility at the feature
// means under the revenue/risk scorer. Because the scorer is linear and
// perturbations are zero-mean, this equals the true expected utility.
func ExpectedUtility(context domain.DecisionContext, option domain.DecisionOption) float64 {
	return option.Attrs["margin"]*context.Features["demand"] -
		option.Attrs["risk_cost"]*context.Features["volatility"]
}

// SaveScenarioDataset writes a dataset to a JSON file, creating the
// parent directory when needed.
func SaveScenarioDataset(dataset *ScenarioDataset, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(dataset, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write dataset file: %w", err)
	}
	return nil
}

// LoadScenarioDataset loads a scenario dataset from a JSON file.
// It validates the dataset structure and ensures all required fields
// are present.
func LoadScenarioDataset(path string) (*ScenarioDataset, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- test datasets come from caller-chosen paths
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var dataset ScenarioDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}

	if err := ValidateScenarioDataset(&dataset); err != nil {
		return nil, fmt.Errorf("dataset validation failed: %w", err)
	}

	return &dataset, nil
}

// ValidateScenarioDataset ensures a dataset meets all requirements for
// benchmarking. It checks for completeness, consistency, and minimum
// size requirements.
func ValidateScenarioDataset(dataset *ScenarioDataset) error {
	if dataset == nil {
		return fmt.Errorf("dataset is nil")
	}

	if dataset.Metadata.Name == "" {
		return fmt.Errorf("metadata name is required")
	}
	if dataset.Metadata.Version == "" {
		return fmt.Errorf("metadata version is required")
	}

	if len(dataset.Scenarios) < MinimumDatasetSize {
		return fmt.Errorf("dataset must contain at least %d scenarios, found %d",
			MinimumDatasetSize, len(dataset.Scenarios))
	}

	seenIDs := make(map[string]bool)
	for i, s := range dataset.Scenarios {
		if err := validateScenario(&s, i); err != nil {
			return fmt.Errorf("scenario %d validation failed: %w", i, err)
		}

		if seenIDs[s.ID] {
			return fmt.Errorf("duplicate scenario ID: %s", s.ID)
		}
		seenIDs[s.ID] = true
	}

	return nil
}

func validateScenario(s *Scenario, index int) error {
	if s.ID == "" {
		return fmt.Errorf("scenario at index %d has no ID", index)
	}
	if len(s.Context.Features) == 0 {
		return fmt.Errorf("scenario %s has no features", s.ID)
	}
	if len(s.Options) < 2 {
		return fmt.Errorf("scenario %s needs at least 2 options, found %d", s.ID, len(s.Options))
	}

	optionIDs := make(map[string]bool, len(s.Options))
	for _, opt := range s.Options {
		if opt.ID == "" {
			return fmt.Errorf("scenario %s has an option with no ID", s.ID)
		}
		if optionIDs[opt.ID] {
			return fmt.Errorf("scenario %s has duplicate option ID %s", s.ID, opt.ID)
		}
		optionIDs[opt.ID] = true
	}

	if s.BestOptionID == "" {
		return fmt.Errorf("scenario %s has no best option", s.ID)
	}
	if !optionIDs[s.BestOptionID] {
		return fmt.Errorf("scenario %s best option %s not among its options", s.ID, s.BestOptionID)
	}

	return nil
}

// SelectionReport accumulates engine selections against scenario ground
// truth and reports accuracy overall and per difficulty. Safe for
// concurrent recording.
type SelectionReport struct {
	mu sync.Mutex

	total   int
	correct int
	failed  int

	totalByDifficulty   map[string]int
	correctByDifficulty map[string]int
}

// NewSelectionReport creates an empty report.
func NewSelectionReport() *SelectionReport {
	return &SelectionReport{
		totalByDifficulty:   make(map[string]int),
		correctByDifficulty: make(map[string]int),
	}
}

// Record adds one engine run: the scenario evaluated, the option the
// engine selected, and the run error, if any. Failed runs count toward
// the total but never toward accuracy.
func (r *SelectionReport) Record(scenario Scenario, selected string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.totalByDifficulty[scenario.Difficulty]++

	if err != nil {
		r.failed++
		return
	}
	if selected == scenario.BestOptionID {
		r.correct++
		r.correctByDifficulty[scenario.Difficulty]++
	}
}

// Accuracy returns the fraction of runs that selected the ground-truth
// option. It returns 0 for an empty report.
func (r *SelectionReport) Accuracy() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total == 0 {
		return 0
	}
	return float64(r.correct) / float64(r.total)
}

// AccuracyByDifficulty returns per-difficulty accuracy.
func (r *SelectionReport) AccuracyByDifficulty() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]float64, len(r.totalByDifficulty))
	for difficulty, total := range r.totalByDifficulty {
		if total == 0 {
			continue
		}
		result[difficulty] = float64(r.correctByDifficulty[difficulty]) / float64(total)
	}
	return result
}

// Counts returns the raw totals: runs recorded, correct selections, and
// failed runs.
func (r *SelectionReport) Counts() (total, correct, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, r.correct, r.failed
}
