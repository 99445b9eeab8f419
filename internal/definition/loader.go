package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/curator/model"
)

// Bundle is one seed file: linear workflow definitions plus procedure state
// graphs keyed by procedure type.
type Bundle struct {
	Workflows  []model.WorkflowDefinition           `yaml:"workflows"`
	Procedures map[string]model.ProcedureDefinition `yaml:"procedures"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// Loader scans directories for YAML seed bundles, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Bundle.
func (l *Loader) LoadAll(directories []string) ([]Bundle, error) {
	var bundles []Bundle

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			b, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			bundles = append(bundles, b)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return bundles, nil
}

// LoadFile loads and parses a single bundle, computing its checksum and
// recording the source path. Omitted flags take their usual defaults.
func (l *Loader) LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw struct {
		Workflows  []yaml.Node                          `yaml:"workflows"`
		Procedures map[string]model.ProcedureDefinition `yaml:"procedures"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Bundle{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	b := Bundle{
		Procedures: raw.Procedures,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}
	for i := range raw.Workflows {
		wf, err := decodeWorkflow(&raw.Workflows[i])
		if err != nil {
			return Bundle{}, fmt.Errorf("parsing %s: workflows[%d]: %w", path, i, err)
		}
		b.Workflows = append(b.Workflows, wf)
	}
	return b, nil
}

// decodeWorkflow seeds defaults before decoding so omitted booleans keep them.
func decodeWorkflow(node *yaml.Node) (model.WorkflowDefinition, error) {
	wf := model.WorkflowDefinition{
		ScopeType:           model.ScopeGlobal,
		TriggerEvent:        model.TriggerSubmit,
		IsActive:            true,
		NotificationEnabled: true,
		RequireAllSteps:     true,
	}
	if err := node.Decode(&wf); err != nil {
		return model.WorkflowDefinition{}, err
	}

	var steps struct {
		Steps []yaml.Node `yaml:"steps"`
	}
	if err := node.Decode(&steps); err != nil {
		return model.WorkflowDefinition{}, err
	}
	wf.Steps = make([]model.WorkflowStep, len(steps.Steps))
	for i := range steps.Steps {
		st := model.WorkflowStep{
			Sequence:       i + 1,
			StepType:       model.StepTypeReview,
			ActionRequired: model.ActionApproveReject,
			PoolEnabled:    true,
			IsActive:       true,
		}
		if err := steps.Steps[i].Decode(&st); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("steps[%d]: %w", i, err)
		}
		wf.Steps[i] = st
	}
	return wf, nil
}
