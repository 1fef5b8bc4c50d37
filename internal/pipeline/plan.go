package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage conditions accepted in plan files.
const (
	WhenAlways          = "always"
	WhenLanguageDiffers = "language_differs"
)

// Plan is the YAML description of a workflow.
type Plan struct {
	SourceLanguage string      `yaml:"source_language"`
	Checkpoints    bool        `yaml:"checkpoints"`
	Stages         []PlanStage `yaml:"stages"`
}

// PlanStage describes one stage. Exactly one of Command and Builtin is set.
type PlanStage struct {
	Name       string            `yaml:"name"`
	Command    []string          `yaml:"command,omitempty"`
	Builtin    string            `yaml:"builtin,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	BestEffort bool              `yaml:"best_effort,omitempty"`
	When       string            `yaml:"when,omitempty"`
	Checkpoint bool              `yaml:"checkpoint,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
}

// DefaultPlan runs every default stage with builtin implementations that
// only assemble notes and publish a Markdown report. Real deployments point
// pipeline.plan_file at stage commands.
func DefaultPlan() Plan {
	return Plan{
		SourceLanguage: "en",
		Stages: []PlanStage{
			{Name: "Coordinator", Builtin: BuiltinNote},
			{Name: "Researcher", Builtin: BuiltinNote},
			{Name: "Editor", Builtin: BuiltinNote},
			{Name: "Human Review", Builtin: BuiltinNote, Checkpoint: true},
			{Name: "Writer", Builtin: BuiltinNote},
			{Name: "Publisher", Builtin: BuiltinPublishMarkdown},
			{Name: "Translator", Builtin: BuiltinPublishTranslation, When: WhenLanguageDiffers, BestEffort: true},
		},
	}
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes and validates plan YAML.
func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Validate checks stage names, implementations and conditions.
func (p Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan has no stages")
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, stage := range p.Stages {
		name := strings.TrimSpace(stage.Name)
		if name == "" {
			return fmt.Errorf("stage %d: name is required", i)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("stage %q: duplicate name", name)
		}
		seen[key] = true

		hasCommand := len(stage.Command) > 0 && strings.TrimSpace(stage.Command[0]) != ""
		hasBuiltin := stage.Builtin != ""
		switch {
		case hasCommand && hasBuiltin:
			return fmt.Errorf("stage %q: command and builtin are exclusive", name)
		case !hasCommand && !hasBuiltin:
			return fmt.Errorf("stage %q: command or builtin is required", name)
		case hasBuiltin:
			if _, ok := builtins[stage.Builtin]; !ok {
				return fmt.Errorf("stage %q: unknown builtin %q", name, stage.Builtin)
			}
		}
		switch stage.When {
		case "", WhenAlways, WhenLanguageDiffers:
		default:
			return fmt.Errorf("stage %q: unknown condition %q", name, stage.When)
		}
		if stage.Timeout < 0 {
			return fmt.Errorf("stage %q: negative timeout", name)
		}
	}
	return nil
}

// Build turns the plan into workflow stages.
func (p Plan) Build() ([]Stage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	stages := make([]Stage, 0, len(p.Stages))
	for _, ps := range p.Stages {
		stage := Stage{
			Name:       strings.TrimSpace(ps.Name),
			BestEffort: ps.BestEffort,
			Checkpoint: ps.Checkpoint,
			Timeout:    ps.Timeout,
		}
		if ps.When == WhenLanguageDiffers {
			stage.When = LanguageDiffers
		}
		if ps.Builtin != "" {
			stage.Run = builtins[ps.Builtin]
		} else {
			stage.Run = CommandStage(ps.Command, ps.Env)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}
