package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rowhooks/internal/config"
	"github.com/roach88/rowhooks/internal/dispatch"
)

// Scenario defines a mutation scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend is "memory" (default) or "sqlite".
	Backend string `yaml:"backend,omitempty"`

	// Config overrides the default mutation configuration.
	Config config.Overrides `yaml:"config,omitempty"`

	// Tables is CUE source declaring the tables under "table:".
	Tables string `yaml:"tables"`

	// Hooks are registered in order before the first step.
	Hooks []Hook `yaml:"hooks,omitempty"`

	// Steps are the mutations to run.
	Steps []Step `yaml:"steps"`

	// FinalState is checked after the last step.
	FinalState []StateAssertion `yaml:"final_state,omitempty"`
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Hook is a scripted handler.
type Hook struct {
	Table string `yaml:"table"`
	// Event is a dispatch.Kind such as "pre-insert".
	Event string `yaml:"event"`
	// Priority is highest, high, normal (default) or low.
	Priority string `yaml:"priority,omitempty"`

	// When restricts the hook to events whose row (ev.Row, or ev.Data on
	// pre-insert and pre-update) has these field values.
	When map[string]any `yaml:"when,omitempty"`

	// Set assigns fields of ev.Data. Only meaningful on pre-insert and
	// pre-update.
	Set map[string]any `yaml:"set,omitempty"`

	// Cancel, when present, cancels the event with this reason.
	Cancel *string `yaml:"cancel,omitempty"`
}

// Step operations.
const (
	OpInsert      = "insert"
	OpInsertBatch = "insert_batch"
	OpUpdate      = "update"
	OpUpdateBatch = "update_batch"
	OpDelete      = "delete"
	OpDeleteBatch = "delete_batch"
)

// Step is one orchestrated mutation.
type Step struct {
	Op    string `yaml:"op"`
	Table string `yaml:"table"`

	// KeyField overrides the declared primary key.
	KeyField string `yaml:"key_field,omitempty"`

	// Key addresses the row for update and delete: a value, or a map of
	// key fields for composite keys.
	Key any `yaml:"key,omitempty"`

	// Keys addresses the rows of delete_batch.
	Keys []any `yaml:"keys,omitempty"`

	// Data is the insert payload or the update data.
	Data map[string]any `yaml:"data,omitempty"`

	// Rows are the insert_batch payloads.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Items are the update_batch entries.
	Items []UpdateItem `yaml:"items,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// UpdateItem is one update_batch entry.
type UpdateItem struct {
	Key  any            `yaml:"key"`
	Data map[string]any `yaml:"data"`
}

// Expect is the expected response. Unset fields are not checked.
type Expect struct {
	OK      *bool   `yaml:"ok,omitempty"`
	Kind    string  `yaml:"kind,omitempty"`
	Message *string `yaml:"message,omitempty"`
}

// StateAssertion checks the store after the last step.
//
// With Count set it checks the number of rows in Table. With Key set it
// loads the addressed row and checks Expect as a subset match, or that the
// row does not exist when Absent is true.
type StateAssertion struct {
	Table    string         `yaml:"table"`
	Count    *int           `yaml:"count,omitempty"`
	KeyField string         `yaml:"key_field,omitempty"`
	Key      any            `yaml:"key,omitempty"`
	Expect   map[string]any `yaml:"expect,omitempty"`
	Absent   bool           `yaml:"absent,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Backend {
	case "", BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.Tables == "" {
		return fmt.Errorf("tables is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := config.Default().Apply(s.Config).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, h := range s.Hooks {
		if h.Table == "" {
			return fmt.Errorf("hooks[%d]: table is required", i)
		}
		if _, err := dispatch.ParseKind(h.Event); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		if _, err := dispatch.ParsePriority(h.Priority); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, a := range s.FinalState {
		if a.Table == "" {
			return fmt.Errorf("final_state[%d]: table is required", i)
		}
		if a.Count == nil && a.Key == nil {
			return fmt.Errorf("final_state[%d]: count or key is required", i)
		}
		if a.Key != nil && !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("final_state[%d]: expect or absent is required with key", i)
		}
	}
	return nil
}

func validateStep(i int, step *Step) error {
	if step.Table == "" {
		return fmt.Errorf("steps[%d]: table is required", i)
	}
	switch step.Op {
	case OpInsert:
		if step.Data == nil {
			return fmt.Errorf("steps[%d]: data is required for insert", i)
		}
	case OpInsertBatch:
		if len(step.Rows) == 0 {
			return fmt.Errorf("steps[%d]: rows are required for insert_batch", i)
		}
	case OpUpdate:
		if step.Key == nil || step.Data == nil {
			return fmt.Errorf("steps[%d]: key and data are required for update", i)
		}
	case OpUpdateBatch:
		if len(step.Items) == 0 {
			return fmt.Errorf("steps[%d]: items are required for update_batch", i)
		}
	case OpDelete:
		if step.Key == nil {
			return fmt.Errorf("steps[%d]: key is required for delete", i)
		}
	case OpDeleteBatch:
		if len(step.Keys) == 0 {
			return fmt.Errorf("steps[%d]: keys are required for delete_batch", i)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	return nil
}
