package sim

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalidScenario is returned for scenarios that cannot be run.
var ErrInvalidScenario = errors.New("invalid scenario")

// Role selects how a task takes the lock.
type Role string

const (
	Reader Role = "reader"
	Writer Role = "writer"
)

// Scenario describes a set of tasks contending for one shared value.
type Scenario struct {
	// Initial value of the shared variable.
	Initial int    `yaml:"initial"`
	Tasks   []Task `yaml:"tasks"`
}

// Task is a single reader or writer.
type Task struct {
	Name string `yaml:"name,omitempty"`
	Role Role   `yaml:"role"`
	// Start delay measured from the beginning of the run.
	Start time.Duration `yaml:"start"`
	// Hold is how long the lock is kept before reading or writing.
	Hold time.Duration `yaml:"hold"`
	// Value stored by a writer.
	Value int `yaml:"value,omitempty"`
	// Expect lists the values a reader may observe. Empty accepts anything.
	Expect []int `yaml:"expect,omitempty"`
}

// DefaultScenario is the writer priority scenario: two writers overlap a
// stream of readers, and readers that arrive after a writer has started must
// see its value.
func DefaultScenario() Scenario {
	const ms = time.Millisecond
	return Scenario{
		Initial: 10,
		Tasks: []Task{
			{Name: "r1", Role: Reader, Start: 100 * ms, Hold: 100 * ms, Expect: []int{10}},
			{Name: "r2", Role: Reader, Start: 100 * ms, Hold: 100 * ms, Expect: []int{10}},
			{Name: "w1", Role: Writer, Start: 150 * ms, Hold: 100 * ms, Value: 15},
			{Name: "w2", Role: Writer, Start: 170 * ms, Hold: 100 * ms, Value: 20},
			{Name: "r3", Role: Reader, Start: 200 * ms, Expect: []int{15, 20}},
			{Name: "r4", Role: Reader, Start: 260 * ms, Expect: []int{20}},
			{Name: "r5", Role: Reader, Start: 300 * ms, Expect: []int{20}},
		},
	}
}

// ParseScenario decodes a YAML scenario and validates it.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.UnmarshalStrict(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// LoadScenario reads a YAML scenario from path.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// Validate checks roles and durations of every task and fills in missing
// task names.
func (sc *Scenario) Validate() error {
	if len(sc.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidScenario)
	}
	for i := range sc.Tasks {
		task := &sc.Tasks[i]
		if task.Name == "" {
			task.Name = fmt.Sprintf("%s-%d", task.Role, i)
		}
		switch task.Role {
		case Reader:
		case Writer:
			if len(task.Expect) != 0 {
				return fmt.Errorf("%w: writer %q has expectations", ErrInvalidScenario, task.Name)
			}
		default:
			return fmt.Errorf("%w: task %q has unknown role %q", ErrInvalidScenario, task.Name, task.Role)
		}
		if task.Start < 0 || task.Hold < 0 {
			return fmt.Errorf("%w: task %q has negative duration", ErrInvalidScenario, task.Name)
		}
	}
	return nil
}

// Scale returns a copy of sc with every duration multiplied by f.
func (sc Scenario) Scale(f float64) Scenario {
	out := sc
	out.Tasks = make([]Task, len(sc.Tasks))
	for i, task := range sc.Tasks {
		task.Start = time.Duration(float64(task.Start) * f)
		task.Hold = time.Duration(float64(task.Hold) * f)
		task.Expect = append([]int(nil), task.Expect...)
		out.Tasks[i] = task
	}
	return out
}
