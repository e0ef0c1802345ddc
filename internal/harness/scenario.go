package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/deck/internal/nostr"
)

// Scenario is one replayable relay session.
type Scenario struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Capsules    []CapsuleSpec `yaml:"capsules,omitempty"`
	Flow        []FlowStep    `yaml:"flow"`
	Assertions  []Assertion   `yaml:"assertions,omitempty"`
	// MaxLimit caps query limits like the relay's limits.max_limit.
	MaxLimit int `yaml:"max_limit,omitempty"`
}

// CapsuleSpec seeds a capsule present before the flow starts.
type CapsuleSpec struct {
	Name   string      `yaml:"name"`
	Events []EventSpec `yaml:"events"`
	// Cataloged records the capsule in the catalog up front. Uncataloged
	// capsules are probed directly on ingest.
	Cataloged bool `yaml:"cataloged,omitempty"`
}

// EventSpec is an event written in YAML.
type EventSpec struct {
	ID        string     `yaml:"id"`
	PubKey    string     `yaml:"pubkey"`
	Kind      int        `yaml:"kind"`
	CreatedAt int64      `yaml:"created_at"`
	Tags      [][]string `yaml:"tags,omitempty"`
	Content   string     `yaml:"content,omitempty"`
}

// Event builds the nostr event described by e.
func (e EventSpec) Event() nostr.Event {
	tags := make(nostr.Tags, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = nostr.Tag(t)
	}
	return nostr.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		Kind:      e.Kind,
		CreatedAt: e.CreatedAt,
		Tags:      tags,
		Content:   e.Content,
	}
}

// FlowStep holds exactly one action.
type FlowStep struct {
	Ingest   *EventSpec       `yaml:"ingest,omitempty"`
	Req      []map[string]any `yaml:"req,omitempty"`
	Count    []map[string]any `yaml:"count,omitempty"`
	Rotate   *RotateStep      `yaml:"rotate,omitempty"`
	Advance  string           `yaml:"advance,omitempty"`
	Backfill bool             `yaml:"backfill,omitempty"`

	// Sub names the subscription of a req or count step. Generated when
	// empty.
	Sub    string        `yaml:"sub,omitempty"`
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RotateStep flushes the buffer into a new capsule.
type RotateStep struct {
	// Fail makes the compile fail, which discards the buffer.
	Fail bool `yaml:"fail,omitempty"`
}

// Step kinds, as recorded in traces.
const (
	StepIngest   = "ingest"
	StepReq      = "req"
	StepCount    = "count"
	StepRotate   = "rotate"
	StepAdvance  = "advance"
	StepBackfill = "backfill"
)

// Kind returns the step's action, or "" when it holds none or several.
func (s *FlowStep) Kind() string {
	var kinds []string
	if s.Ingest != nil {
		kinds = append(kinds, StepIngest)
	}
	if s.Req != nil {
		kinds = append(kinds, StepReq)
	}
	if s.Count != nil {
		kinds = append(kinds, StepCount)
	}
	if s.Rotate != nil {
		kinds = append(kinds, StepRotate)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.Backfill {
		kinds = append(kinds, StepBackfill)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Filters decodes the step's req or count filters.
func (s *FlowStep) Filters() (nostr.Filters, error) {
	raw := s.Req
	if raw == nil {
		raw = s.Count
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return nostr.ParseFilters(data)
}

// ExpectClause is checked against the step's outcome. Unset fields are
// not checked.
type ExpectClause struct {
	Accepted *bool  `yaml:"accepted,omitempty"`
	Replaced string `yaml:"replaced,omitempty"`
	// Reason must prefix the OK message.
	Reason string `yaml:"reason,omitempty"`
	// IDs is the exact result order of a req.
	IDs     []string `yaml:"ids,omitempty"`
	Count   *int64   `yaml:"count,omitempty"`
	Capsule string   `yaml:"capsule,omitempty"`
	Events  *int     `yaml:"events,omitempty"`
	Failed  bool     `yaml:"failed,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	Type  string   `yaml:"type"`
	IDs   []string `yaml:"ids,omitempty"`
	Count int      `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertBufferIDs      = "buffer_ids"
	AssertCapsuleCount   = "capsule_count"
	AssertCatalogHas     = "catalog_has"
	AssertCatalogMissing = "catalog_missing"
	AssertNotified       = "notified"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

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

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, c := range s.Capsules {
		if c.Name == "" {
			return fmt.Errorf("capsules[%d]: name is required", i)
		}
	}

	for i := range s.Flow {
		step := &s.Flow[i]
		kind := step.Kind()
		if kind == "" {
			return fmt.Errorf("flow[%d]: exactly one action is required", i)
		}
		switch kind {
		case StepIngest:
			if step.Ingest.ID == "" {
				return fmt.Errorf("flow[%d]: ingest id is required", i)
			}
		case StepReq, StepCount:
			if _, err := step.Filters(); err != nil {
				return fmt.Errorf("flow[%d]: invalid filters: %w", i, err)
			}
		case StepAdvance:
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("flow[%d]: invalid advance: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertBufferIDs, AssertNotified:
	case AssertCapsuleCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertCatalogHas, AssertCatalogMissing:
		if len(a.IDs) == 0 {
			return fmt.Errorf("assertions[%d]: ids are required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
