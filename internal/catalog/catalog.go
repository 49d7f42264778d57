// Package catalog loads the immutable slot catalog that drives questioning:
// which slots exist per context, in what order, at which level, and what an
// acceptable answer looks like.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/berth-dev/trivium/prompts"
)

// Level is one of the three questioning levels.
type Level string

const (
	Grammar  Level = "grammar"
	Logic    Level = "logic"
	Rhetoric Level = "rhetoric"
)

// Levels lists the levels in fallback order.
var Levels = []Level{Grammar, Logic, Rhetoric}

// DefineTermSlot is the pseudo slot asked when a candidate term is pending.
const DefineTermSlot = "define_term"

// ErrInvalid is wrapped by every catalog validation failure.
var ErrInvalid = errors.New("invalid catalog")

// Rule describes what an answer must look like to be accepted for a slot.
type Rule struct {
	// Any accepts every non-empty answer.
	Any bool `yaml:"any"`
	// Free-text thresholds.
	MinWords int `yaml:"min_words"`
	MinChars int `yaml:"min_chars"`
	// List thresholds. Definitions accepts items containing ":" or with at
	// least three words.
	MinItems     int  `yaml:"min_items"`
	ItemMinWords int  `yaml:"item_min_words"`
	ItemMinChars int  `yaml:"item_min_chars"`
	Definitions  bool `yaml:"definitions"`
}

// Slot is a named piece of information the engine tries to capture.
type Slot struct {
	Name     string   `yaml:"name"`
	Level    Level    `yaml:"level"`
	List     bool     `yaml:"list"`
	Question string   `yaml:"question"`
	Followup string   `yaml:"followup"`
	Choices  []string `yaml:"choices"`
	Rule     Rule     `yaml:"rule"`
}

// DefineTerm configures the pseudo slot used to pin down pending terms.
// Accepted definitions are merged into the Target list slot.
type DefineTerm struct {
	Target   string `yaml:"target"`
	Level    Level  `yaml:"level"`
	Question string `yaml:"question"`
	Rule     Rule   `yaml:"rule"`
}

// ContextSpec is the slot layout of one context type.
type ContextSpec struct {
	Name       string   `yaml:"-"`
	Required   []string `yaml:"required"`
	Refinement string   `yaml:"refinement"`
	Slots      []Slot   `yaml:"slots"`

	index map[string]int
}

// Catalog is the full, validated slot catalog. It is read-only after Load.
type Catalog struct {
	Version          int                     `yaml:"version"`
	DefineTerm       DefineTerm              `yaml:"define_term"`
	FallbackQuestion string                  `yaml:"fallback_question"`
	DefaultChoices   []string                `yaml:"default_choices"`
	Contexts         map[string]*ContextSpec `yaml:"contexts"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog, parsed once per process.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Load(prompts.CatalogYAML)
	})
	return defaultCat, defaultErr
}

// LoadFile reads and validates a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Load(data)
}

// Load parses and validates a YAML catalog.
func Load(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) validate() error {
	if len(c.Contexts) == 0 {
		return fmt.Errorf("%w: no contexts", ErrInvalid)
	}
	if c.DefineTerm.Target == "" || !validLevel(c.DefineTerm.Level) {
		return fmt.Errorf("%w: define_term needs a target and a level", ErrInvalid)
	}
	if !strings.Contains(c.DefineTerm.Question, "%s") {
		return fmt.Errorf("%w: define_term question must contain %%s", ErrInvalid)
	}
	if len(c.DefaultChoices) == 0 {
		return fmt.Errorf("%w: default_choices is empty", ErrInvalid)
	}

	for name, spec := range c.Contexts {
		if spec == nil {
			return fmt.Errorf("%w: context %q is empty", ErrInvalid, name)
		}
		spec.Name = name
		spec.index = make(map[string]int, len(spec.Slots))
		for i, slot := range spec.Slots {
			if slot.Name == "" {
				return fmt.Errorf("%w: context %q slot %d has no name", ErrInvalid, name, i)
			}
			if slot.Name == DefineTermSlot {
				return fmt.Errorf("%w: context %q redefines %s", ErrInvalid, name, DefineTermSlot)
			}
			if _, dup := spec.index[slot.Name]; dup {
				return fmt.Errorf("%w: context %q has duplicate slot %q", ErrInvalid, name, slot.Name)
			}
			if !validLevel(slot.Level) {
				return fmt.Errorf("%w: slot %q has unknown level %q", ErrInvalid, slot.Name, slot.Level)
			}
			if slot.Question == "" {
				return fmt.Errorf("%w: slot %q has no question", ErrInvalid, slot.Name)
			}
			spec.index[slot.Name] = i
		}
		for _, req := range spec.Required {
			if _, ok := spec.index[req]; !ok {
				return fmt.Errorf("%w: context %q requires unknown slot %q", ErrInvalid, name, req)
			}
		}
		if _, ok := spec.index[spec.Refinement]; !ok {
			return fmt.Errorf("%w: context %q has unknown refinement slot %q", ErrInvalid, name, spec.Refinement)
		}
	}
	return nil
}

func validLevel(l Level) bool {
	return l == Grammar || l == Logic || l == Rhetoric
}

// Context returns the spec for a context type.
func (c *Catalog) Context(name string) (*ContextSpec, bool) {
	spec, ok := c.Contexts[name]
	return spec, ok
}

// LevelOf reports the level a slot counts toward in the given context.
// The define-term target counts at the define-term level even in contexts
// that do not declare it.
func (c *Catalog) LevelOf(context, slot string) (Level, bool) {
	if spec, ok := c.Contexts[context]; ok {
		if s, ok := spec.Slot(slot); ok {
			return s.Level, true
		}
	}
	if slot == DefineTermSlot || slot == c.DefineTerm.Target {
		return c.DefineTerm.Level, true
	}
	return "", false
}

// IsList reports whether a slot accumulates a list of items.
func (c *Catalog) IsList(context, slot string) bool {
	if slot == c.DefineTerm.Target {
		return true
	}
	if spec, ok := c.Contexts[context]; ok {
		if s, ok := spec.Slot(slot); ok {
			return s.List
		}
	}
	return false
}

// ChoicesFor returns the constrained-choice framings for a slot.
func (c *Catalog) ChoicesFor(context, slot string) []string {
	if spec, ok := c.Contexts[context]; ok {
		if s, ok := spec.Slot(slot); ok && len(s.Choices) > 0 {
			return s.Choices
		}
	}
	return c.DefaultChoices
}

// Slot looks up a slot by name.
func (s *ContextSpec) Slot(name string) (Slot, bool) {
	i, ok := s.index[name]
	if !ok {
		return Slot{}, false
	}
	return s.Slots[i], true
}

// Order returns the slots of one level in catalog order.
func (s *ContextSpec) Order(level Level) []Slot {
	var out []Slot
	for _, slot := range s.Slots {
		if slot.Level == level {
			out = append(out, slot)
		}
	}
	return out
}
