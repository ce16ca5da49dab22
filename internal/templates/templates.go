package templates

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"caseline/internal/domain"
)

// ErrNotFound is returned when no template exists for a case type.
var ErrNotFound = errors.New("case type not found")

// Catalog models the phase-template configuration (caseline templates YAML).
type Catalog struct {
	CaseTypes []CaseTypeTemplate `yaml:"case_types" json:"case_types"`
}

// CaseTypeTemplate is the ordered phase sequence governing one case type.
type CaseTypeTemplate struct {
	CaseType string                   `yaml:"case_type" json:"case_type"`
	Phases   []domain.PhaseDefinition `yaml:"phases" json:"phases"`
}

// Validate ensures the catalog meets the required structure: unique case
// types, and per template strictly increasing contiguous orders starting at 1.
func (c *Catalog) Validate() error {
	if len(c.CaseTypes) == 0 {
		return fmt.Errorf("catalog.case_types is required")
	}
	seen := map[string]bool{}
	for _, t := range c.CaseTypes {
		if t.CaseType == "" {
			return fmt.Errorf("catalog contains empty case_type")
		}
		if seen[t.CaseType] {
			return fmt.Errorf("duplicate case_type %s", t.CaseType)
		}
		seen[t.CaseType] = true
		if len(t.Phases) == 0 {
			return fmt.Errorf("case_type %s has no phases", t.CaseType)
		}
		for i, p := range t.Phases {
			if p.Order != i+1 {
				return fmt.Errorf("case_type %s: phase order must be contiguous from 1, got %d at position %d", t.CaseType, p.Order, i+1)
			}
			if p.Name == "" {
				return fmt.Errorf("case_type %s: phase %d has empty name", t.CaseType, p.Order)
			}
			if p.ExpectedDurationDays != nil && *p.ExpectedDurationDays <= 0 {
				return fmt.Errorf("case_type %s: phase %d expected_duration_days must be positive", t.CaseType, p.Order)
			}
		}
	}
	return nil
}

// FromYAML parses and validates a catalog from raw YAML bytes.
func FromYAML(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromFile reads a YAML catalog from the given path.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the catalog for export.
func (c *Catalog) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := FromYAML([]byte(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("default catalog invalid: %v", err))
	}
	return c
}

const defaultCatalog = `case_types:
  - case_type: personal_injury
    phases:
      - order: 1
        name: Intake
        expected_duration_days: 14
      - order: 2
        name: Treatment
        expected_duration_days: 90
      - order: 3
        name: Demand
        expected_duration_days: 30
      - order: 4
        name: Negotiation
        expected_duration_days: 45
      - order: 5
        name: Settlement
        expected_duration_days: 30
      - order: 6
        name: Closed

  - case_type: litigation
    phases:
      - order: 1
        name: Pleadings
        expected_duration_days: 60
      - order: 2
        name: Discovery
        expected_duration_days: 120
      - order: 3
        name: Motions
        expected_duration_days: 60
      - order: 4
        name: Trial
        expected_duration_days: 30
      - order: 5
        name: Resolution
`
