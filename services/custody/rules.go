package custody

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is a single (event type, location) requirement of a rule.
type Step struct {
	EventType EventType `yaml:"event"`
	Location  Location  `yaml:"location"`
}

// Rule describes the contiguous event sequence that moves an asset out of a
// status. Target overrides NextStatus for the transition when set.
type Rule struct {
	Transition Transition `yaml:"transition"`
	Target     Status     `yaml:"target,omitempty"`
	Steps      []Step     `yaml:"sequence"`
}

// NextStatus returns the status an asset enters when the rule fires.
func (r Rule) NextStatus() Status {
	if r.Target != "" {
		return r.Target
	}
	return NextStatus[r.Transition]
}

// RuleTable maps a source status to its rules in evaluation order. It is
// read-only once built.
type RuleTable map[Status][]Rule

// DefaultRules returns the built-in custody lifecycle.
func DefaultRules() RuleTable {
	return RuleTable{
		StatusInVault: {
			{
				Transition: TransitionVaultExit,
				Steps: []Step{
					{EventCustodianAuthSuccess, LocationVault},
					{EventAssetScan, LocationTransferZone},
				},
			},
		},
		StatusInTransitOut: {
			{
				Transition: TransitionCustodyTransfer,
				Steps: []Step{
					{EventWeightPlateStable, LocationTransferZone},
					{EventCustodianAuthSuccess, LocationAntechamber},
					{EventShowcaseSecured, LocationAntechamber},
				},
			},
		},
		StatusInViewing: {
			{
				Transition: TransitionCustodyTransfer,
				Target:     StatusInTransitIn,
				Steps: []Step{
					{EventShowcaseOpened, LocationAntechamber},
					{EventCustodianAuthSuccess, LocationAntechamber},
				},
			},
		},
		StatusInTransitIn: {
			{
				Transition: TransitionVaultReturn,
				Steps: []Step{
					{EventWeightPlateStable, LocationTransferZone},
					{EventAssetScan, LocationVault},
					{EventCustodianAuthSuccess, LocationVault},
				},
			},
		},
	}
}

// Validate checks every status, transition, event type, and location in the
// table against the known vocabularies.
func (rt RuleTable) Validate() error {
	var errs []error
	for status, rules := range rt {
		if !status.Valid() {
			errs = append(errs, fmt.Errorf("unknown source status %q", status))
		}
		for i, rule := range rules {
			prefix := fmt.Sprintf("%s rule %d", status, i)
			if !rule.Transition.Valid() {
				errs = append(errs, fmt.Errorf("%s: unknown transition %q", prefix, rule.Transition))
			}
			if rule.Target != "" && !rule.Target.Valid() {
				errs = append(errs, fmt.Errorf("%s: unknown target status %q", prefix, rule.Target))
			}
			for j, step := range rule.Steps {
				if !step.EventType.Valid() {
					errs = append(errs, fmt.Errorf("%s step %d: unknown event type %q", prefix, j, step.EventType))
				}
				if !step.Location.Valid() {
					errs = append(errs, fmt.Errorf("%s step %d: unknown location %q", prefix, j, step.Location))
				}
			}
		}
	}
	return errors.Join(errs...)
}

type rulesFile struct {
	Rules map[Status][]Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule table and validates it.
func ParseRules(data []byte) (RuleTable, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file rulesFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, errors.New("rules file defines no rules")
	}

	table := RuleTable(file.Rules)
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadRules returns the rule table at path, or DefaultRules when path is empty.
func LoadRules(path string) (RuleTable, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}
