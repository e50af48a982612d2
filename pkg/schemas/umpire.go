package schemas

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UmpireConfig represents the top-level Umpire configuration document.
type UmpireConfig struct {
	Services       map[string]ServiceConfig `yaml:"services" json:"services"`
	Bundles        []Bundle                 `yaml:"bundles" json:"bundles"`
	Rulesets       []Ruleset                `yaml:"rulesets,omitempty" json:"rulesets,omitempty"`
	ActiveBundleID string                   `yaml:"active_bundle_id" json:"active_bundle_id"`
}

// ServiceConfig holds the settings of one managed service. Its contents are
// interpreted by the service itself.
type ServiceConfig map[string]any

// Active reports whether the service should run. Services are active unless
// they set `active: false`.
func (s ServiceConfig) Active() bool {
	v, ok := s["active"].(bool)
	return !ok || v
}

// Bundle is an immutable set of payloads served to devices.
type Bundle struct {
	ID       string `yaml:"id" json:"id"`
	Note     string `yaml:"note" json:"note"`
	Payloads string `yaml:"payloads" json:"payloads"`
}

// Ruleset routes devices to a bundle. Rulesets are evaluated in document
// order and the first match wins.
type Ruleset struct {
	BundleID     string                 `yaml:"bundle_id" json:"bundle_id"`
	Note         string                 `yaml:"note,omitempty" json:"note,omitempty"`
	Active       bool                   `yaml:"active" json:"active"`
	Match        map[string]MatchValues `yaml:"match,omitempty" json:"match,omitempty"`
	EnableUpdate map[string][]*string   `yaml:"enable_update,omitempty" json:"enable_update,omitempty"`
}

// MatchValues is the list of expected values for one matcher. A single scalar
// is accepted as a one-element list. Numbers keep their literal text.
type MatchValues []string

func (m *MatchValues) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*m = MatchValues{value.Value}
	case yaml.SequenceNode:
		out := make(MatchValues, 0, len(value.Content))
		for _, n := range value.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: matcher value must be a scalar", n.Line)
			}
			out = append(out, n.Value)
		}
		*m = out
	default:
		return fmt.Errorf("line %d: matcher must be a scalar or a list", value.Line)
	}
	return nil
}

// FindBundle returns the bundle with the given id.
func (c *UmpireConfig) FindBundle(id string) (*Bundle, bool) {
	for i := range c.Bundles {
		if c.Bundles[i].ID == id {
			return &c.Bundles[i], true
		}
	}
	return nil, false
}

// ActiveRulesets returns the rulesets with active set, in document order.
func (c *UmpireConfig) ActiveRulesets() []Ruleset {
	var out []Ruleset
	for _, r := range c.Rulesets {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// ServedBundleIDs returns the active bundle id followed by every bundle id
// referenced by an active ruleset, without duplicates.
func (c *UmpireConfig) ServedBundleIDs() []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(c.ActiveBundleID)
	for _, r := range c.ActiveRulesets() {
		add(r.BundleID)
	}
	return ids
}
