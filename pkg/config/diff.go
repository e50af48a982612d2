package config

import (
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

// DiffRulesets describes the active rulesets added and removed between two
// configs. Either config may be nil.
func DiffRulesets(original, updated *schemas.UmpireConfig) []string {
	var before, after []schemas.Ruleset
	if original != nil {
		before = original.ActiveRulesets()
	}
	if updated != nil {
		after = updated.ActiveRulesets()
	}

	var out []string
	if added := subtract(after, before); len(added) > 0 {
		out = append(out, "Newly added rulesets:")
		out = append(out, dumpRulesets(added)...)
	}
	if deleted := subtract(before, after); len(deleted) > 0 {
		out = append(out, "Deleted rulesets:")
		out = append(out, dumpRulesets(deleted)...)
	}
	return out
}

func subtract(a, b []schemas.Ruleset) []schemas.Ruleset {
	var out []schemas.Ruleset
outer:
	for _, r := range a {
		for _, o := range b {
			if reflect.DeepEqual(r, o) {
				continue outer
			}
		}
		out = append(out, r)
	}
	return out
}

func dumpRulesets(rulesets []schemas.Ruleset) []string {
	var lines []string
	for _, r := range rulesets {
		data, err := yaml.Marshal(r)
		if err != nil {
			lines = append(lines, "  bundle_id: "+r.BundleID)
			continue
		}
		for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			lines = append(lines, "  "+l)
		}
	}
	return lines
}
