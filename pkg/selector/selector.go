// Package selector picks the ruleset and bundle that apply to a device.
package selector

import (
	"strconv"
	"strings"

	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

// DUTInfo is the device information reported in the X-Umpire-DUT header.
type DUTInfo map[string]string

// openBound marks an unbounded end of a range matcher.
const openBound = "-"

const rangeSuffix = "_range"

var (
	scalarMatchers = map[string]struct{}{"sn": {}, "mlb_sn": {}, "stage": {}}
	prefixMatchers = map[string]struct{}{"mac": {}}
)

// SelectRuleset returns the first active ruleset matching dut.
func SelectRuleset(cfg *schemas.UmpireConfig, dut DUTInfo) (*schemas.Ruleset, bool) {
	if cfg == nil {
		return nil, false
	}
	for i := range cfg.Rulesets {
		r := &cfg.Rulesets[i]
		if r.Active && matches(r.Match, dut) {
			return r, true
		}
	}
	return nil, false
}

// SelectBundle returns the bundle id of the first active ruleset matching dut.
func SelectBundle(cfg *schemas.UmpireConfig, dut DUTInfo) (string, bool) {
	r, ok := SelectRuleset(cfg, dut)
	if !ok {
		return "", false
	}
	return r.BundleID, true
}

func matches(match map[string]schemas.MatchValues, dut DUTInfo) bool {
	for name, values := range match {
		switch {
		case isScalar(name):
			v, ok := dut[name]
			if !ok || !contains(values, v) {
				return false
			}
		case isPrefix(name):
			if !matchPrefix(name, values, dut) {
				return false
			}
		case strings.HasSuffix(name, rangeSuffix):
			v, ok := dut[strings.TrimSuffix(name, rangeSuffix)]
			if !ok || !inRange(v, values) {
				return false
			}
		default:
			// Unknown matchers do not restrict the ruleset.
		}
	}
	return true
}

func isScalar(name string) bool {
	_, ok := scalarMatchers[name]
	return ok
}

func isPrefix(name string) bool {
	_, ok := prefixMatchers[name]
	return ok
}

func matchPrefix(prefix string, values schemas.MatchValues, dut DUTInfo) bool {
	for k, v := range dut {
		if strings.HasPrefix(k, prefix) && contains(values, v) {
			return true
		}
	}
	return false
}

func contains(values schemas.MatchValues, v string) bool {
	for _, want := range values {
		if want == v {
			return true
		}
	}
	return false
}

// inRange checks start <= v <= end. Bounds compare numerically when both
// sides parse as numbers and lexically otherwise.
func inRange(v string, bounds schemas.MatchValues) bool {
	if len(bounds) != 2 {
		return false
	}
	start, end := bounds[0], bounds[1]
	if start != openBound && compare(v, start) < 0 {
		return false
	}
	if end != openBound && compare(v, end) > 0 {
		return false
	}
	return true
}

func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
