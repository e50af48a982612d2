package selector

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DUTHeader is the HTTP header devices use to describe themselves.
const DUTHeader = "X-Umpire-DUT"

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// ParseDUTHeader parses "k1=v1; k2=v2" into a DUTInfo. Keys are lowercase
// tokens with optional dotted suffixes such as mac.eth0.
func ParseDUTHeader(header string) (DUTInfo, error) {
	info := DUTInfo{}
	for _, field := range strings.Split(header, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("malformed DUT field %q", field)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !keyPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid DUT key %q", key)
		}
		if _, dup := info[key]; dup {
			return nil, fmt.Errorf("duplicate DUT key %q", key)
		}
		info[key] = value
	}
	return info, nil
}

// String formats the info back into header form with sorted keys.
func (d DUTInfo) String() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + d[k]
	}
	return strings.Join(parts, "; ")
}
