package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/primaryrutabaga/umpire/pkg/resource"
	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

// ResourceReader resolves resource keys to files.
type ResourceReader interface {
	Get(key resource.Key) (string, error)
}

// PayloadDescriptor maps a payload type (toolkit, firmware, ...) to its
// parts. Parts named file or partN hold resource keys.
type PayloadDescriptor map[string]map[string]any

var partPattern = regexp.MustCompile(`^part\d+$`)

// IsResourcePart reports whether a descriptor part holds a resource key.
func IsResourcePart(part string) bool {
	return part == "file" || partPattern.MatchString(part)
}

// MissingResource is one resource referenced by a served bundle but absent
// from the store.
type MissingResource struct {
	BundleID string
	Type     string
	Part     string
	Key      string
}

func (m MissingResource) String() string {
	return fmt.Sprintf("[NOT FOUND] resource %s:%s:%q for bundle %q", m.Type, m.Part, m.Key, m.BundleID)
}

// MissingResourcesError lists every missing resource found by
// ValidateResources.
type MissingResourcesError struct {
	Missing []MissingResource
}

func (e *MissingResourcesError) Error() string {
	lines := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		lines[i] = m.String()
	}
	return "missing resources:\n" + strings.Join(lines, "\n")
}

// LoadPayloads reads a payload descriptor from the store.
func LoadPayloads(store ResourceReader, key resource.Key) (PayloadDescriptor, error) {
	path, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payloads %s: %w", key, err)
	}
	var desc PayloadDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, &SchemaError{Err: fmt.Errorf("decode payloads %s: %w", key, err)}
	}
	return desc, nil
}

// ValidateResources checks that every resource used by the active bundle and
// by bundles of active rulesets is present in the store. All misses are
// reported together.
func ValidateResources(cfg *schemas.UmpireConfig, store ResourceReader) error {
	var missing []MissingResource
	for _, id := range cfg.ServedBundleIDs() {
		b, ok := cfg.FindBundle(id)
		if !ok {
			continue
		}
		desc, err := LoadPayloads(store, resource.Key(b.Payloads))
		if err != nil && !errors.Is(err, resource.ErrNotFound) {
			return fmt.Errorf("bundle %q: %w", b.ID, err)
		}
		if err != nil {
			missing = append(missing, MissingResource{
				BundleID: b.ID,
				Type:     resource.TypePayloadConfig.Name,
				Part:     "payloads",
				Key:      b.Payloads,
			})
			continue
		}

		for _, typ := range sortedKeys(desc) {
			parts := desc[typ]
			for _, part := range sortedKeys(parts) {
				if !IsResourcePart(part) {
					continue
				}
				key, _ := parts[part].(string)
				if _, err := store.Get(resource.Key(key)); err != nil {
					missing = append(missing, MissingResource{BundleID: b.ID, Type: typ, Part: part, Key: key})
				}
			}
		}
	}
	if len(missing) > 0 {
		return &MissingResourcesError{Missing: missing}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
