package resource

import (
	"fmt"
	"strings"
)

// Type describes a class of resource and how its file name is built.
// Config-class types carry a fixed prefix and suffix around the hash;
// payload-class resources are named by hash alone.
type Type struct {
	Name   string
	Prefix string
	Suffix string
}

var (
	TypeUmpireConfig  = Type{Name: "umpire_config", Prefix: "umpire", Suffix: "yaml"}
	TypePayloadConfig = Type{Name: "payload_config", Prefix: "payload", Suffix: "json"}
	TypePayload       = Type{Name: "payload"}
)

// IsConfig reports whether resources of this type are config-class.
func (t Type) IsConfig() bool { return t.Prefix != "" }

// KeyFor builds the resource key for content with the given hex hash.
func (t Type) KeyFor(hash string) Key {
	if !t.IsConfig() {
		return Key(hash)
	}
	return Key(t.Prefix + "." + hash + "." + t.Suffix)
}

// TypeByName looks up a resource type by its name.
func TypeByName(name string) (Type, bool) {
	for _, t := range []Type{TypeUmpireConfig, TypePayloadConfig, TypePayload} {
		if t.Name == name {
			return t, true
		}
	}
	return Type{}, false
}

// Key is the file name of a resource in the store.
type Key string

// Hash returns the content hash embedded in the key.
func (k Key) Hash() string {
	parts := strings.Split(string(k), ".")
	if len(parts) == 3 {
		return parts[1]
	}
	return string(k)
}

// Validate rejects keys that could address anything outside the store.
func (k Key) Validate() error {
	s := string(k)
	if s == "" {
		return fmt.Errorf("empty resource key")
	}
	if strings.ContainsAny(s, `/\`) || s == "." || s == ".." || strings.HasPrefix(s, ".") {
		return fmt.Errorf("invalid resource key %q", s)
	}
	parts := strings.Split(s, ".")
	if len(parts) != 1 && len(parts) != 3 {
		return fmt.Errorf("invalid resource key %q", s)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid resource key %q", s)
		}
	}
	return nil
}
