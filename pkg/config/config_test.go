package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/primaryrutabaga/umpire/pkg/resource"
	"github.com/primaryrutabaga/umpire/pkg/schemas"
)

const validConfig = `
services:
  umpire_http: {}
  rsync:
    active: false
bundles:
  - id: default
    note: factory bundle
    payloads: payload.abc.json
  - id: smt
    note: smt only
    payloads: payload.def.json
rulesets:
  - bundle_id: smt
    note: SMT devices
    active: true
    match:
      stage: SMT
      sn_range: ['-', 'SN100']
    enable_update:
      device_factory_toolkit: [null, FATP]
  - bundle_id: default
    active: true
active_bundle_id: default
`

// ---------------------------------------------------------------------------
// Parse tests
// ---------------------------------------------------------------------------

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Bundles) != 2 || len(cfg.Rulesets) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Services["rsync"].Active() {
		t.Error("rsync should be inactive")
	}
	r := cfg.Rulesets[0]
	if got := r.Match["sn_range"]; len(got) != 2 || got[0] != "-" || got[1] != "SN100" {
		t.Errorf("sn_range = %v", got)
	}
	if got := r.Match["stage"]; len(got) != 1 || got[0] != "SMT" {
		t.Errorf("stage = %v", got)
	}
	upd := r.EnableUpdate["device_factory_toolkit"]
	if len(upd) != 2 || upd[0] != nil || upd[1] == nil || *upd[1] != "FATP" {
		t.Errorf("enable_update = %v", upd)
	}
	b, err := ActiveBundle(cfg)
	if err != nil || b.ID != "default" {
		t.Errorf("ActiveBundle = %v, %v", b, err)
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"services": {}, "bundles": [{"id": "a", "note": "", "payloads": "p"}], "active_bundle_id": "a"}`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("Parse JSON: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	const bundles = `
bundles:
  - id: a
    note: ''
    payloads: p
`
	testCases := []struct {
		name       string
		doc        string
		wantSchema bool
		wantErr    error
	}{
		{"invalid yaml", "services: [", true, nil},
		{"empty document", "", true, nil},
		{"unknown top-level key", "services: {}\nextra: 1\nactive_bundle_id: a" + bundles, true, nil},
		{"missing services", "active_bundle_id: a" + bundles, true, nil},
		{"missing active bundle id", "services: {}" + bundles, true, nil},
		{
			name:       "bundle missing note",
			doc:        "services: {}\nactive_bundle_id: a\nbundles:\n  - id: a\n    payloads: p\n",
			wantSchema: true,
		},
		{
			name:       "bundle with extra key",
			doc:        "services: {}\nactive_bundle_id: a\nbundles:\n  - {id: a, note: '', payloads: p, extra: 1}\n",
			wantSchema: true,
		},
		{
			name:       "duplicate bundle id",
			doc:        "services: {}\nactive_bundle_id: a" + bundles + "  - id: a\n    note: ''\n    payloads: q\n",
			wantSchema: true,
		},
		{
			name:       "ruleset with unknown bundle",
			doc:        "services: {}\nactive_bundle_id: a" + bundles + "rulesets:\n  - {bundle_id: zzz, active: true}\n",
			wantSchema: true,
		},
		{
			name:       "ruleset active not bool",
			doc:        "services: {}\nactive_bundle_id: a" + bundles + "rulesets:\n  - {bundle_id: a, active: maybe}\n",
			wantSchema: true,
		},
		{
			name:    "active bundle not found",
			doc:     "services: {}\nactive_bundle_id: b" + bundles,
			wantErr: ErrMissingActiveBundle,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			var se *SchemaError
			if got := errors.As(err, &se); got != tc.wantSchema {
				t.Errorf("SchemaError = %v, want %v (err: %v)", got, tc.wantSchema, err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "umpire.yaml")
	if err := os.WriteFile(path, []byte(validConfig), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v", err)
	}
}

// ---------------------------------------------------------------------------
// ValidateResources tests
// ---------------------------------------------------------------------------

func putString(t *testing.T, s *resource.FileStore, body string, typ resource.Type) resource.Key {
	t.Helper()
	k, err := s.Put(context.Background(), strings.NewReader(body), typ)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return k
}

func TestValidateResources(t *testing.T) {
	store, err := resource.NewFileStore(t.TempDir(), resource.MD5)
	if err != nil {
		t.Fatal(err)
	}
	toolkit := putString(t, store, "toolkit", resource.TypePayload)
	complete := putString(t, store, `{"toolkit": {"version": "1.0", "file": "`+string(toolkit)+`"}}`, resource.TypePayloadConfig)
	partial := putString(t, store,
		`{"toolkit": {"version": "1.0", "file": "`+string(toolkit)+`"},
		  "release_image": {"version": "2", "part1": "deadbeef", "part2": "`+string(toolkit)+`", "crx_cache": "ignored"},
		  "firmware": {"file": "cafe"}}`,
		resource.TypePayloadConfig)

	testCases := []struct {
		name        string
		cfg         *schemas.UmpireConfig
		wantMissing []string
	}{
		{
			name: "all present",
			cfg: &schemas.UmpireConfig{
				Bundles:        []schemas.Bundle{{ID: "a", Payloads: string(complete)}},
				ActiveBundleID: "a",
			},
		},
		{
			name: "every miss reported",
			cfg: &schemas.UmpireConfig{
				Bundles:        []schemas.Bundle{{ID: "a", Payloads: string(partial)}},
				ActiveBundleID: "a",
			},
			wantMissing: []string{
				`[NOT FOUND] resource firmware:file:"cafe" for bundle "a"`,
				`[NOT FOUND] resource release_image:part1:"deadbeef" for bundle "a"`,
			},
		},
		{
			name: "missing descriptor",
			cfg: &schemas.UmpireConfig{
				Bundles:        []schemas.Bundle{{ID: "a", Payloads: "payload.nothere.json"}},
				ActiveBundleID: "a",
			},
			wantMissing: []string{`[NOT FOUND] resource payload_config:payloads:"payload.nothere.json" for bundle "a"`},
		},
		{
			name: "inactive ruleset bundles not checked",
			cfg: &schemas.UmpireConfig{
				Bundles: []schemas.Bundle{
					{ID: "a", Payloads: string(complete)},
					{ID: "b", Payloads: "payload.nothere.json"},
				},
				Rulesets:       []schemas.Ruleset{{BundleID: "b", Active: false}},
				ActiveBundleID: "a",
			},
		},
		{
			name: "active ruleset bundles checked",
			cfg: &schemas.UmpireConfig{
				Bundles: []schemas.Bundle{
					{ID: "a", Payloads: string(complete)},
					{ID: "b", Payloads: "payload.nothere.json"},
				},
				Rulesets:       []schemas.Ruleset{{BundleID: "b", Active: true}},
				ActiveBundleID: "a",
			},
			wantMissing: []string{`[NOT FOUND] resource payload_config:payloads:"payload.nothere.json" for bundle "b"`},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateResources(tc.cfg, store)
			if len(tc.wantMissing) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var me *MissingResourcesError
			if !errors.As(err, &me) {
				t.Fatalf("expected MissingResourcesError, got %v", err)
			}
			if len(me.Missing) != len(tc.wantMissing) {
				t.Fatalf("missing = %v, want %v", me.Missing, tc.wantMissing)
			}
			for i, want := range tc.wantMissing {
				if got := me.Missing[i].String(); got != want {
					t.Errorf("entry %d = %s, want %s", i, got, want)
				}
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error text lacks %s", want)
				}
			}
		})
	}
}

func TestValidateResourcesMalformedDescriptor(t *testing.T) {
	store, err := resource.NewFileStore(t.TempDir(), resource.MD5)
	if err != nil {
		t.Fatal(err)
	}
	broken := putString(t, store, `{"toolkit": "not an object"`, resource.TypePayloadConfig)
	cfg := &schemas.UmpireConfig{
		Bundles:        []schemas.Bundle{{ID: "a", Payloads: string(broken)}},
		ActiveBundleID: "a",
	}

	err = ValidateResources(cfg, store)
	if err == nil {
		t.Fatal("expected error for malformed descriptor")
	}
	var me *MissingResourcesError
	if errors.As(err, &me) {
		t.Fatalf("malformed descriptor reported as missing: %v", err)
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if !strings.Contains(err.Error(), "decode payloads "+string(broken)) || !strings.Contains(err.Error(), `bundle "a"`) {
		t.Errorf("error lacks cause: %v", err)
	}
}

func TestIsResourcePart(t *testing.T) {
	for part, want := range map[string]bool{
		"file": true, "part0": true, "part12": true,
		"version": false, "part": false, "partx": false, "crx_cache": false,
	} {
		if got := IsResourcePart(part); got != want {
			t.Errorf("IsResourcePart(%q) = %v, want %v", part, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// DiffRulesets tests
// ---------------------------------------------------------------------------

func TestDiffRulesets(t *testing.T) {
	a := schemas.Ruleset{BundleID: "a", Active: true}
	b := schemas.Ruleset{BundleID: "b", Active: true, Match: map[string]schemas.MatchValues{"sn": {"S1"}}}
	off := schemas.Ruleset{BundleID: "c", Active: false}

	original := &schemas.UmpireConfig{Rulesets: []schemas.Ruleset{a, off}}
	updated := &schemas.UmpireConfig{Rulesets: []schemas.Ruleset{b, off}}

	got := strings.Join(DiffRulesets(original, updated), "\n")
	addedAt := strings.Index(got, "Newly added rulesets:")
	deletedAt := strings.Index(got, "Deleted rulesets:")
	if addedAt < 0 || deletedAt < addedAt {
		t.Fatalf("unexpected diff:\n%s", got)
	}
	if !strings.Contains(got[addedAt:deletedAt], "bundle_id: b") {
		t.Errorf("added section lacks ruleset b:\n%s", got)
	}
	if !strings.Contains(got[deletedAt:], "bundle_id: a") {
		t.Errorf("deleted section lacks ruleset a:\n%s", got)
	}
	if strings.Contains(got, "bundle_id: c") {
		t.Errorf("inactive ruleset listed:\n%s", got)
	}

	if diff := DiffRulesets(updated, updated); len(diff) != 0 {
		t.Errorf("identical configs diff = %v", diff)
	}
	if diff := DiffRulesets(nil, updated); len(diff) == 0 || diff[0] != "Newly added rulesets:" {
		t.Errorf("diff from nil = %v", diff)
	}
}
