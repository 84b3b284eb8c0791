package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedAPIVersions constrains the bootstrap file's apiVersion.
const SupportedAPIVersions = "^1"

// Bootstrap declares wallets to create at startup and optional execution
// guard rules applied to every wallet.
type Bootstrap struct {
	APIVersion string          `yaml:"apiVersion" json:"apiVersion"`
	Wallets    []WalletSpec    `yaml:"wallets" json:"wallets"`
	Guard      []GuardRuleSpec `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// WalletSpec is one declared wallet. ID makes bootstrapping idempotent: a
// wallet whose id already exists is left alone.
type WalletSpec struct {
	ID        string   `yaml:"id" json:"id"`
	Owners    []string `yaml:"owners" json:"owners"`
	Threshold int      `yaml:"threshold" json:"threshold"`
}

// GuardRuleSpec is a named CEL expression.
type GuardRuleSpec struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

//go:embed bootstrap.schema.json
var bootstrapSchemaJSON string

const bootstrapSchemaURL = "https://quorum.schemas.local/bootstrap.schema.json"

var bootstrapSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(bootstrapSchemaURL, bytes.NewReader([]byte(bootstrapSchemaJSON))); err != nil {
		return nil, fmt.Errorf("bootstrap schema load failed: %w", err)
	}
	return c.Compile(bootstrapSchemaURL)
})

// validateShape checks the decoded document against the embedded JSON
// schema. YAML values go through JSON so numbers carry JSON types.
func validateShape(doc any) error {
	schema, err := bootstrapSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse bootstrap: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse bootstrap: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: bootstrap: %v", ErrInvalid, err)
	}
	return nil
}

// LoadBootstrap reads and checks a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load bootstrap %q: %w", path, err)
	}
	return ParseBootstrap(data)
}

// ParseBootstrap decodes and checks a bootstrap document.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bootstrap: %w", err)
	}
	if err := validateShape(doc); err != nil {
		return nil, err
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap: %w", err)
	}

	v, err := semver.NewVersion(b.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: bootstrap apiVersion %q: %w", ErrInvalid, b.APIVersion, err)
	}
	constraint, err := semver.NewConstraint(SupportedAPIVersions)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("%w: bootstrap apiVersion %s not in %s", ErrInvalid, v, SupportedAPIVersions)
	}

	seen := make(map[string]bool, len(b.Wallets))
	for i, w := range b.Wallets {
		if w.ID == "" {
			return nil, fmt.Errorf("%w: wallet %d has no id", ErrInvalid, i)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("%w: duplicate wallet id %q", ErrInvalid, w.ID)
		}
		seen[w.ID] = true
	}
	for i, r := range b.Guard {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("%w: guard rule %d needs name and expr", ErrInvalid, i)
		}
	}
	return &b, nil
}
