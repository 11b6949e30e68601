// Package manifest parses and validates the YAML manifest document that
// declares one indexer: its namespace/identifier, schema and module
// locations, and streaming bounds.
package manifest

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/chain-indexer/internal/errkind"
)

// ModuleKind identifies the execution strategy for a registered module.
type ModuleKind string

const (
	// ModuleJS is loaded into the goja sandbox (the WASM-sandbox stand-in).
	ModuleJS ModuleKind = "js"
	// ModuleNative is a compiled-in Go handler, registered by name rather
	// than by uploaded bytes.
	ModuleNative ModuleKind = "native"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,62}$`)

// Module declares the module asset and how it should be executed.
type Module struct {
	Path string     `yaml:"path"`
	Kind ModuleKind `yaml:"kind"`
}

// Manifest is the declaration unit for one indexer.
type Manifest struct {
	Namespace      string   `yaml:"namespace"`
	Identifier     string   `yaml:"identifier"`
	GraphQLSchema  string   `yaml:"graphql_schema"`
	Module         Module   `yaml:"module"`
	StartBlock     *uint64  `yaml:"start_block"`
	EndBlock       *uint64  `yaml:"end_block"`
	Resumable      *bool    `yaml:"resumable"`
	ContractFilter []string `yaml:"contract_id"`
	FuelClient     string   `yaml:"fuel_client"`
	Metrics        *bool    `yaml:"metrics"`

	// SchemaText and ModuleBytes are populated from the uploaded multipart
	// assets rather than the YAML document itself; they are not part of the
	// manifest's on-disk representation.
	SchemaText  string `yaml:"-"`
	ModuleBytes []byte `yaml:"-"`
}

// UID is the globally unique "{namespace}.{identifier}" key.
func (m *Manifest) UID() string {
	return m.Namespace + "." + m.Identifier
}

// ReplaceIndexer controls whether Register may overwrite an existing uid.
// It is carried alongside the manifest rather than inside the YAML document,
// since it is a property of the registration call, not of the indexer.
type RegisterOptions struct {
	ReplaceIndexer bool
}

// Parse decodes a manifest document, rejecting unrecognized top-level keys.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errkind.Wrap(errkind.SchemaInvalid, "manifest is not valid YAML", err)
	}

	for key := range raw {
		if !recognizedKeys[key] {
			return nil, errkind.New(errkind.SchemaInvalid, fmt.Sprintf("unrecognized manifest key %q", key))
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errkind.Wrap(errkind.SchemaInvalid, "manifest decode failed", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Render serializes the manifest back to its YAML document form — the
// representation persisted as the Manifest asset. Everything Parse reads
// (module kind, streaming bounds, resumability) survives a render/parse
// round trip; SchemaText and ModuleBytes are carried as their own assets
// and stay out of the document.
func (m *Manifest) Render() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unknown, "render manifest", err)
	}
	return data, nil
}

// ParseFile reads and parses a manifest document from disk.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.SchemaInvalid, "read manifest file", err)
	}
	return Parse(data)
}

var recognizedKeys = map[string]bool{
	"namespace":      true,
	"identifier":     true,
	"graphql_schema": true,
	"module":         true,
	"start_block":    true,
	"end_block":      true,
	"resumable":      true,
	"contract_id":    true,
	"fuel_client":    true,
	"metrics":        true,
}

// Validate checks structural invariants independent of any database state.
func (m *Manifest) Validate() error {
	if !identifierPattern.MatchString(m.Namespace) {
		return errkind.New(errkind.SchemaInvalid, "namespace must match [a-zA-Z][a-zA-Z0-9_]{0,62}")
	}
	if !identifierPattern.MatchString(m.Identifier) {
		return errkind.New(errkind.SchemaInvalid, "identifier must match [a-zA-Z][a-zA-Z0-9_]{0,62}")
	}
	switch m.Module.Kind {
	case ModuleJS, ModuleNative:
	default:
		return errkind.New(errkind.SchemaInvalid, fmt.Sprintf("unsupported module kind %q", m.Module.Kind))
	}
	if m.StartBlock != nil && m.EndBlock != nil && *m.EndBlock < *m.StartBlock {
		return errkind.New(errkind.SchemaInvalid, "end_block must be >= start_block")
	}
	return nil
}

// ResolveStartHeight computes the effective starting block height per the
// resume formula: an explicit start_block combined with resumable=true is
// clamped up to at least the last checkpoint, never below it; resumable=false
// (or unset alongside an explicit start_block) uses start_block verbatim;
// with neither start_block nor a checkpoint, streaming begins at height 1.
func (m *Manifest) ResolveStartHeight(lastCheckpoint *uint64) uint64 {
	switch {
	case m.StartBlock != nil && m.Resumable != nil && *m.Resumable:
		if lastCheckpoint != nil && *lastCheckpoint > *m.StartBlock {
			return *lastCheckpoint
		}
		return *m.StartBlock
	case m.StartBlock != nil:
		return *m.StartBlock
	case lastCheckpoint != nil:
		return *lastCheckpoint
	default:
		return 1
	}
}
