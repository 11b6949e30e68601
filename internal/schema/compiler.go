// Package schema compiles a user-declared GraphQL-flavored schema document
// into a namespaced Postgres DDL script and an in-memory TypeMap consumed by
// the storage mapper (internal/storagemap).
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/R3E-Network/chain-indexer/internal/errkind"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,62}$`)

// MetadataTable is the per-indexer system table recording the last block
// processed, present alongside every compiled entity table.
const MetadataTable = "indexermeta"

// KVTable is the per-indexer key/value table backing the module host's
// get_object/put_object callbacks — storage for values that don't fit the
// declared entity schema.
const KVTable = "indexerkv"

// prelude declares the custom scalars and the @virtual directive so user
// documents do not have to; BuiltIn keeps these declarations out of the
// compiled entity set.
var prelude = &ast.Source{
	Name:    "prelude.graphql",
	BuiltIn: true,
	Input: `
directive @virtual on OBJECT
scalar Bool
scalar Int8
scalar Int16
scalar Int32
scalar Int64
scalar UInt8
scalar UInt16
scalar UInt32
scalar UInt64
scalar UInt128
scalar Bytes
scalar Address
scalar ContractId
scalar Nonce
scalar Identity
`,
}

// Compile parses schemaText and emits the DDL + TypeMap for one indexer.
// namespace and identifier must already be validated by the caller
// (internal/manifest).
func Compile(namespace, identifier, schemaText string) (*CompiledSchema, error) {
	if !namePattern.MatchString(namespace) || !namePattern.MatchString(identifier) {
		return nil, errkind.New(errkind.SchemaInvalid, "namespace/identifier must be valid SQL identifiers")
	}

	source := &ast.Source{Name: identifier + ".graphql", Input: schemaText}
	parsed, gqlErr := gqlparser.LoadSchema(prelude, source)
	if gqlErr != nil {
		return nil, errkind.Wrap(errkind.SchemaInvalid, "schema parse failed", gqlErr)
	}

	schemaName := fmt.Sprintf("%s_%s", namespace, identifier)

	c := &compiler{
		schemaName: schemaName,
		parsed:     parsed,
		types:      make(TypeMap),
	}
	if err := c.classify(); err != nil {
		return nil, err
	}
	if err := c.resolveFields(); err != nil {
		return nil, err
	}

	ddl := c.emitDDL()

	return &CompiledSchema{
		Namespace:  namespace,
		Identifier: identifier,
		SchemaName: schemaName,
		DDL:        ddl,
		Types:      c.types,
	}, nil
}

type compiler struct {
	schemaName string
	parsed     *ast.Schema
	types      TypeMap
	order      []string // entity names in declaration order, for deterministic DDL
}

// classify makes one pass identifying every user-declared entity (object,
// union, enum) and whether it is virtual, before any field is resolved —
// fields may forward-reference entities declared later in the document.
func (c *compiler) classify() error {
	for name, def := range c.parsed.Types {
		if def.BuiltIn || strings.HasPrefix(name, "__") {
			continue
		}
		if name == "Query" || name == "Mutation" || name == "Subscription" {
			continue
		}

		switch def.Kind {
		case ast.Object, ast.InputObject:
			virtual := def.Directives.ForName("virtual") != nil
			c.types[name] = &EntityDescriptor{Name: name, Virtual: virtual}
			c.order = append(c.order, name)
		case ast.Union:
			variants := make([]string, 0, len(def.Types))
			variants = append(variants, def.Types...)
			sort.Strings(variants)
			c.types[name] = &EntityDescriptor{Name: name, Union: true, Variants: variants}
			c.order = append(c.order, name)
		case ast.Enum:
			variants := make([]string, 0, len(def.EnumValues))
			for _, v := range def.EnumValues {
				variants = append(variants, v.Name)
			}
			c.types[name] = &EntityDescriptor{Name: name, Enum: true, Variants: variants}
			c.order = append(c.order, name)
		case ast.Scalar:
			// Custom scalar declarations are permitted but add nothing beyond
			// the built-in knownScalars table; a declaration whose name isn't
			// already recognized is an error once a field actually uses it.
		default:
			return errkind.New(errkind.SchemaInvalid, fmt.Sprintf("unsupported schema definition kind for %q", name))
		}
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		pi, pj := c.parsed.Types[c.order[i]].Position, c.parsed.Types[c.order[j]].Position
		if pi == nil || pj == nil {
			return c.order[i] < c.order[j]
		}
		return pi.Start < pj.Start
	})
	return nil
}

func (c *compiler) resolveFields() error {
	for _, name := range c.order {
		def := c.parsed.Types[name]
		entity := c.types[name]
		if def.Kind != ast.Object && def.Kind != ast.InputObject {
			continue // unions/enums are materialized after every object resolves
		}

		for _, field := range def.Fields {
			if field.Name == "id" {
				continue // implicit bigserial primary key, not a declared column
			}
			fd, err := c.resolveField(name, field)
			if err != nil {
				return err
			}
			entity.Fields = append(entity.Fields, *fd)
		}
	}

	for _, name := range c.order {
		entity := c.types[name]
		switch {
		case entity.Union:
			if err := c.flattenUnion(entity); err != nil {
				return err
			}
		case entity.Enum:
			// Enum-as-entity: a "TypeName::Variant" discriminator plus the
			// variant's integer ordinal.
			entity.Fields = []FieldDescriptor{
				{Name: "tag", Kind: KindEnumRow, Scalar: ScalarString},
				{Name: "ordinal", Kind: KindEnumRow, Scalar: ScalarInt32},
			}
		}
	}
	return nil
}

// flattenUnion materializes a union as one row: the column union of every
// variant's fields (each nullable, since only one variant is populated per
// row) plus a union_type text discriminator.
func (c *compiler) flattenUnion(entity *EntityDescriptor) error {
	seen := make(map[string]bool)
	for _, variantName := range entity.Variants {
		variant, ok := c.types[variantName]
		if !ok {
			return errkind.New(errkind.SchemaInvalid,
				fmt.Sprintf("union %s: variant %q is not a declared entity", entity.Name, variantName))
		}
		for _, f := range variant.Fields {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			flat := f
			if flat.Kind == KindScalar {
				flat.Kind = KindOptionalScalar
			}
			entity.Fields = append(entity.Fields, flat)
		}
	}
	entity.Fields = append(entity.Fields, FieldDescriptor{Name: "union_type", Kind: KindUnionRow, Scalar: ScalarString})
	return nil
}

func (c *compiler) resolveField(owner string, field *ast.FieldDefinition) (*FieldDescriptor, error) {
	t := field.Type

	if t.Elem != nil {
		// List field: t.NonNull is the container's nullability, t.Elem.NonNull
		// the element's — the four GraphQL list notations map directly onto
		// the four ListNullability variants.
		scalar, ok := knownScalars[t.Elem.NamedType]
		if !ok {
			return nil, errkind.New(errkind.SchemaInvalid,
				fmt.Sprintf("%s.%s: list element type %q is not a recognized scalar", owner, field.Name, t.Elem.NamedType))
		}
		return &FieldDescriptor{
			Name:   field.Name,
			Kind:   KindList,
			Scalar: scalar,
			ListOf: listNullability(t.NonNull, t.Elem.NonNull),
		}, nil
	}

	if scalar, ok := knownScalars[t.NamedType]; ok {
		kind := KindOptionalScalar
		if t.NonNull {
			kind = KindScalar
		}
		return &FieldDescriptor{Name: field.Name, Kind: kind, Scalar: scalar}, nil
	}

	// Not a scalar: must name another compiled entity, either as a virtual
	// embedding or a foreign-key reference.
	target, ok := c.types[t.NamedType]
	if !ok {
		return nil, errkind.New(errkind.SchemaInvalid,
			fmt.Sprintf("%s.%s: unknown type %q", owner, field.Name, t.NamedType))
	}
	if target.Virtual {
		return &FieldDescriptor{Name: field.Name, Kind: KindVirtual, Target: t.NamedType}, nil
	}
	if len(target.Variants) > 0 {
		return &FieldDescriptor{Name: field.Name, Kind: KindForeign, Target: t.NamedType}, nil
	}
	return &FieldDescriptor{Name: field.Name, Kind: KindForeign, Target: t.NamedType}, nil
}

func listNullability(containerNonNull, elemNonNull bool) ListNullability {
	switch {
	case containerNonNull && elemNonNull:
		return ListRequiredAll
	case containerNonNull && !elemNonNull:
		return ListOptionalInner
	case !containerNonNull && elemNonNull:
		return ListOptionalOuter
	default:
		return ListOptionalAll
	}
}
