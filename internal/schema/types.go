package schema

// ScalarType enumerates the primitive types a field may declare, after
// GraphQL-scalar resolution. Names match the custom scalars recognized in
// indexer schema documents.
type ScalarType string

const (
	ScalarBool       ScalarType = "Bool"
	ScalarInt8       ScalarType = "Int8"
	ScalarInt16      ScalarType = "Int16"
	ScalarInt32      ScalarType = "Int32"
	ScalarInt64      ScalarType = "Int64"
	ScalarUInt8      ScalarType = "UInt8"
	ScalarUInt16     ScalarType = "UInt16"
	ScalarUInt32     ScalarType = "UInt32"
	ScalarUInt64     ScalarType = "UInt64"
	ScalarUInt128    ScalarType = "UInt128"
	ScalarString     ScalarType = "String"
	ScalarBytes      ScalarType = "Bytes"
	ScalarAddress    ScalarType = "Address"
	ScalarContractID ScalarType = "ContractId"
	ScalarNonce      ScalarType = "Nonce"
	ScalarIdentity   ScalarType = "Identity"
)

// knownScalars maps the SDL scalar/name token to its ScalarType. Entity
// (object) type names are resolved separately, against the compiled schema's
// own entity set, so they are not listed here.
var knownScalars = map[string]ScalarType{
	"Boolean":    ScalarBool,
	"Bool":       ScalarBool,
	"Int8":       ScalarInt8,
	"Int16":      ScalarInt16,
	"Int32":      ScalarInt32,
	"Int":        ScalarInt64,
	"Int64":      ScalarInt64,
	"UInt8":      ScalarUInt8,
	"UInt16":     ScalarUInt16,
	"UInt32":     ScalarUInt32,
	"UInt64":     ScalarUInt64,
	"UInt128":    ScalarUInt128,
	"String":     ScalarString,
	"Bytes":      ScalarBytes,
	"Address":    ScalarAddress,
	"ContractId": ScalarContractID,
	"Nonce":      ScalarNonce,
	"Identity":   ScalarIdentity,
}

// ListNullability distinguishes the four combinations of container and
// element nullability a declared list field may take. It corresponds
// directly to the four GraphQL list-type notations.
type ListNullability string

const (
	// ListRequiredAll is [T!]! — neither the list nor any element is null.
	ListRequiredAll ListNullability = "required_all"
	// ListOptionalInner is [T]! — the list itself is never null, elements may be.
	ListOptionalInner ListNullability = "optional_inner"
	// ListOptionalOuter is [T!] — the list may be null, elements never are.
	ListOptionalOuter ListNullability = "optional_outer"
	// ListOptionalAll is [T] — both the list and its elements may be null.
	ListOptionalAll ListNullability = "optional_all"
)

// FieldKindTag distinguishes the shape a compiled field takes. It plays the
// role the reference implementation gives a single FieldKind enumeration:
// one tag driving both DDL emission and storage-mapper encode/decode.
type FieldKindTag int

const (
	KindScalar FieldKindTag = iota
	KindOptionalScalar
	KindList
	KindForeign
	KindVirtual
	KindUnionRow
	KindEnumRow
)

// FieldDescriptor is one column of a compiled entity, in declaration order.
// Field order is fixed at compile time; the storage mapper never infers
// column positions from names.
type FieldDescriptor struct {
	Name   string
	Kind   FieldKindTag
	Scalar ScalarType      // valid for KindScalar, KindOptionalScalar, KindList (element type)
	ListOf ListNullability // valid for KindList
	Target string          // valid for KindForeign: referenced entity name
}

// EntityDescriptor is one compiled entity: its table name and ordered
// field list.
type EntityDescriptor struct {
	Name     string
	Virtual  bool
	Union    bool
	Enum     bool
	Fields   []FieldDescriptor
	Variants []string // populated for union/enum entities
}

// TypeMap is entity-name → compiled descriptor, the structure the storage
// mapper consults to encode/decode entity values.
type TypeMap map[string]*EntityDescriptor

// CompiledSchema is the output of compiling one indexer's schema document:
// the DDL to create its namespaced tables plus the TypeMap describing them.
type CompiledSchema struct {
	Namespace  string
	Identifier string
	SchemaName string
	DDL        []string
	Types      TypeMap
}
