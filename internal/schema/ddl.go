package schema

import (
	"fmt"
	"strings"
)

// emitDDL renders the namespaced schema + all entity tables as a sequence of
// statements to be run inside one transaction. Table names are always
// {schema}.{lower(entity_name)}; no statement in this list ever references a
// table outside c.schemaName.
func (c *compiler) emitDDL() []string {
	var stmts []string

	stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA %s`, quoteIdent(c.schemaName)))

	for _, name := range c.order {
		entity := c.types[name]
		if entity.Virtual {
			continue
		}
		stmts = append(stmts, c.emitEntityTable(entity))
	}

	stmts = append(stmts, fmt.Sprintf(
		`CREATE TABLE %s.%s (block_height BIGINT NOT NULL, "time" TIMESTAMPTZ NOT NULL DEFAULT now())`,
		quoteIdent(c.schemaName), quoteIdent(MetadataTable),
	))

	stmts = append(stmts, fmt.Sprintf(
		`CREATE TABLE %s.%s (key TEXT PRIMARY KEY, value JSONB NOT NULL)`,
		quoteIdent(c.schemaName), quoteIdent(KVTable),
	))

	// Foreign-key constraints are deferred and added after every table
	// exists, so declaration order never needs to match reference order.
	for _, name := range c.order {
		entity := c.types[name]
		if entity.Virtual {
			continue
		}
		stmts = append(stmts, c.emitForeignKeys(entity)...)
	}

	return stmts
}

func (c *compiler) emitEntityTable(entity *EntityDescriptor) string {
	table := fmt.Sprintf("%s.%s", quoteIdent(c.schemaName), quoteIdent(strings.ToLower(entity.Name)))

	var cols []string
	cols = append(cols, `id BIGINT PRIMARY KEY`)

	for _, f := range entity.Fields {
		cols = append(cols, c.emitColumn(f))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
}

func (c *compiler) emitColumn(f FieldDescriptor) string {
	name := quoteIdent(strings.ToLower(f.Name))

	switch f.Kind {
	case KindScalar:
		return fmt.Sprintf("%s %s NOT NULL", name, sqlType(f.Scalar))
	case KindOptionalScalar:
		return fmt.Sprintf("%s %s", name, sqlType(f.Scalar))
	case KindVirtual:
		return fmt.Sprintf("%s JSONB", name)
	case KindForeign:
		return fmt.Sprintf("%s BIGINT", name)
	case KindUnionRow:
		return fmt.Sprintf("%s TEXT NOT NULL", name)
	case KindEnumRow:
		if f.Scalar == ScalarInt32 {
			return fmt.Sprintf("%s INT NOT NULL", name)
		}
		return fmt.Sprintf("%s TEXT NOT NULL", name)
	case KindList:
		base := sqlType(f.Scalar) + "[]"
		constraint := ""
		switch f.ListOf {
		case ListRequiredAll:
			constraint = fmt.Sprintf(" NOT NULL CHECK (array_position(%s, NULL) IS NULL)", name)
		case ListOptionalInner:
			constraint = " NOT NULL"
		case ListOptionalOuter:
			constraint = fmt.Sprintf(" CHECK (%s IS NULL OR array_position(%s, NULL) IS NULL)", name, name)
		case ListOptionalAll:
			// no constraint: both list and elements may be null
		}
		return fmt.Sprintf("%s %s%s", name, base, constraint)
	default:
		return fmt.Sprintf("%s TEXT", name)
	}
}

func (c *compiler) emitForeignKeys(entity *EntityDescriptor) []string {
	var stmts []string
	table := fmt.Sprintf("%s.%s", quoteIdent(c.schemaName), quoteIdent(strings.ToLower(entity.Name)))

	for _, f := range entity.Fields {
		if f.Kind != KindForeign {
			continue
		}
		target := c.types[f.Target]
		if target == nil || target.Virtual {
			continue
		}
		refTable := fmt.Sprintf("%s.%s", quoteIdent(c.schemaName), quoteIdent(strings.ToLower(f.Target)))
		constraint := fmt.Sprintf("fk_%s_%s", strings.ToLower(entity.Name), strings.ToLower(f.Name))
		stmts = append(stmts, fmt.Sprintf(
			`ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(id) DEFERRABLE INITIALLY DEFERRED`,
			table, quoteIdent(constraint), quoteIdent(strings.ToLower(f.Name)), refTable,
		))
	}
	return stmts
}

// sqlType applies the §4.1 scalar widening rules.
func sqlType(s ScalarType) string {
	switch s {
	case ScalarBool:
		return "BOOLEAN"
	case ScalarInt8, ScalarInt16, ScalarInt32:
		return "INTEGER"
	case ScalarInt64:
		return "BIGINT"
	case ScalarUInt8, ScalarUInt16, ScalarUInt32:
		return "INTEGER"
	case ScalarUInt64, ScalarUInt128:
		return "NUMERIC"
	case ScalarString:
		return "TEXT"
	case ScalarBytes, ScalarAddress, ScalarContractID, ScalarNonce, ScalarIdentity:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// quoteIdent double-quotes a Postgres identifier, escaping embedded quotes.
// Callers only ever pass identifiers already validated against namePattern
// or derived from entity/field names originating in a parsed schema, never
// raw user input used as SQL outside of identifier position.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// DropSchemaStatement returns the statement used to tear down a prior
// indexer's namespace before re-registration with replace_indexer=true.
func DropSchemaStatement(namespace, identifier string) string {
	schemaName := fmt.Sprintf("%s_%s", namespace, identifier)
	return fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, quoteIdent(schemaName))
}
