// Package storagemap translates typed entity save/load/delete operations —
// the only storage primitives user modules are given — into parameterized
// SQL against one indexer's namespaced tables.
package storagemap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/R3E-Network/chain-indexer/infrastructure/hex"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
	"github.com/R3E-Network/chain-indexer/internal/schema"
)

// Value is the decoded representation of one field value, keyed by field
// name, as handed to or returned from the module host.
type Value map[string]any

// Mapper is the sole writer to a single indexer's per-entity tables. It
// never infers column positions from names — it walks the compiled
// schema.TypeMap in field-declaration order for every encode/decode.
type Mapper struct {
	schemaName string
	types      schema.TypeMap
}

// New builds a Mapper bound to one compiled schema.
func New(compiled *schema.CompiledSchema) *Mapper {
	return &Mapper{schemaName: compiled.SchemaName, types: compiled.Types}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Save upserts one entity row by primary key, inside tx, encoding every
// field per the compiled schema's type map and §4.1's widening rules.
func (m *Mapper) Save(ctx context.Context, tx *sql.Tx, entity string, id uint64, values Value) error {
	descriptor, ok := m.types[entity]
	if !ok {
		return errkind.New(errkind.SchemaInvalid, fmt.Sprintf("unknown entity %q", entity))
	}
	if descriptor.Virtual {
		return errkind.New(errkind.SchemaInvalid, fmt.Sprintf("entity %q is virtual", entity))
	}
	table := fmt.Sprintf("%s.%s", quoteIdent(m.schemaName), quoteIdent(strings.ToLower(entity)))

	cols := []string{"id"}
	args := []any{id}
	placeholders := []string{"$1"}

	for i, f := range descriptor.Fields {
		encoded, err := encodeField(f, values[f.Name])
		if err != nil {
			return errkind.Wrap(errkind.ModuleTrap, fmt.Sprintf("encode %s.%s", entity, f.Name), err)
		}
		cols = append(cols, strings.ToLower(f.Name))
		args = append(args, encoded)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
	}

	updates := make([]string, 0, len(descriptor.Fields))
	for _, f := range descriptor.Fields {
		name := strings.ToLower(f.Name)
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(name), quoteIdent(name)))
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(c)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	if len(updates) == 0 {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
			table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, fmt.Sprintf("save %s", entity), err)
	}
	return nil
}

// Load reads one entity row by primary key. It returns (nil, nil) when no
// row exists — load returning "missing" is not itself an error.
func (m *Mapper) Load(ctx context.Context, tx *sql.Tx, entity string, id uint64) (Value, error) {
	descriptor, ok := m.types[entity]
	if !ok {
		return nil, errkind.New(errkind.SchemaInvalid, fmt.Sprintf("unknown entity %q", entity))
	}
	table := fmt.Sprintf("%s.%s", quoteIdent(m.schemaName), quoteIdent(strings.ToLower(entity)))

	cols := make([]string, 0, len(descriptor.Fields))
	for _, f := range descriptor.Fields {
		cols = append(cols, quoteIdent(strings.ToLower(f.Name)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", strings.Join(cols, ", "), table)

	scanDest := make([]any, len(descriptor.Fields))
	raw := make([]any, len(descriptor.Fields))
	for i := range raw {
		scanDest[i] = &raw[i]
	}

	row := tx.QueryRowContext(ctx, query, id)
	if err := row.Scan(scanDest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.StorageUnavailable, fmt.Sprintf("load %s", entity), err)
	}

	values := make(Value, len(descriptor.Fields))
	for i, f := range descriptor.Fields {
		decoded, err := decodeField(f, raw[i])
		if err != nil {
			return nil, errkind.Wrap(errkind.ModuleTrap, fmt.Sprintf("decode %s.%s", entity, f.Name), err)
		}
		values[f.Name] = decoded
	}
	return values, nil
}

// Delete removes one entity row by primary key. Deleting a nonexistent row
// is not an error.
func (m *Mapper) Delete(ctx context.Context, tx *sql.Tx, entity string, id uint64) error {
	if _, ok := m.types[entity]; !ok {
		return errkind.New(errkind.SchemaInvalid, fmt.Sprintf("unknown entity %q", entity))
	}
	table := fmt.Sprintf("%s.%s", quoteIdent(m.schemaName), quoteIdent(strings.ToLower(entity)))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, fmt.Sprintf("delete %s", entity), err)
	}
	return nil
}

// PutObject stores an opaque JSON blob under key, in the indexer's reserved
// key/value table (schema.KVTable). This backs the module host's put_object
// callback, for values that don't fit the declared entity schema.
func (m *Mapper) PutObject(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	table := fmt.Sprintf("%s.%s", quoteIdent(m.schemaName), quoteIdent(schema.KVTable))
	query := fmt.Sprintf(
		"INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value", table)
	if _, err := tx.ExecContext(ctx, query, key, value); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "put_object", err)
	}
	return nil
}

// GetObject reads back a blob stored with PutObject. Returns (nil, nil) when
// the key is unset.
func (m *Mapper) GetObject(ctx context.Context, tx *sql.Tx, key string) ([]byte, error) {
	table := fmt.Sprintf("%s.%s", quoteIdent(m.schemaName), quoteIdent(schema.KVTable))
	var value []byte
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = $1", table), key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.StorageUnavailable, "get_object", err)
	}
	return value, nil
}

// SetBlockHeight records the block height (and commit time) processed by
// this batch in the indexer's system metadata table.
func (m *Mapper) SetBlockHeight(ctx context.Context, tx *sql.Tx, height uint64) error {
	table := fmt.Sprintf("%s.%s", quoteIdent(m.schemaName), quoteIdent(schema.MetadataTable))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "clear metadata", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (block_height, "time") VALUES ($1, now())`, table)
	if _, err := tx.ExecContext(ctx, query, int64(height)); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "write metadata", err)
	}
	return nil
}

// hexEncode and hexDecode are package-level aliases of the infrastructure/hex
// helpers, used by encode.go, which does not import that package itself.
var (
	hexEncode = hex.EncodeToString
	hexDecode = hex.DecodeString
)
