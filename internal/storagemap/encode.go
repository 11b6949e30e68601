package storagemap

import (
	"database/sql"
	"fmt"
	"math"
	"math/big"

	"github.com/lib/pq"

	"github.com/R3E-Network/chain-indexer/internal/schema"
)

// encodeField converts a decoded field.Name value into the form written to
// its column, per §4.1's scalar widening rules. Values are driver-ready:
// big.Int-backed scalars are written as decimal strings (NUMERIC's text
// representation), fixed-width identifiers as lowercase hex strings.
func encodeField(f schema.FieldDescriptor, value any) (any, error) {
	switch f.Kind {
	case schema.KindOptionalScalar:
		if value == nil {
			return nil, nil
		}
		return encodeScalar(f.Scalar, value)
	case schema.KindScalar:
		if value == nil {
			return nil, fmt.Errorf("field %q is required but value is nil", f.Name)
		}
		return encodeScalar(f.Scalar, value)
	case schema.KindForeign:
		if value == nil {
			return nil, nil
		}
		id, ok := toUint64(value)
		if !ok {
			return nil, fmt.Errorf("foreign key %q expects a numeric id", f.Name)
		}
		return int64(id), nil
	case schema.KindVirtual:
		return value, nil // caller is expected to have JSON-marshaled already
	case schema.KindUnionRow, schema.KindEnumRow:
		if value == nil {
			return nil, fmt.Errorf("discriminator %q is required but value is nil", f.Name)
		}
		return encodeScalar(f.Scalar, value)
	case schema.KindList:
		return encodeList(f, value)
	default:
		return value, nil
	}
}

func encodeScalar(scalar schema.ScalarType, value any) (any, error) {
	switch scalar {
	case schema.ScalarUInt64, schema.ScalarUInt128:
		n, ok := toBigInt(value)
		if !ok {
			return nil, fmt.Errorf("expected integer-like value for %s, got %T", scalar, value)
		}
		return n.String(), nil
	case schema.ScalarInt64, schema.ScalarInt32, schema.ScalarInt16, schema.ScalarInt8,
		schema.ScalarUInt32, schema.ScalarUInt16, schema.ScalarUInt8:
		n, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("expected integer value for %s, got %T", scalar, value)
		}
		return n, nil
	case schema.ScalarBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool for %s, got %T", scalar, value)
		}
		return b, nil
	case schema.ScalarString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for %s, got %T", scalar, value)
		}
		return s, nil
	case schema.ScalarBytes, schema.ScalarAddress, schema.ScalarContractID, schema.ScalarNonce, schema.ScalarIdentity:
		// Stored form is canonical lowercase hex without 0x. String input is
		// already hex and only normalized (decode validates, re-encode
		// lowercases and strips the prefix); raw bytes are encoded.
		switch v := value.(type) {
		case string:
			decoded, err := hexDecode(v)
			if err != nil {
				return nil, fmt.Errorf("expected hex string for %s: %v", scalar, err)
			}
			return hexEncode(decoded), nil
		case []byte:
			return hexEncode(v), nil
		default:
			return nil, fmt.Errorf("expected bytes/hex-string for %s, got %T", scalar, value)
		}
	default:
		return value, nil
	}
}

func encodeList(f schema.FieldDescriptor, value any) (any, error) {
	if value == nil {
		if f.ListOf == schema.ListOptionalAll || f.ListOf == schema.ListOptionalOuter {
			return nil, nil
		}
		return nil, fmt.Errorf("field %q: list container is not nullable", f.Name)
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q: expected list value, got %T", f.Name, value)
	}

	out := make([]any, len(items))
	for i, item := range items {
		if item == nil {
			if f.ListOf == schema.ListOptionalAll || f.ListOf == schema.ListOptionalInner {
				out[i] = nil
				continue
			}
			return nil, fmt.Errorf("field %q: element %d is nil but list elements are required", f.Name, i)
		}
		encoded, err := encodeScalar(f.Scalar, item)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return pq.Array(out), nil
}

// decodeField is the inverse of encodeField: it converts a raw driver value
// (as scanned from the row) back into the JSON-friendly representation
// handed to user code.
func decodeField(f schema.FieldDescriptor, raw any) (any, error) {
	switch f.Kind {
	case schema.KindOptionalScalar, schema.KindScalar:
		if raw == nil {
			return nil, nil
		}
		return decodeScalar(f.Scalar, raw)
	case schema.KindForeign:
		if raw == nil {
			return nil, nil
		}
		n, ok := toInt64(raw)
		if !ok {
			return nil, fmt.Errorf("foreign key %q: unexpected scan type %T", f.Name, raw)
		}
		return uint64(n), nil
	case schema.KindVirtual:
		return raw, nil
	case schema.KindUnionRow, schema.KindEnumRow:
		return decodeScalar(f.Scalar, raw)
	case schema.KindList:
		return decodeList(f, raw)
	default:
		return raw, nil
	}
}

func decodeScalar(scalar schema.ScalarType, raw any) (any, error) {
	switch scalar {
	case schema.ScalarUInt64, schema.ScalarUInt128:
		n, ok := toBigInt(raw)
		if !ok {
			return nil, fmt.Errorf("expected numeric scan value for %s, got %T", scalar, raw)
		}
		return n.String(), nil
	case schema.ScalarInt64, schema.ScalarInt32, schema.ScalarInt16, schema.ScalarInt8,
		schema.ScalarUInt32, schema.ScalarUInt16, schema.ScalarUInt8:
		n, ok := toInt64(raw)
		if !ok {
			return nil, fmt.Errorf("expected integer scan value for %s, got %T", scalar, raw)
		}
		return n, nil
	case schema.ScalarBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool scan value for %s, got %T", scalar, raw)
		}
		return b, nil
	case schema.ScalarBytes, schema.ScalarAddress, schema.ScalarContractID, schema.ScalarNonce, schema.ScalarIdentity:
		// Inverse of encodeScalar: the column holds canonical lowercase hex,
		// which is exactly the representation handed back to user code.
		s, ok := asString(raw)
		if !ok {
			return nil, fmt.Errorf("expected hex string scan value for %s, got %T", scalar, raw)
		}
		return s, nil
	default:
		s, ok := asString(raw)
		if !ok {
			return raw, nil
		}
		return s, nil
	}
}

// decodeList scans an array column through a concrete sql.Null* element
// slice — pq only knows how to scan arrays into concrete element types, and
// the Null wrappers preserve NULL elements for the optional-inner list kinds.
func decodeList(f schema.FieldDescriptor, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch f.Scalar {
	case schema.ScalarBool:
		var scanned []sql.NullBool
		if err := pq.Array(&scanned).Scan(raw); err != nil {
			return nil, err
		}
		out := make([]any, len(scanned))
		for i, item := range scanned {
			if item.Valid {
				out[i] = item.Bool
			}
		}
		return out, nil
	case schema.ScalarInt8, schema.ScalarInt16, schema.ScalarInt32, schema.ScalarInt64,
		schema.ScalarUInt8, schema.ScalarUInt16, schema.ScalarUInt32:
		var scanned []sql.NullInt64
		if err := pq.Array(&scanned).Scan(raw); err != nil {
			return nil, err
		}
		out := make([]any, len(scanned))
		for i, item := range scanned {
			if item.Valid {
				out[i] = item.Int64
			}
		}
		return out, nil
	default:
		// NUMERIC, TEXT and hex-backed element types all scan as strings.
		var scanned []sql.NullString
		if err := pq.Array(&scanned).Scan(raw); err != nil {
			return nil, err
		}
		out := make([]any, len(scanned))
		for i, item := range scanned {
			if !item.Valid {
				continue
			}
			decoded, err := decodeScalar(f.Scalar, item.String)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	n, ok := toInt64(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func toBigInt(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		return n, true
	case string:
		b, ok := new(big.Int).SetString(n, 10)
		return b, ok
	case int64:
		return big.NewInt(n), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case []byte:
		b, ok := new(big.Int).SetString(string(n), 10)
		return b, ok
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, false
		}
		b, acc := big.NewFloat(n).Int(nil)
		return b, acc == big.Exact
	default:
		return nil, false
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
