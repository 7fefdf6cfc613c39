package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// StringSlice maps a Go []string to a Postgres text[] column via pgtype,
// so sqlx can scan/bind it without generated code.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	arr := pgtype.FlatArray[string](s)
	return arr.Value()
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	var arr pgtype.FlatArray[string]
	if err := arr.Scan(src); err != nil {
		return fmt.Errorf("scanning text[]: %w", err)
	}
	*s = StringSlice(arr)
	return nil
}

// JSONBlob maps an arbitrary JSON document to a Postgres jsonb column. It
// carries opaque pass-through data per spec §9 ("explicitly-typed records
// with ... an opaque blob for pass-through extension data").
type JSONBlob json.RawMessage

// Value implements driver.Valuer.
func (j JSONBlob) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONBlob) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		cp := make([]byte, len(v))
		copy(cp, v)
		*j = JSONBlob(cp)
		return nil
	case string:
		*j = JSONBlob(v)
		return nil
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

// Unmarshal decodes the blob into v.
func (j JSONBlob) Unmarshal(v any) error {
	if len(j) == 0 {
		return nil
	}
	return json.Unmarshal(j, v)
}

// MarshalJSONBlob encodes v into a JSONBlob.
func MarshalJSONBlob(v any) (JSONBlob, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSONBlob(b), nil
}
