package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// marshalJSON serializes v for a JSONB column. Nil maps and pointers become
// SQL NULL.
func marshalJSON(v any, field string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal %s: %w", field, err)
	}
	s := string(data)
	return &s, nil
}

// unmarshalJSON deserializes a JSONB column into v. NULL columns leave v
// untouched.
func unmarshalJSON(data []byte, v any, field string) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("postgres: unmarshal %s: %w", field, err)
	}
	return nil
}
