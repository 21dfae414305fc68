package repository

import (
	"encoding/json"

	"rosfleet.sh/internal/rerrors"
)

// marshalJSON serialises a JSON column value, mapping failures onto
// VALIDATION errors.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", rerrors.Wrap(err, rerrors.ErrCodeValidation, "failed to marshal JSON column")
	}
	return string(b), nil
}

// unmarshalJSON deserialises a JSON column into out. Empty columns are
// left as the zero value.
func unmarshalJSON(data string, out any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to unmarshal JSON column")
	}
	return nil
}
