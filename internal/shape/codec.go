package shape

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	validate = validator.New()

	ErrDuplicateID = errors.New("duplicate shape id")
)

// Validate checks a single record.
func Validate(s Shape) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("shape %q: %w", s.ID, err)
	}
	return nil
}

// ValidateAll checks every record and that ids are unique in the collection.
func ValidateAll(items []Shape) error {
	seen := make(map[string]struct{}, len(items))
	for _, s := range items {
		if err := Validate(s); err != nil {
			return err
		}
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Serialize encodes a collection as a JSON document.
func Serialize(items []Shape) ([]byte, error) {
	if items == nil {
		items = []Shape{}
	}
	return json.Marshal(items)
}

// Deserialize decodes and validates a JSON document written by Serialize.
func Deserialize(data []byte) ([]Shape, error) {
	var items []Shape
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode shapes: %w", err)
	}
	if err := ValidateAll(items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []Shape{}
	}
	return items, nil
}
