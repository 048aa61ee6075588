// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValidateDocument validates a Document according to domain rules.
//
// Validation rules:
//   - ID must not be empty
//   - text documents must carry non-empty RawContent
//   - graph entity documents must carry a valid Entity
//
// NOT validated (filled in by the normalizer):
//   - DatasourceID linkage
//   - FreshUntil
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrValidation)
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if doc.IsGraphEntity {
		if doc.Entity == nil {
			return fmt.Errorf("%w: graph entity document has no entity", ErrValidation)
		}
		if err := ValidateEntity(doc.Entity); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil
	}
	if doc.RawContent == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyContent)
	}
	return nil
}

// ValidateEntity checks that an entity has a type and scalar primary key values.
func ValidateEntity(e *GraphEntity) error {
	if e == nil {
		return fmt.Errorf("%w: entity is nil", ErrInvalidEntity)
	}
	if e.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvalidEntity)
	}
	if len(e.PrimaryKeyProperties) == 0 {
		return fmt.Errorf("%w: primary_key_properties is required", ErrInvalidEntity)
	}
	for _, prop := range e.PrimaryKeyProperties {
		v, ok := e.AdditionalProperties[prop]
		if !ok || v == nil {
			return fmt.Errorf("%w: primary key property %q is missing", ErrInvalidEntity, prop)
		}
		if !IsScalar(v) {
			return fmt.Errorf("%w: primary key property %q is not a scalar", ErrInvalidEntity, prop)
		}
	}
	return nil
}

// IsScalar reports whether v is a string, number or bool.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// ScalarString renders a scalar property value as a key segment.
// Whole floats print without a fractional part so 3 and 3.0 key the same.
func ScalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
