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
	"errors"
	"fmt"
)

// Domain errors
var (
	// ErrValidation indicates a document or entity failed validation.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidEntity indicates a graph entity is structurally unusable.
	ErrInvalidEntity = errors.New("invalid graph entity")

	// ErrEmptyContent indicates a text document has no content.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrTransientStore indicates a store stayed unavailable after retries.
	ErrTransientStore = errors.New("transient store failure")

	// ErrFlattenDepthExceeded indicates nesting beyond the configured depth.
	ErrFlattenDepthExceeded = errors.New("flatten depth exceeded")

	// ErrDuplicateEntity indicates a sub-entity repeats a reference already
	// produced from the same document.
	ErrDuplicateEntity = errors.New("duplicate entity reference")

	// ErrPipelineFatal indicates both stores were lost while writing a document.
	ErrPipelineFatal = errors.New("pipeline fatal")

	// ErrUnknownFilterKey indicates a filter key outside the supported set.
	ErrUnknownFilterKey = errors.New("unknown filter key")

	// ErrInvalidFilterValue indicates a filter value of the wrong type.
	ErrInvalidFilterValue = errors.New("invalid filter value")
)

// DocumentError attaches a document id to a per-document failure.
type DocumentError struct {
	DocumentID string
	Err        error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: %v", e.DocumentID, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// NewDocumentError wraps err for documentID.
func NewDocumentError(documentID string, err error) *DocumentError {
	return &DocumentError{DocumentID: documentID, Err: err}
}
