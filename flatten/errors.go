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

package flatten

import "errors"

var (
	// ErrInvalidMaxDepth is returned for a negative depth cap.
	ErrInvalidMaxDepth = errors.New("max depth cannot be negative")

	// ErrInvalidMaxPropertyLength is returned for a non-positive property length cap.
	ErrInvalidMaxPropertyLength = errors.New("max property length must be positive")
)
