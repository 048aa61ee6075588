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

// Package flatten decomposes nested graph entities into a flat parent plus
// sub-entities and the relations linking them.
//
// Nested objects become dotted property paths on their owner. Lists of
// primitives stay multi-valued properties. Lists of objects are split out:
// each element becomes a sub-entity keyed by its intrinsic key or by
// {parent_key}_{index}, and a relation named after the property path links
// parent to child. The walk uses an explicit stack; nesting beyond the
// configured depth and sub-entities repeating an ancestor key are reported as
// warnings and skipped.
package flatten
