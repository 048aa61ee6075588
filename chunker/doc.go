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

// Package chunker splits text into size-bounded, overlapping segments.
//
// Boundaries are chosen in order of preference: paragraph breaks, sentence
// ends, whitespace and finally a hard cut that never splits a UTF-8 sequence.
// Every segment after the first repeats the tail of its predecessor; the
// non-overlapping bodies concatenate back to the original text.
package chunker
