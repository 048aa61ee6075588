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

// Package reembed rewrites the dense vectors of every stored chunk.
//
// It is used after switching embedding models. Chunks are read from the
// vector index in batches, their text is embedded again with retry and
// exponential backoff, vectors are normalised for cosine similarity and the
// chunks are written back. Chunks without text are skipped. Progress is
// written to an io.Writer and Run returns a Report with per-datasource counts.
package reembed
