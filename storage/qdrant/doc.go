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

// Package qdrant implements storage.VectorIndex on a Qdrant server.
//
// Each chunk is one point carrying a named dense vector ("dense") and a
// named sparse vector ("sparse") of hashed term frequencies, with chunk
// metadata in the payload. Point ids are derived from chunk ids, so
// re-ingestion overwrites points in place.
package qdrant
