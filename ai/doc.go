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

// Package ai provides the embedding abstraction used by kbase.
//
// The ingestion writer, the query engine and the re-embedder depend only on
// the Embedder interface defined here. Implementations live in sub-packages:
//
//   - ai/openai: OpenAI-compatible embedding APIs (OpenAI, Ollama, vLLM, LocalAI)
//   - ai/mock: deterministic test doubles
//
// Public constructors return the Embedder interface. The mock constructor
// returns its concrete type so tests can inject behavior and count calls.
//
//	cfg := ai.NewConfig(ai.WithHost("http://localhost:11434"))
//	embedder, err := openai.NewEmbedder(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	embedder = ai.NewRateLimitedEmbedder(embedder, cfg.RequestsPerSecond, cfg.Burst)
//
// Vectors handed to the stores are always unit length; see NormalizeVector.
package ai
