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

// Package jobs tracks ingestion jobs.
//
// A Tracker hands out one Handle per job. The pipeline reports progress
// through the handle; readers use the tracker. Every change is persisted to a
// storage.JobRepository in order, so a reader polling the repository never
// sees a counter go backwards. Termination is cooperative: Terminate raises a
// flag that the pipeline polls before starting each document.
package jobs
