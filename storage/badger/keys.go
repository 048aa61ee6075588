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

package badger

import "strings"

// Key layout. Segments are joined with keySep since ids may contain ':'.
//
//	vchunk|chunkID           -> chunk record
//	vdocc|docID|chunkID      -> (index) chunks of a document
//	vdocm|docID              -> document metadata
//	vdsd|datasourceID|docID  -> (index) documents of a datasource; value is the graph flag
//	job|jobID                -> job record
//	dsrc|datasourceID        -> datasource record
const (
	keySep = "\x00"

	chunkPrefix      = "vchunk"
	docChunkPrefix   = "vdocc"
	docMetaPrefix    = "vdocm"
	datasourceDocs   = "vdsd"
	jobPrefix        = "job"
	datasourcePrefix = "dsrc"
)

func makeKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

// makePrefix returns the key prefix for every key under the given parts.
func makePrefix(parts ...string) []byte {
	return append(makeKey(parts...), keySep...)
}

func makeChunkKey(chunkID string) []byte {
	return makeKey(chunkPrefix, chunkID)
}

func makeDocChunkKey(documentID, chunkID string) []byte {
	return makeKey(docChunkPrefix, documentID, chunkID)
}

func makeDocMetaKey(documentID string) []byte {
	return makeKey(docMetaPrefix, documentID)
}

func makeDatasourceDocKey(datasourceID, documentID string) []byte {
	return makeKey(datasourceDocs, datasourceID, documentID)
}

func makeJobKey(jobID string) []byte {
	return makeKey(jobPrefix, jobID)
}

func makeDatasourceKey(datasourceID string) []byte {
	return makeKey(datasourcePrefix, datasourceID)
}

// lastSegment returns the final keySep-separated segment of a key.
func lastSegment(key []byte) string {
	s := string(key)
	return s[strings.LastIndex(s, keySep)+1:]
}
