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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "same content produces same ID", content: "test content"},
		{name: "empty string", content: ""},
		{name: "chunk id", content: "doc-1#0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, IDFromContent(tt.content), IDFromContent(tt.content))
		})
	}

	assert.NotEqual(t, IDFromContent("doc-1#0"), IDFromContent("doc-1#1"))
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, "doc-1#0", ChunkID("doc-1", 0))
	assert.Equal(t, "a#b#12", ChunkID("a#b", 12))
}

func TestGraphEntityPrimaryKey(t *testing.T) {
	e := &GraphEntity{
		EntityType:           "Pod",
		PrimaryKeyProperties: []string{"namespace", "name"},
		AdditionalProperties: map[string]any{"namespace": "default", "name": "web", "replicas": 3.0},
	}
	assert.Equal(t, "default_web", e.PrimaryKey())
	assert.Equal(t, EntityRef{EntityType: "Pod", PrimaryKey: "default_web"}, e.Ref())

	e.PrimaryKeyProperties = []string{"replicas"}
	assert.Equal(t, "3", e.PrimaryKey())
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusInProgress.IsTerminal())
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusTerminated} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestDocumentError(t *testing.T) {
	err := NewDocumentError("doc-7", ErrEmptyContent)
	assert.Equal(t, "doc-7: content cannot be empty", err.Error())
	assert.ErrorIs(t, err, ErrEmptyContent)
}
