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

package chunker

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconstruct(segs []Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteString(s.Body())
	}
	return sb.String()
}

func split(c *Chunker, text string) []Segment {
	return slices.Collect(c.Chunks(text))
}

func TestNewDefaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
	assert.Equal(t, DefaultOverlap, c.overlap)
}

func TestNewOptions(t *testing.T) {
	_, err := New(WithMaxSize(4))
	assert.ErrorIs(t, err, ErrInvalidMaxSize)

	_, err = New(WithOverlap(-1))
	assert.ErrorIs(t, err, ErrInvalidOverlap)

	c, err := New(WithMaxSize(100), WithOverlap(80))
	require.NoError(t, err)
	assert.Equal(t, 49, c.overlap, "overlap is clamped below half the cap")
}

func TestSingleSegment(t *testing.T) {
	c, err := New(WithMaxSize(100), WithOverlap(10))
	require.NoError(t, err)

	tests := []string{"a", "short text", strings.Repeat("x", 100)}
	for _, text := range tests {
		segs := split(c, text)
		require.Len(t, segs, 1)
		assert.Equal(t, text, segs[0].Text)
		assert.Equal(t, 0, segs[0].OverlapLen)
		assert.Equal(t, 1, c.Count(text))
	}
}

func TestEmptyText(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Empty(t, split(c, ""))
	assert.Equal(t, 0, c.Count(""))
}

func TestLosslessReconstruction(t *testing.T) {
	inputs := map[string]string{
		"paragraphs": strings.Repeat("First line of a paragraph. Second sentence here!\n\n", 40),
		"sentences":  strings.Repeat("One sentence. Another one? Yes! ", 60),
		"words":      strings.Repeat("word ", 500),
		"no breaks":  strings.Repeat("abcdefghij", 300),
		"multibyte":  strings.Repeat("日本語のテキスト", 200),
		"mixed":      strings.Repeat("héllo wörld ß ünïcode\n", 120),
	}

	for name, text := range inputs {
		t.Run(name, func(t *testing.T) {
			c, err := New(WithMaxSize(256), WithOverlap(32))
			require.NoError(t, err)

			segs := split(c, text)
			require.Greater(t, len(segs), 1)
			assert.Equal(t, text, reconstruct(segs))

			for i, s := range segs {
				assert.Equal(t, i, s.Index)
				assert.LessOrEqual(t, len(s.Text), 256)
				assert.True(t, utf8.ValidString(s.Text), "segment %d splits a rune", i)
				assert.NotEmpty(t, s.Body())
				assert.Equal(t, text[s.Offset:s.Offset+len(s.Text)], s.Text)
				if i > 0 {
					prev := segs[i-1]
					assert.True(t, strings.HasSuffix(prev.Text, s.Text[:s.OverlapLen]))
					assert.LessOrEqual(t, utf8.RuneCountInString(s.Text[:s.OverlapLen]), 32)
				}
			}
		})
	}
}

func TestBoundaryPreference(t *testing.T) {
	c, err := New(WithMaxSize(64), WithOverlap(0))
	require.NoError(t, err)

	para := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40)
	segs := split(c, para)
	require.Len(t, segs, 2)
	assert.Equal(t, strings.Repeat("a", 40)+"\n\n", segs[0].Text)

	sentence := strings.Repeat("c", 40) + ". " + strings.Repeat("d", 40)
	segs = split(c, sentence)
	require.Len(t, segs, 2)
	assert.Equal(t, strings.Repeat("c", 40)+". ", segs[0].Text)

	hard := strings.Repeat("e", 100)
	segs = split(c, hard)
	require.Len(t, segs, 2)
	assert.Len(t, segs[0].Text, 64)
}

func TestRestartable(t *testing.T) {
	c, err := New(WithMaxSize(64), WithOverlap(8))
	require.NoError(t, err)

	text := strings.Repeat("the quick brown fox ", 20)
	seq := c.Chunks(text)

	var first, second []Segment
	for s := range seq {
		first = append(first, s)
	}
	for s := range seq {
		second = append(second, s)
	}
	assert.Equal(t, first, second)

	// early stop
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestLargeDocumentYieldsThreeChunks(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	text := strings.Repeat("word ", 30000) // 150,000 characters
	require.Len(t, text, 150000)

	segs := split(c, text)
	require.Len(t, segs, 3)
	for i, s := range segs {
		assert.Equal(t, i, s.Index)
		assert.LessOrEqual(t, len(s.Text), DefaultMaxSize)
	}
	assert.Equal(t, text, reconstruct(segs))
	assert.Equal(t, 3, c.Count(text))
}

func TestOverlapCountsCharacters(t *testing.T) {
	c, err := New(WithMaxSize(256), WithOverlap(10))
	require.NoError(t, err)

	text := strings.Repeat("日本語のテキスト", 40)
	segs := split(c, text)
	require.Greater(t, len(segs), 1)
	for _, s := range segs[1:] {
		overlap := s.Text[:s.OverlapLen]
		assert.Equal(t, 10, utf8.RuneCountInString(overlap))
		assert.Equal(t, 30, len(overlap), "three bytes per rune")
	}
	assert.Equal(t, text, reconstruct(segs))
}

func TestOverlapBoundedByHalfCapInBytes(t *testing.T) {
	c, err := New(WithMaxSize(32), WithOverlap(15))
	require.NoError(t, err)

	text := strings.Repeat("語", 40)
	segs := split(c, text)
	require.Greater(t, len(segs), 1)
	for _, s := range segs[1:] {
		assert.LessOrEqual(t, s.OverlapLen, 15)
		assert.NotEmpty(t, s.Body())
		assert.LessOrEqual(t, len(s.Text), 32)
	}
	assert.Equal(t, text, reconstruct(segs))
}
