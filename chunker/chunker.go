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
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxSize is the default segment cap in bytes.
	DefaultMaxSize = 60000
	// DefaultOverlap is the default number of characters repeated between segments.
	DefaultOverlap = 200
	// MinMaxSize is the smallest accepted segment cap.
	MinMaxSize = 16
)

var sentenceEnds = []string{". ", "! ", "? ", "\n"}

// Segment is one piece of the input text.
type Segment struct {
	Index      int
	Text       string
	Offset     int // byte offset of Text within the input
	OverlapLen int // leading bytes of Text repeated from the previous segment
}

// Body returns the part of the segment not shared with its predecessor.
func (s Segment) Body() string {
	return s.Text[s.OverlapLen:]
}

// Chunker splits text. A Chunker is immutable and safe for concurrent use.
type Chunker struct {
	maxSize int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker) error

// WithMaxSize sets the segment cap in bytes.
func WithMaxSize(size int) Option {
	return func(c *Chunker) error {
		if size < MinMaxSize {
			return fmt.Errorf("%w: %d", ErrInvalidMaxSize, size)
		}
		c.maxSize = size
		return nil
	}
}

// WithOverlap sets the overlap in characters. Values at or above half the
// segment cap are clamped below it, and the overlap never spans more than
// half the cap in bytes.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) error {
		if overlap < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidOverlap, overlap)
		}
		c.overlap = overlap
		return nil
	}
}

// New creates a Chunker.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		maxSize: DefaultMaxSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.overlap >= c.maxSize/2 {
		c.overlap = c.maxSize/2 - 1
	}
	return c, nil
}

// Chunks returns a lazy sequence over the segments of text.
// Each range over the sequence splits from the beginning again.
func (c *Chunker) Chunks(text string) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		pos := 0
		for i := 0; pos < len(text); i++ {
			start := pos
			if i > 0 {
				start = c.overlapStart(text, pos)
			}

			end := len(text)
			if end-start > c.maxSize {
				end = c.cut(text, pos, start+c.maxSize)
			}

			seg := Segment{
				Index:      i,
				Text:       text[start:end],
				Offset:     start,
				OverlapLen: pos - start,
			}
			if !yield(seg) {
				return
			}
			pos = end
		}
	}
}

// Count returns the number of segments text splits into.
func (c *Chunker) Count(text string) int {
	n := 0
	for range c.Chunks(text) {
		n++
	}
	return n
}

// overlapStart steps back up to overlap runes from pos.
func (c *Chunker) overlapStart(text string, pos int) int {
	floor := max(pos-(c.maxSize/2-1), 0)
	start := pos
	for n := 0; n < c.overlap && start > floor; n++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		if start-size < floor {
			break
		}
		start -= size
	}
	return start
}

// cut picks the end of a segment whose body starts at pos and whose text may
// not extend past limit.
func (c *Chunker) cut(text string, pos, limit int) int {
	for limit > pos && !utf8.RuneStart(text[limit]) {
		limit--
	}
	if limit == pos {
		_, size := utf8.DecodeRuneInString(text[pos:])
		return pos + size
	}

	// Natural boundaries are only taken in the back half of the window so
	// segments stay reasonably full.
	lo := pos + (limit-pos)/2
	window := text[lo:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return lo + idx + 2
	}

	best := -1
	for _, sep := range sentenceEnds {
		if idx := strings.LastIndex(window, sep); idx >= 0 && idx+len(sep) > best {
			best = idx + len(sep)
		}
	}
	if best > 0 {
		return lo + best
	}

	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx >= 0 {
		_, size := utf8.DecodeRuneInString(window[idx:])
		return lo + idx + size
	}

	return limit
}
