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

package sparse

import (
	"strings"
	"unicode"
)

// Stop words dropped before indexing and querying
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "or": true, "if": true, "we": true, "i": true,
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

// Tokenize splits text into lowercase terms and removes stop words.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), isSeparator)
	filtered := words[:0]
	for _, word := range words {
		if !stopWords[word] {
			filtered = append(filtered, word)
		}
	}
	return filtered
}

// TermFrequencies counts the terms of text.
func TermFrequencies(text string) map[string]int {
	tf := make(map[string]int)
	for _, term := range Tokenize(text) {
		tf[term]++
	}
	return tf
}

// Length is the number of terms a frequency map was built from.
func Length(tf map[string]int) int {
	n := 0
	for _, c := range tf {
		n += c
	}
	return n
}

// Unique returns the distinct terms in order of first appearance.
func Unique(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
