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

import "math"

// BM25 holds the Okapi BM25 parameters.
type BM25 struct {
	K1 float64
	B  float64
}

// DefaultBM25 uses the customary k1=1.2, b=0.75.
var DefaultBM25 = BM25{K1: 1.2, B: 0.75}

// Stats describes the corpus a document is scored against.
type Stats struct {
	Docs    int
	AvgLen  float64
	DocFreq map[string]int
}

// IDF returns the smoothed inverse document frequency of term.
func (s Stats) IDF(term string) float64 {
	df := float64(s.DocFreq[term])
	n := float64(s.Docs)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// Score computes the BM25 score of one document for the query terms.
// Repeated query terms count once.
func (p BM25) Score(query []string, tf map[string]int, docLen int, stats Stats) float64 {
	if stats.Docs == 0 || len(tf) == 0 {
		return 0
	}
	avg := stats.AvgLen
	if avg <= 0 {
		avg = 1
	}
	norm := p.K1 * (1 - p.B + p.B*float64(docLen)/avg)

	var score float64
	for _, term := range Unique(query) {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		score += stats.IDF(term) * f * (p.K1 + 1) / (f + norm)
	}
	return score
}

// NormalizeMax divides every score by the largest one so the top score is 1.
// A list whose maximum is not positive is returned as zeros.
func NormalizeMax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max <= 0 {
		return out
	}
	for i, s := range scores {
		out[i] = s / max
	}
	return out
}
