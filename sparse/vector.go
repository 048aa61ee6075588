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
	"hash/fnv"
	"sort"
)

// Vector is a sparse vector keyed by hashed term index.
type Vector struct {
	Indices []uint32
	Values  []float32
}

// TermIndex maps a term to its sparse dimension.
func TermIndex(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}

// Encode turns term frequencies into a sparse vector sorted by index.
// Colliding terms are summed.
func Encode(tf map[string]int) Vector {
	dims := make(map[uint32]float32, len(tf))
	for term, count := range tf {
		dims[TermIndex(term)] += float32(count)
	}
	return fromDims(dims)
}

// EncodeQuery weights each distinct query term with 1.
func EncodeQuery(terms []string) Vector {
	dims := make(map[uint32]float32, len(terms))
	for _, term := range Unique(terms) {
		dims[TermIndex(term)] = 1
	}
	return fromDims(dims)
}

func fromDims(dims map[uint32]float32) Vector {
	v := Vector{
		Indices: make([]uint32, 0, len(dims)),
		Values:  make([]float32, 0, len(dims)),
	}
	for idx := range dims {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, dims[idx])
	}
	return v
}
