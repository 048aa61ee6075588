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

package reembed

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poiesic/kbase/core"
)

func chunksIn(datasource string, n int) []*core.IndexedChunk {
	out := make([]*core.IndexedChunk, n)
	for i := range out {
		out[i] = &core.IndexedChunk{Chunk: core.Chunk{DatasourceID: datasource}}
	}
	return out
}

func TestProgress_RecordsPerDatasource(t *testing.T) {
	var buf bytes.Buffer
	p := newProgress(&buf, 10, 100)

	p.record(chunksIn("wiki", 3), 1)
	p.record(chunksIn("k8s", 4), 0)
	p.record(chunksIn("wiki", 2), 0)

	report := p.finish()
	assert.Equal(t, 10, report.Total)
	assert.Equal(t, 9, report.Reembedded)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 10, report.Scanned())
	assert.Equal(t, map[string]int{"wiki": 5, "k8s": 4}, report.ByDatasource)
	assert.Positive(t, report.Elapsed)

	out := buf.String()
	assert.Contains(t, out, "10/10 (100.0%)")
	assert.Contains(t, out, "1 skipped")
	assert.Less(t, strings.Index(out, "k8s "), strings.Index(out, "wiki "), "datasources are listed in order")
}

func TestProgress_ReportInterval(t *testing.T) {
	var buf bytes.Buffer
	p := newProgress(&buf, 1000, 100)

	p.record(chunksIn("ds", 50), 0)
	assert.Empty(t, buf.String(), "nothing printed under the interval")

	p.record(chunksIn("ds", 40), 10)
	assert.Contains(t, buf.String(), "100/1000 (10.0%)")
	assert.Contains(t, buf.String(), "[ds]")

	buf.Reset()
	p.record(chunksIn("ds", 99), 0)
	assert.Empty(t, buf.String())
	p.record(chunksIn("ds", 1), 0)
	assert.Contains(t, buf.String(), "200/1000")
}

func TestProgress_ZeroIntervalReportsEveryBatch(t *testing.T) {
	var buf bytes.Buffer
	p := newProgress(&buf, 3, 0)

	p.record(chunksIn("ds", 1), 0)
	assert.Contains(t, buf.String(), "1/3")
	p.record(nil, 1)
	assert.Contains(t, buf.String(), "2/3")
}

func TestProgress_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	report := newProgress(&buf, 0, 10).finish()

	assert.Zero(t, report.Scanned())
	assert.Empty(t, report.ByDatasource)
	assert.Contains(t, buf.String(), "0/0 (100.0%)")
}

func TestProgress_UnnamedDatasource(t *testing.T) {
	var buf bytes.Buffer
	p := newProgress(&buf, 1, 1)
	p.record(chunksIn("", 1), 0)
	p.finish()
	assert.Contains(t, buf.String(), "(none)")
}
