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
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/kbase/core"
)

// Report summarises a reembedding run.
type Report struct {
	Total        int            `json:"total"`
	Reembedded   int            `json:"reembedded"`
	// Skipped chunks have no text to embed and keep their vectors.
	Skipped      int            `json:"skipped"`
	ByDatasource map[string]int `json:"by_datasource"`
	Elapsed      time.Duration  `json:"elapsed"`
}

// Scanned returns the number of chunks visited.
func (r *Report) Scanned() int {
	return r.Reembedded + r.Skipped
}

// progress accumulates a Report over the chunk scan and prints a status line
// every interval chunks.
type progress struct {
	w          io.Writer
	interval   int
	report     Report
	start      time.Time
	datasource string
	printed    int
}

func newProgress(w io.Writer, total, interval int) *progress {
	return &progress{
		w:        w,
		interval: max(interval, 1),
		report:   Report{Total: total, ByDatasource: make(map[string]int)},
		start:    time.Now(),
	}
}

// record counts a batch. Chunks with blank text are counted as skipped.
func (p *progress) record(embedded []*core.IndexedChunk, skipped int) {
	for _, c := range embedded {
		p.report.ByDatasource[c.DatasourceID]++
		p.datasource = c.DatasourceID
	}
	p.report.Reembedded += len(embedded)
	p.report.Skipped += skipped

	if p.report.Scanned()-p.printed >= p.interval {
		p.line()
	}
}

func (p *progress) line() {
	p.printed = p.report.Scanned()

	pct := 100.0
	if p.report.Total > 0 {
		pct = float64(p.printed) / float64(p.report.Total) * 100
	}
	var rate float64
	if secs := time.Since(p.start).Seconds(); secs > 0 {
		rate = float64(p.report.Reembedded) / secs
	}

	fmt.Fprintf(p.w, "\rProgress: %d/%d (%.1f%%) %.1f chunks/s, %d skipped",
		p.printed, p.report.Total, pct, rate, p.report.Skipped)
	if p.datasource != "" {
		fmt.Fprintf(p.w, " [%s]", p.datasource)
	}
}

// finish prints the final line and the per-datasource counts.
func (p *progress) finish() *Report {
	p.line()
	fmt.Fprintln(p.w)

	p.report.Elapsed = time.Since(p.start)
	for _, ds := range slices.Sorted(maps.Keys(p.report.ByDatasource)) {
		name := ds
		if strings.TrimSpace(name) == "" {
			name = "(none)"
		}
		fmt.Fprintf(p.w, "  %-24s %d chunks\n", name, p.report.ByDatasource[ds])
	}
	return &p.report
}
