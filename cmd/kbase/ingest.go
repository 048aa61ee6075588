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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/ingestion"
)

// submitter is the part of the engine ingestBatched needs.
type submitter interface {
	Ingest(ctx context.Context, req *ingestion.IngestRequest) (string, error)
	WaitJob(ctx context.Context, jobID string) (*core.IngestionJob, error)
}

// linesFromFile returns an iterator over the non-blank lines of a file.
func linesFromFile(filename string) (iter.Seq[string], error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	return func(yield func(string) bool) {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}, nil
}

// ingestBatched turns each line into a text document and submits them in
// batches, waiting for every job. Document ids are "<prefix>-<line number>".
func ingestBatched(ctx context.Context, svc submitter, base ingestion.IngestRequest, prefix string, source iter.Seq[string], batchSize int) ([]*core.IngestionJob, error) {
	var finished []*core.IngestionJob
	batch := make([]ingestion.RawDocument, 0, batchSize)
	n := 0

	flush := func() error {
		req := base
		req.Documents = batch
		job, err := submitAndWait(ctx, svc, &req)
		if err != nil {
			return err
		}
		finished = append(finished, job)
		batch = make([]ingestion.RawDocument, 0, batchSize)
		return nil
	}

	for line := range source {
		n++
		batch = append(batch, ingestion.RawDocument{ID: prefix + "-" + strconv.Itoa(n), Content: line})
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return finished, err
			}
		}
	}

	if len(batch) > 0 {
		if err := flush(); err != nil {
			return finished, err
		}
	}
	return finished, nil
}

func submitAndWait(ctx context.Context, svc submitter, req *ingestion.IngestRequest) (*core.IngestionJob, error) {
	jobID, err := svc.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	return svc.WaitJob(ctx, jobID)
}

func readRequestFile(path string) (*ingestion.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req ingestion.IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &req, nil
}

func ingestCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("input file is required")
	}
	if c.Int("batch-size") <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	engine, err := openEngine(c, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	var jobs []*core.IngestionJob
	if c.Bool("json") {
		req, err := readRequestFile(path)
		if err != nil {
			return err
		}
		if ds := c.String("datasource"); ds != "" {
			req.DatasourceID = ds
		}
		job, err := submitAndWait(c.Context, engine, req)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	} else {
		if c.String("datasource") == "" {
			return fmt.Errorf("datasource is required for line input")
		}
		source, err := linesFromFile(path)
		if err != nil {
			return err
		}
		base := ingestion.IngestRequest{
			DatasourceID: c.String("datasource"),
			IngestorID:   c.String("ingestor"),
			TTL:          c.Duration("ttl"),
		}
		jobs, err = ingestBatched(c.Context, engine, base, c.String("id-prefix"), source, c.Int("batch-size"))
		if err != nil {
			return err
		}
	}

	for _, job := range jobs {
		fmt.Printf("%s %s: %d/%d succeeded, %d failed\n",
			job.JobID, job.Status, job.ProgressCounter, job.Total, job.FailedCounter)
		for _, msg := range job.ErrorMsgs {
			fmt.Printf("   %s\n", msg)
		}
	}
	return nil
}
