package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/newms87/gpt-manager-sub003/internal/store"
)

const sampleCatalog = `
task_definitions:
  - id: extract
    name: Extract
    runner: passthrough
    max_workers: 4
    max_process_retries: 2
    timeout_after_s: 300
    agents: [agent-a, agent-b]
  - id: summarize
    name: Summarize
    runner: passthrough
    max_workers: 2

workflows:
  - id: pipeline
    name: Extract then summarize
    max_workers: 6
    nodes:
      - id: n1
        name: extract step
        task_definition_id: extract
      - id: n2
        name: summarize step
        task_definition_id: summarize
    edges:
      - from: n1
        to: n2
`

func TestParseSampleCatalog(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(c.TaskDefinitions) != 2 {
		t.Fatalf("task definitions = %d, want 2", len(c.TaskDefinitions))
	}
	if got := c.TaskDefinitions[0].Agents; len(got) != 2 || got[0] != "agent-a" {
		t.Errorf("agents = %v, want [agent-a agent-b]", got)
	}
	if len(c.Workflows) != 1 || len(c.Workflows[0].Nodes) != 2 || len(c.Workflows[0].Edges) != 1 {
		t.Fatalf("workflow shape unexpected: %+v", c.Workflows)
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing runner",
			yaml:    "task_definitions:\n  - id: a\n    max_workers: 1\n",
			wantErr: "missing runner",
		},
		{
			name:    "non-positive workers",
			yaml:    "task_definitions:\n  - id: a\n    runner: r\n    max_workers: 0\n",
			wantErr: "max_workers",
		},
		{
			name:    "duplicate definition",
			yaml:    "task_definitions:\n  - {id: a, runner: r, max_workers: 1}\n  - {id: a, runner: r, max_workers: 1}\n",
			wantErr: "duplicate id",
		},
		{
			name: "edge to unknown node",
			yaml: "task_definitions:\n  - {id: a, runner: r, max_workers: 1}\n" +
				"workflows:\n  - id: w\n    max_workers: 1\n    nodes:\n      - {id: n1, task_definition_id: a}\n" +
				"    edges:\n      - {from: n1, to: missing}\n",
			wantErr: "unknown node",
		},
		{
			name: "self edge",
			yaml: "task_definitions:\n  - {id: a, runner: r, max_workers: 1}\n" +
				"workflows:\n  - id: w\n    max_workers: 1\n    nodes:\n      - {id: n1, task_definition_id: a}\n" +
				"    edges:\n      - {from: n1, to: n1}\n",
			wantErr: "self-edge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSeedPopulatesStore(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()
	if err := c.Seed(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}

	def, err := s.GetTaskDefinition(ctx, "extract")
	if err != nil {
		t.Fatalf("get seeded definition: %v", err)
	}
	if def.MaxWorkers != 4 || def.MaxProcessRetries != 2 || def.TimeoutAfterS != 300 {
		t.Errorf("definition fields not carried over: %+v", def)
	}

	wf, err := s.GetWorkflowRun(ctx, "pipeline")
	if err != nil {
		t.Fatalf("get seeded workflow: %v", err)
	}
	if wf.MaxWorkers != 6 {
		t.Errorf("workflow max workers = %d, want 6", wf.MaxWorkers)
	}

	nodes, err := s.ListWorkflowNodes(ctx, "pipeline")
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}

	edges, err := s.ListEdgesInto(ctx, "pipeline:n2")
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].SourceNodeID != "pipeline:n1" {
		t.Fatalf("edges into n2 = %+v, want one from pipeline:n1", edges)
	}

	// Reseeding is idempotent.
	if err := c.Seed(ctx, s); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	nodes, err = s.ListWorkflowNodes(ctx, "pipeline")
	if err != nil {
		t.Fatalf("list nodes after reseed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes after reseed = %d, want 2", len(nodes))
	}
}
