// Package catalog loads task definitions and workflow templates from a
// YAML file and seeds them into the store at startup.
package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newms87/gpt-manager-sub003/internal/model"
	"github.com/newms87/gpt-manager-sub003/internal/store"
)

// Catalog is the on-disk declaration of task definitions and workflows.
type Catalog struct {
	TaskDefinitions []TaskDefinition `yaml:"task_definitions"`
	Workflows       []Workflow       `yaml:"workflows"`
}

// TaskDefinition declares one runnable task type.
type TaskDefinition struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Runner            string   `yaml:"runner"`
	Agents            []string `yaml:"agents"`
	MaxWorkers        int      `yaml:"max_workers"`
	MaxProcessRetries int      `yaml:"max_process_retries"`
	TimeoutAfterS     int      `yaml:"timeout_after_s"`
	OutputSchemaID    string   `yaml:"output_schema_id"`
}

// Workflow declares a DAG of task definition nodes.
type Workflow struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	MaxWorkers int    `yaml:"max_workers"`
	Nodes      []Node `yaml:"nodes"`
	Edges      []Edge `yaml:"edges"`
}

// Node binds a named graph node to a task definition by id.
type Node struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	TaskDefinitionID string `yaml:"task_definition_id"`
}

// Edge connects two nodes by id.
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Parse decodes a catalog document and validates its references.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads and parses a catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func (c *Catalog) validate() error {
	defs := map[string]bool{}
	for i, d := range c.TaskDefinitions {
		if d.ID == "" {
			return fmt.Errorf("task definition %d: missing id", i)
		}
		if d.Runner == "" {
			return fmt.Errorf("task definition %q: missing runner", d.ID)
		}
		if d.MaxWorkers <= 0 {
			return fmt.Errorf("task definition %q: max_workers must be positive", d.ID)
		}
		if defs[d.ID] {
			return fmt.Errorf("task definition %q: duplicate id", d.ID)
		}
		defs[d.ID] = true
	}

	for _, w := range c.Workflows {
		if w.ID == "" {
			return fmt.Errorf("workflow %q: missing id", w.Name)
		}
		if w.MaxWorkers <= 0 {
			return fmt.Errorf("workflow %q: max_workers must be positive", w.ID)
		}
		nodes := map[string]bool{}
		for _, n := range w.Nodes {
			if n.ID == "" {
				return fmt.Errorf("workflow %q: node with missing id", w.ID)
			}
			if !defs[n.TaskDefinitionID] {
				return fmt.Errorf("workflow %q node %q: unknown task definition %q", w.ID, n.ID, n.TaskDefinitionID)
			}
			if nodes[n.ID] {
				return fmt.Errorf("workflow %q: duplicate node id %q", w.ID, n.ID)
			}
			nodes[n.ID] = true
		}
		for _, e := range w.Edges {
			if !nodes[e.From] || !nodes[e.To] {
				return fmt.Errorf("workflow %q: edge %s->%s references unknown node", w.ID, e.From, e.To)
			}
			if e.From == e.To {
				return fmt.Errorf("workflow %q: self-edge on node %q", w.ID, e.From)
			}
		}
	}
	return nil
}

// Seed upserts the catalog's task definitions and workflow graphs into the
// store. Existing records with the same ids are overwritten, so editing the
// catalog and restarting picks up changes.
func (c *Catalog) Seed(ctx context.Context, s store.Store) error {
	now := time.Now().UTC()
	for _, d := range c.TaskDefinitions {
		def := &model.TaskDefinition{
			ID:                d.ID,
			Name:              d.Name,
			Runner:            d.Runner,
			Agents:            d.Agents,
			MaxWorkers:        d.MaxWorkers,
			MaxProcessRetries: d.MaxProcessRetries,
			TimeoutAfterS:     d.TimeoutAfterS,
			OutputSchemaID:    d.OutputSchemaID,
			CreatedAt:         now,
		}
		if err := s.UpsertTaskDefinition(ctx, def); err != nil {
			return fmt.Errorf("seed task definition %q: %w", d.ID, err)
		}
	}

	for _, w := range c.Workflows {
		wf := &model.WorkflowRun{
			ID:         w.ID,
			Name:       w.Name,
			MaxWorkers: w.MaxWorkers,
			CreatedAt:  now,
		}
		if err := s.UpsertWorkflowRun(ctx, wf); err != nil {
			return fmt.Errorf("seed workflow %q: %w", w.ID, err)
		}
		for _, n := range w.Nodes {
			node := &model.WorkflowNode{
				ID:               w.ID + ":" + n.ID,
				WorkflowRunID:    w.ID,
				TaskDefinitionID: n.TaskDefinitionID,
				Name:             n.Name,
				CreatedAt:        now,
			}
			if err := s.UpsertWorkflowNode(ctx, node); err != nil {
				return fmt.Errorf("seed workflow %q node %q: %w", w.ID, n.ID, err)
			}
		}
		for _, eg := range w.Edges {
			edge := &model.WorkflowEdge{
				ID:            w.ID + ":" + eg.From + "->" + eg.To,
				WorkflowRunID: w.ID,
				SourceNodeID:  w.ID + ":" + eg.From,
				TargetNodeID:  w.ID + ":" + eg.To,
				CreatedAt:     now,
			}
			if err := s.UpsertWorkflowEdge(ctx, edge); err != nil {
				return fmt.Errorf("seed workflow %q edge %s->%s: %w", w.ID, eg.From, eg.To, err)
			}
		}
	}
	return nil
}
