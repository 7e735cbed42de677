// Package catalog holds the named workflow types clients can request and the
// LLM agents their steps run on.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/agents/provider"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/pkg/schema"
)

//go:embed default.yaml
var defaultCatalog []byte

// File is the YAML layout of a catalog.
type File struct {
	Agents []agents.LLMConfig `yaml:"agents"`
	Types  []TypeSpec         `yaml:"workflow_types"`
}

// TypeSpec describes one workflow type.
type TypeSpec struct {
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description" json:"description,omitempty"`
	InputRules  []InputRule         `yaml:"input_rules" json:"input_rules,omitempty"`
	Retry       *schema.RetryPolicy `yaml:"retry" json:"retry,omitempty"`
	Timeout     string              `yaml:"timeout" json:"timeout,omitempty"`
	Steps       []StepSpec          `yaml:"steps" json:"steps"`
}

// InputRule is a CEL guard over the submitted input. Message is returned when it is false.
type InputRule struct {
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message" json:"message"`
}

// StepSpec is the catalog form of schema.StepSpec; config is free-form YAML.
type StepSpec struct {
	ID      string              `yaml:"id" json:"id"`
	Agent   string              `yaml:"agent" json:"agent"`
	Config  map[string]any      `yaml:"config" json:"config,omitempty"`
	Retry   *schema.RetryPolicy `yaml:"retry" json:"retry,omitempty"`
	Timeout string              `yaml:"timeout" json:"timeout,omitempty"`
}

// Catalog resolves workflow type names into executable definitions.
type Catalog struct {
	agents map[string]agents.LLMConfig
	types  map[string]TypeSpec
	cel    *expressions.CELEngine
}

// Parse decodes a catalog document. Unknown keys are rejected.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, schema.NewErrorf(schema.ErrCodeValidation, "parse catalog: %s", err.Error()).WithCause(err)
	}
	return f, nil
}

// Default returns the embedded catalog.
func Default(cel *expressions.CELEngine) (*Catalog, error) {
	f, err := Parse(bytes.NewReader(defaultCatalog))
	if err != nil {
		return nil, err
	}
	return New(cel, f)
}

// Load returns the embedded catalog merged with the file at path, if any.
func Load(cel *expressions.CELEngine, path string) (*Catalog, error) {
	base, err := Parse(bytes.NewReader(defaultCatalog))
	if err != nil {
		return nil, err
	}
	if path == "" {
		return New(cel, base)
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer fh.Close()
	extra, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(cel, base, extra)
}

// New builds a catalog from files; later files replace same-named entries.
// Every input rule is compiled up front.
func New(cel *expressions.CELEngine, files ...File) (*Catalog, error) {
	c := &Catalog{
		agents: make(map[string]agents.LLMConfig),
		types:  make(map[string]TypeSpec),
		cel:    cel,
	}
	for _, f := range files {
		for _, a := range f.Agents {
			if a.Name == "" {
				return nil, schema.NewError(schema.ErrCodeValidation, "catalog agent without a name")
			}
			c.agents[a.Name] = a
		}
		for _, t := range f.Types {
			if t.Name == "" {
				return nil, schema.NewError(schema.ErrCodeValidation, "catalog workflow type without a name")
			}
			if len(t.Steps) == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow type %q has no steps", t.Name)
			}
			for i, rule := range t.InputRules {
				if err := cel.Check(rule.Expr); err != nil {
					return nil, fmt.Errorf("workflow type %s rule %d: %w", t.Name, i, err)
				}
			}
			c.types[t.Name] = t
		}
	}
	return c, nil
}

// Build checks input against the type's rules and returns its definition.
func (c *Catalog) Build(ctx context.Context, workflowType string, input json.RawMessage) (schema.WorkflowDefinition, error) {
	t, ok := c.types[workflowType]
	if !ok {
		return schema.WorkflowDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound, "unknown workflow type %q", workflowType)
	}

	in := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return schema.WorkflowDefinition{}, schema.NewErrorf(schema.ErrCodeValidation, "input must be a JSON object: %s", err.Error()).WithCause(err)
		}
	}
	for _, rule := range t.InputRules {
		ok, err := c.cel.EvaluateBool(ctx, rule.Expr, map[string]any{"input": in, "workflow_type": workflowType})
		if err != nil {
			return schema.WorkflowDefinition{}, err
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = "input rejected by " + rule.Expr
			}
			return schema.WorkflowDefinition{}, schema.NewError(schema.ErrCodeValidation, msg).
				WithDetails(map[string]any{"workflow_type": workflowType, "rule": rule.Expr})
		}
	}

	def := schema.WorkflowDefinition{WorkflowType: t.Name, Retry: t.Retry, Timeout: t.Timeout}
	for _, s := range t.Steps {
		spec := schema.StepSpec{ID: s.ID, Agent: s.Agent, Retry: s.Retry, Timeout: s.Timeout}
		if len(s.Config) > 0 {
			raw, err := json.Marshal(s.Config)
			if err != nil {
				return schema.WorkflowDefinition{}, schema.NewErrorf(schema.ErrCodeInternal, "encode config of step %s: %s", s.ID, err.Error())
			}
			spec.Config = raw
		}
		def.Steps = append(def.Steps, spec)
	}
	return def, nil
}

// Types lists the workflow types by name.
func (c *Catalog) Types() []TypeSpec {
	out := make([]TypeSpec, 0, len(c.types))
	for _, t := range c.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether workflowType exists.
func (c *Catalog) Has(workflowType string) bool {
	_, ok := c.types[workflowType]
	return ok
}

// RegisterAgents registers the catalog's LLM agents on completer plus the
// built-in transform agent.
func (c *Catalog) RegisterAgents(reg *agents.Registry, completer provider.Completer, exprs *expressions.ExprEngine, jq *expressions.GoJQEngine) error {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a, err := agents.NewLLMAgent(c.agents[name], completer, exprs)
		if err != nil {
			return err
		}
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	if !reg.Has("transform") {
		return reg.Register(agents.NewTransformAgent(jq))
	}
	return nil
}
