package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/agents/provider"
	"github.com/rendis/crewflow/internal/catalog"
	"github.com/rendis/crewflow/internal/diagram"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/validation"
	"github.com/rendis/crewflow/pkg/schema"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow definition (JSON) or a catalog (YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				return validateCatalog(path, cmd.OutOrStdout())
			default:
				return validateDefinition(cmd.Context(), opts.cfg, path, format, cmd.OutOrStdout())
			}
		},
	}
	cmd.Flags().StringVar(&format, "diagram", "", "also draw a valid definition: ascii or mermaid")
	return cmd
}

func validateDefinition(ctx context.Context, cfg Config, path, format string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &exitError{code: ExitUsage, err: err}
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return &exitError{code: ExitFailed, err: fmt.Errorf("%s: %w", path, err)}
	}

	// Agent configs are checked against the catalog agents; no backend is called.
	cfg.Provider.Name = "static"
	_, reg, err := buildCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	v, err := validation.NewDefinitionValidator(reg)
	if err != nil {
		return err
	}
	result := v.Validate(&def)
	printIssues(out, result)
	if !result.Valid() {
		return &exitError{code: ExitFailed}
	}
	fmt.Fprintf(out, "%s: valid (%d steps)\n", path, len(def.Steps))
	switch format {
	case "":
	case "ascii":
		fmt.Fprint(out, diagram.RenderASCII(diagram.FromDefinition(&def)))
	case "mermaid":
		fmt.Fprint(out, diagram.RenderMermaid(diagram.FromDefinition(&def)))
	default:
		return &exitError{code: ExitUsage, err: fmt.Errorf("--diagram %q: want ascii or mermaid", format)}
	}
	return nil
}

func validateCatalog(path string, out io.Writer) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cel, path)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return &exitError{code: ExitFailed}
	}
	if err := cat.RegisterAgents(agents.NewRegistry(), &provider.Static{}, expressions.NewExprEngine(), expressions.NewGoJQEngine()); err != nil {
		fmt.Fprintln(out, "error:", err)
		return &exitError{code: ExitFailed}
	}
	types := cat.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.Name
	}
	fmt.Fprintf(out, "%s: valid (workflow types: %s)\n", path, strings.Join(names, ", "))
	return nil
}

func printIssues(w io.Writer, r *schema.ValidationResult) {
	for _, is := range r.Errors {
		fmt.Fprintf(w, "error   %s: [%s] %s\n", is.Path, is.Code, is.Message)
	}
	for _, is := range r.Warnings {
		fmt.Fprintf(w, "warning %s: [%s] %s\n", is.Path, is.Code, is.Message)
	}
}
