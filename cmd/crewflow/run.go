package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/crewflow/internal/diagram"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

type runOptions struct {
	description string
	language    string
	jsonOut     bool
	diagram     bool
}

type runInput struct {
	Description string `json:"description"`
	Language    string `json:"language,omitempty"`
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <workflow_type>",
		Short: "Run one workflow in-process and stream its progress",
		Long: `Run one workflow of a catalog type and print its events until it ends.
Interrupting cancels the workflow and waits for it to settle.
Exit status: 0 completed, 1 failed, 2 usage error, 3 cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), opts, ro, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&ro.description, "description", "d", "", "task description (required)")
	cmd.Flags().StringVarP(&ro.language, "language", "l", "", "target language")
	cmd.Flags().BoolVar(&ro.jsonOut, "json", false, "print events as JSON lines")
	cmd.Flags().BoolVar(&ro.diagram, "diagram", false, "draw the finished step chain")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func runWorkflow(ctx context.Context, opts *rootOptions, ro *runOptions, workflowType string, out, errOut io.Writer) error {
	// The run outlives an interrupt long enough to record the cancellation.
	runCtx := context.WithoutCancel(ctx)

	a, err := newApp(runCtx, opts.cfg, errOut)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(runCtx, shutdownTimeout)
		defer cancel()
		if err := a.close(sctx); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()

	input, err := json.Marshal(runInput{Description: ro.description, Language: ro.language})
	if err != nil {
		return err
	}
	id, err := a.submit(runCtx, workflowType, input)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeValidation) || schema.HasCode(err, schema.ErrCodeInvalidDefinition) ||
			schema.HasCode(err, schema.ErrCodeNotFound) {
			return &exitError{code: ExitUsage, err: err}
		}
		return err
	}

	sub, err := a.bus.Subscribe(runCtx, id, streaming.SubscribeOptions{})
	if err != nil {
		return err
	}
	defer sub.Close()

	interrupted := ctx.Done()
	for ev := range drain(sub.Events(), interrupted, func() {
		fmt.Fprintln(errOut, "interrupted, cancelling workflow", id)
		_ = a.engine.Cancel(id)
	}) {
		printEvent(out, ev, ro.jsonOut)
	}

	wf, err := a.engine.Wait(runCtx, id)
	if err != nil {
		return err
	}
	if !ro.jsonOut {
		printSummary(out, wf)
		if ro.diagram {
			fmt.Fprintln(out)
			fmt.Fprint(out, diagram.RenderASCII(diagram.FromWorkflow(wf)))
		}
	}
	if code := exitCodeFor(wf.Status); code != ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// drain forwards events until the stream closes. onInterrupt runs once when
// interrupted fires; forwarding continues so the terminal events still arrive.
func drain(events <-chan schema.Event, interrupted <-chan struct{}, onInterrupt func()) <-chan schema.Event {
	out := make(chan schema.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				out <- ev
			case <-interrupted:
				interrupted = nil
				onInterrupt()
			}
		}
	}()
	return out
}

func printEvent(w io.Writer, ev schema.Event, jsonOut bool) {
	if jsonOut {
		b, _ := json.Marshal(ev)
		fmt.Fprintln(w, string(b))
		return
	}
	fmt.Fprintf(w, "%s  #%-3d %-18s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Sequence, ev.Type, ev.Message)
}

func printSummary(w io.Writer, wf *schema.Workflow) {
	fmt.Fprintf(w, "\nworkflow %s %s\n", wf.ID, wf.Status)
	if wf.Error != nil {
		fmt.Fprintf(w, "error: [%s] %s\n", wf.Error.Code, wf.Error.Message)
	}
	agg := wf.AggregatedResult
	if agg == nil {
		return
	}
	fmt.Fprintf(w, "steps: %d completed, %d failed, %d skipped (success rate %.0f%%) in %s\n",
		agg.CompletedSteps, agg.FailedSteps, agg.SkippedSteps, agg.SuccessRate*100,
		time.Duration(agg.TotalDurationMs)*time.Millisecond)

	ids := make([]string, 0, len(agg.Results))
	for id := range agg.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "\n--- %s ---\n%s\n", id, resultText(agg.Results[id]))
	}
}

// resultText unwraps JSON strings so agent prose prints without quoting.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
