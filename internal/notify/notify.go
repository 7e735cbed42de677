// Package notify announces finished workflows on chat channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/pkg/schema"
)

// Sender delivers a plain-text message to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Config selects which terminal statuses are announced. Empty means all.
type Config struct {
	On          []schema.WorkflowStatus
	SendTimeout time.Duration
}

// Notifier watches the bus firehose for workflow_complete events.
type Notifier struct {
	bus     *streaming.Bus
	senders []Sender
	cfg     Config
	logger  *slog.Logger
}

// New creates a Notifier. With no senders Run only drains events.
func New(bus *streaming.Bus, cfg Config, logger *slog.Logger, senders ...Sender) *Notifier {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{bus: bus, senders: senders, cfg: cfg, logger: logger.With("component", "notify")}
}

// Senders returns the configured channel names.
func (n *Notifier) Senders() []string {
	names := make([]string, len(n.senders))
	for i, s := range n.senders {
		names[i] = s.Name()
	}
	return names
}

// Run delivers announcements until ctx ends. A dropped subscription is
// reopened; announcements published in between are lost.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		sub, err := n.bus.SubscribeAll(ctx, streaming.EventFilter{Types: []schema.EventType{schema.EventWorkflowComplete}})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, streaming.ErrBusClosed) {
				return nil
			}
			return fmt.Errorf("notify: subscribe: %w", err)
		}
		for ev := range sub.Events() {
			n.handle(ctx, ev)
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(sub.Err(), streaming.ErrSlowConsumer) {
			return nil
		}
		n.logger.WarnContext(ctx, "notification stream dropped, resubscribing")
	}
}

func (n *Notifier) handle(ctx context.Context, ev schema.Event) {
	var wf schema.Workflow
	if err := json.Unmarshal(ev.Data, &wf); err != nil {
		n.logger.WarnContext(ctx, "decode workflow_complete", "workflow_id", ev.WorkflowID, "error", err)
		return
	}
	if len(n.cfg.On) > 0 && !slices.Contains(n.cfg.On, wf.Status) {
		return
	}
	text := Format(&wf)
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err := s.Send(sctx, text)
		cancel()
		if err != nil {
			n.logger.WarnContext(ctx, "send notification", "sender", s.Name(), "workflow_id", wf.ID, "error", err)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", "sender", s.Name(), "workflow_id", wf.ID)
	}
}

// Format renders the announcement for a terminal workflow.
func Format(wf *schema.Workflow) string {
	var b strings.Builder
	name := wf.WorkflowType
	if name == "" {
		name = "workflow"
	}
	fmt.Fprintf(&b, "[%s] %s %s", wf.Status, name, wf.ID)

	if agg := wf.AggregatedResult; agg != nil {
		fmt.Fprintf(&b, ": %d/%d steps", agg.CompletedSteps, len(wf.Steps))
		if agg.TotalDurationMs > 0 {
			fmt.Fprintf(&b, " in %s", (time.Duration(agg.TotalDurationMs) * time.Millisecond).String())
		}
	}
	if wf.Error != nil {
		if step := failedStep(wf); step != "" && wf.Status == schema.WorkflowStatusFailed {
			fmt.Fprintf(&b, "\nstep %s: %s", step, wf.Error.Message)
		} else {
			fmt.Fprintf(&b, "\n%s", wf.Error.Message)
		}
	}
	return b.String()
}

func failedStep(wf *schema.Workflow) string {
	for _, s := range wf.Steps {
		if s.Status == schema.StepStatusFailed {
			return s.ID
		}
	}
	return ""
}
