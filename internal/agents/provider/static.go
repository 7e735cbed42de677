package provider

import (
	"context"
	"fmt"
	"time"
)

// Static answers every prompt with a canned reply after an optional delay.
// It backs the demo catalog when no provider key is configured.
type Static struct {
	Reply string
	Delay time.Duration
}

func (s *Static) Name() string { return "static" }

func (s *Static) Complete(ctx context.Context, p Prompt) (string, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Reply != "" {
		return s.Reply, nil
	}
	return fmt.Sprintf("[static] %s", firstLine(p.User)), nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
