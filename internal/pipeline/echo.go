package pipeline

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
)

// EchoResponder answers every message with its own content after an
// optional delay. Used for local development and load tests.
type EchoResponder struct {
	AgentID string
	Delay   time.Duration
}

func (e EchoResponder) Respond(ctx context.Context, req orchestrator.Request) (orchestrator.Reply, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return orchestrator.Reply{}, ctx.Err()
		case <-timer.C:
		}
	}
	agent := e.AgentID
	if agent == "" {
		agent = "echo"
	}
	if len(req.AgentIDs) > 0 {
		agent = req.AgentIDs[0]
	}
	return orchestrator.Reply{AgentID: agent, Content: req.Content}, nil
}
