// Package ops is the command surface for operating the engine: start,
// stop and restart individual streams, list what is running, and report
// health. Results carry machine-readable reason codes; human-facing text
// comes from the error kind only, so infrastructure detail stays in logs.
package ops

import (
	"context"

	"github.com/google/uuid"

	"pump-contract-engine/internal/errs"
	"pump-contract-engine/internal/logging"
	"pump-contract-engine/internal/stream"
)

// Reason codes returned to operators.
const (
	ReasonStarted       = "started"
	ReasonAlreadyActive = "already_active"
	ReasonStopped       = "stopped"
	ReasonRestarted     = "restarted"
	ReasonNotActive     = "not_active"
	ReasonRefused       = "refused"
	ReasonConflict      = "conflict"
	ReasonFailed        = "failed"
)

// Result is the outcome of one command. Snapshot is set when the
// contract has an active stream after the command ran.
type Result struct {
	OK       bool             `json:"ok"`
	Reason   string           `json:"reason"`
	Message  string           `json:"message,omitempty"`
	TraceID  string           `json:"trace_id"`
	Snapshot *stream.Snapshot `json:"snapshot,omitempty"`
}

// Commands drives the supervisor on behalf of an operator.
type Commands struct {
	sup    *stream.Supervisor
	logger *logging.Logger
}

// NewCommands creates the command surface over a supervisor.
func NewCommands(sup *stream.Supervisor) *Commands {
	return &Commands{
		sup:    sup,
		logger: logging.Default().WithComponent("ops"),
	}
}

// Start brings up the stream for one contract. Starting an already
// running stream succeeds without side effects.
func (c *Commands) Start(ctx context.Context, contractID int64) Result {
	ctx, logger := logging.WithTrace(ctx, uuid.NewString())

	started, err := c.sup.Start(ctx, contractID)
	switch {
	case err != nil:
		logger.Error("Start command failed", "contract_id", contractID, "error", err)
		return c.fail(ctx, err)
	case started:
		return c.ok(ctx, ReasonStarted, contractID)
	default:
		return c.ok(ctx, ReasonAlreadyActive, contractID)
	}
}

// Stop tears down the stream for one contract. Stopping a contract with
// no active stream succeeds as a no-op.
func (c *Commands) Stop(ctx context.Context, contractID int64) Result {
	ctx, logger := logging.WithTrace(ctx, uuid.NewString())

	stopped, err := c.sup.Stop(ctx, contractID)
	switch {
	case err != nil:
		logger.Error("Stop command failed", "contract_id", contractID, "error", err)
		return c.fail(ctx, err)
	case stopped:
		return c.ok(ctx, ReasonStopped, contractID)
	default:
		return c.ok(ctx, ReasonNotActive, contractID)
	}
}

// Restart stops and starts the stream, resetting in-memory state.
func (c *Commands) Restart(ctx context.Context, contractID int64) Result {
	ctx, logger := logging.WithTrace(ctx, uuid.NewString())

	if err := c.sup.Restart(ctx, contractID); err != nil {
		logger.Error("Restart command failed", "contract_id", contractID, "error", err)
		return c.fail(ctx, err)
	}
	return c.ok(ctx, ReasonRestarted, contractID)
}

// Get returns the snapshot for one active stream.
func (c *Commands) Get(contractID int64) (stream.Snapshot, bool) {
	return c.sup.Get(contractID)
}

// List returns snapshots of the active streams.
func (c *Commands) List() []stream.Snapshot {
	return c.sup.List()
}

// Health returns the supervisor's operational snapshot.
func (c *Commands) Health() stream.Health {
	return c.sup.HealthCheck()
}

func (c *Commands) ok(ctx context.Context, reason string, contractID int64) Result {
	res := Result{OK: true, Reason: reason, TraceID: logging.TraceIDFromContext(ctx)}
	if snap, found := c.sup.Get(contractID); found {
		res.Snapshot = &snap
	}
	return res
}

func (c *Commands) fail(ctx context.Context, err error) Result {
	reason := ReasonFailed
	switch {
	case errs.Is(err, errs.KindInvalidInput):
		reason = ReasonRefused
	case errs.Is(err, errs.KindConflict):
		reason = ReasonConflict
	}
	return Result{
		OK:      false,
		Reason:  reason,
		Message: errs.Message(err),
		TraceID: logging.TraceIDFromContext(ctx),
	}
}
