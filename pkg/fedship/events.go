package fedship

import (
	"time"

	"github.com/bft-labs/fedship/internal/app"
	"github.com/bft-labs/fedship/internal/coordinator"
	"github.com/bft-labs/fedship/internal/gateway"
)

// State is the lifecycle state of a Server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	return app.State(s).String()
}

// StateChangeEvent is emitted on every lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// TransferEvent is emitted after an upload or download completes.
type TransferEvent struct {
	ID       string
	Download bool
	ClientID string
	Round    uint64
	Bytes    int64
	Duration time.Duration
	Remote   string
}

// Exclusion is a contribution left out of an aggregation run and the
// reason it was skipped.
type Exclusion struct {
	ClientID string
	Reason   string
}

func exclusions(in []coordinator.Exclusion) []Exclusion {
	if len(in) == 0 {
		return nil
	}
	out := make([]Exclusion, len(in))
	for i, x := range in {
		out[i] = Exclusion{ClientID: x.ClientID, Reason: x.Reason}
	}
	return out
}

// AggregationEvent is emitted after every aggregation attempt.
type AggregationEvent struct {
	Round     uint64
	Committed bool
	Used      []string
	Excluded  []Exclusion
	Duration  time.Duration
	Err       error
	Retryable bool
}

// EventHandler receives server events. Handlers are called synchronously
// from request goroutines and must not block.
type EventHandler interface {
	OnStateChange(StateChangeEvent)
	OnTransferComplete(TransferEvent)
	OnAggregation(AggregationEvent)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to handle
// a subset of events.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent)   {}
func (BaseEventHandler) OnTransferComplete(TransferEvent) {}
func (BaseEventHandler) OnAggregation(AggregationEvent)   {}

// eventBridge adapts EventHandler to the internal observer interfaces.
type eventBridge struct {
	handler EventHandler
}

func (e *eventBridge) OnStateChange(previous, current app.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{
		Previous: State(previous),
		Current:  State(current),
		Reason:   reason,
	})
}

func (e *eventBridge) OnTransferComplete(ev gateway.TransferEvent) {
	if e.handler == nil {
		return
	}
	e.handler.OnTransferComplete(TransferEvent{
		ID:       ev.ID,
		Download: ev.Direction == gateway.Download,
		ClientID: ev.ClientID,
		Round:    ev.Round,
		Bytes:    ev.Bytes,
		Duration: ev.Duration,
		Remote:   ev.Remote,
	})
}

func (e *eventBridge) OnAggregation(res coordinator.Result, err error) {
	if e.handler == nil {
		return
	}
	ev := AggregationEvent{
		Round:     res.Round,
		Committed: res.State == coordinator.StateCommitted,
		Used:      res.Used,
		Excluded:  exclusions(res.Excluded),
		Duration:  res.Duration,
		Err:       err,
		Retryable: coordinator.IsRetryable(err),
	}
	e.handler.OnAggregation(ev)
}
