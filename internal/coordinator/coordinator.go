package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/fedship/pkg/aggregate"
	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

// Exclusion records a contribution left out of an aggregation run.
type Exclusion struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

// Result describes one aggregation run.
type Result struct {
	Round         uint64
	State         RoundState
	Model         *params.State
	Contributions int
	Used          []string
	Excluded      []Exclusion
	Checkpoint    *checkpoint.Checkpoint
	Duration      time.Duration
}

// RoundStatus is a point-in-time view of a round.
type RoundStatus struct {
	Round         uint64     `json:"round"`
	State         RoundState `json:"state"`
	Contributions int        `json:"contributions"`
}

// EventEmitter is notified after every aggregation attempt.
type EventEmitter interface {
	OnAggregation(res Result, err error)
}

// AggregateOptions modify a single Aggregate call.
type AggregateOptions struct {
	// Reaggregate permits overwriting an already committed round.
	Reaggregate bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAggregator replaces the aggregation function. Defaults to aggregate.FedAvg.
func WithAggregator(fn aggregate.Func) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.aggregate = fn
		}
	}
}

// WithReaggregation sets whether committed rounds may be re-aggregated
// without a per-call opt-in.
func WithReaggregation(allow bool) Option {
	return func(c *Coordinator) {
		c.allowReaggregate.Store(allow)
	}
}

// WithEventEmitter registers an emitter for aggregation results.
func WithEventEmitter(e EventEmitter) Option {
	return func(c *Coordinator) {
		c.emitter = e
	}
}

// Coordinator owns the round state machine.
type Coordinator struct {
	ledger      ledger.Ledger
	store       weightstore.Store
	checkpoints checkpoint.Manager
	logger      log.Logger
	aggregate   aggregate.Func
	emitter     EventEmitter

	allowReaggregate atomic.Bool
	nextRound        atomic.Uint64

	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

// New creates a coordinator. Call Resume before serving traffic.
func New(l ledger.Ledger, store weightstore.Store, checkpoints checkpoint.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:      l,
		store:       store,
		checkpoints: checkpoints,
		logger:      log.NewNoopLogger(),
		aggregate:   aggregate.FedAvg,
		inFlight:    make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resume derives the next round from the committed checkpoints.
// With no checkpoint the next round is 0 and a seed must be installed first.
func (c *Coordinator) Resume(ctx context.Context) (uint64, error) {
	next, _, err := c.checkpoints.Resume(ctx)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		c.logger.Warn("no global model checkpoint found; waiting for bootstrap")
		c.nextRound.Store(0)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	c.nextRound.Store(next)
	c.logger.Info("resumed from checkpoints", log.Uint64("next_round", next))
	return next, nil
}

// NextRound returns the round uploads should currently target.
func (c *Coordinator) NextRound() uint64 {
	return c.nextRound.Load()
}

// SetAllowReaggregate changes the default re-aggregation policy.
func (c *Coordinator) SetAllowReaggregate(allow bool) {
	c.allowReaggregate.Store(allow)
}

// AllowReaggregate reports the default re-aggregation policy.
func (c *Coordinator) AllowReaggregate() bool {
	return c.allowReaggregate.Load()
}

// Record adds a contribution to the ledger and returns the round's state at
// the time of recording. Contributions to a committed or aggregating round are
// kept but only count toward a later re-aggregation.
func (c *Coordinator) Record(ctx context.Context, contrib ledger.Contribution) (RoundState, error) {
	if err := c.ledger.Record(ctx, contrib); err != nil {
		return StateWaiting, err
	}
	state, err := c.state(ctx, contrib.Round)
	if err != nil {
		return StateWaiting, err
	}
	switch state {
	case StateAggregating:
		c.logger.Warn("contribution arrived during aggregation; it will not affect the current run",
			log.Round(contrib.Round), log.ClientID(contrib.ClientID))
	case StateCommitted:
		c.logger.Warn("late contribution to committed round; only a re-aggregation will include it",
			log.Round(contrib.Round), log.ClientID(contrib.ClientID))
	default:
		c.logger.Info("contribution recorded",
			log.Round(contrib.Round), log.ClientID(contrib.ClientID), log.Int64("dataset_size", contrib.DatasetSize))
	}
	return state, nil
}

// Contributions lists the ledger entries for round.
func (c *Coordinator) Contributions(ctx context.Context, round uint64) ([]ledger.Contribution, error) {
	return c.ledger.List(ctx, round)
}

// Rounds returns the contribution count of every round in the ledger.
func (c *Coordinator) Rounds(ctx context.Context) (map[uint64]int, error) {
	rounds, err := c.ledger.Rounds(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]int, len(rounds))
	for _, r := range rounds {
		n, err := c.ledger.Count(ctx, r)
		if err != nil {
			return nil, err
		}
		out[r] = n
	}
	return out, nil
}

// Status reports the derived state of round.
func (c *Coordinator) Status(ctx context.Context, round uint64) (RoundStatus, error) {
	state, err := c.state(ctx, round)
	if err != nil {
		return RoundStatus{}, err
	}
	n, err := c.ledger.Count(ctx, round)
	if err != nil {
		return RoundStatus{}, err
	}
	return RoundStatus{Round: round, State: state, Contributions: n}, nil
}

func (c *Coordinator) state(ctx context.Context, round uint64) (RoundState, error) {
	c.mu.Lock()
	_, busy := c.inFlight[round]
	c.mu.Unlock()
	if busy {
		return StateAggregating, nil
	}
	ok, err := c.checkpoints.Has(ctx, round)
	if err != nil {
		return StateWaiting, err
	}
	if ok {
		return StateCommitted, nil
	}
	return StateWaiting, nil
}

// Aggregate runs one aggregation of round from the ledger and weight store
// and commits the result as that round's checkpoint.
//
// Missing or undecodable blobs are excluded and logged. Any other storage
// failure aborts the run. Concurrent calls for the same round fail fast with
// ErrAggregationInProgress.
func (c *Coordinator) Aggregate(ctx context.Context, round uint64, opts AggregateOptions) (res Result, err error) {
	res = Result{Round: round, State: StateFailed}

	if !c.acquire(round) {
		res.State = StateAggregating
		return res, fmt.Errorf("round %d: %w", round, ErrAggregationInProgress)
	}
	defer c.release(round)

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if err != nil {
			c.logger.Error("aggregation failed", log.Round(round), log.Err(err),
				log.Bool("retryable", IsRetryable(err)))
		}
		if c.emitter != nil {
			c.emitter.OnAggregation(res, err)
		}
	}()

	if err := c.checkReaggregation(ctx, round, opts); err != nil {
		return res, err
	}

	contribs, err := c.ledger.List(ctx, round)
	if err != nil {
		return res, fmt.Errorf("list contributions for round %d: %w", round, err)
	}
	res.Contributions = len(contribs)
	if len(contribs) == 0 {
		return res, fmt.Errorf("round %d: %w", round, ErrNoContributions)
	}

	c.logger.Info("aggregation started", log.Round(round), log.Int("contributions", len(contribs)))

	// Reduce in client_id order so reruns over the same inputs are bit-identical.
	sort.SliceStable(contribs, func(i, j int) bool { return contribs[i].ClientID < contribs[j].ClientID })

	states := make([]*params.State, 0, len(contribs))
	weights := make([]float64, 0, len(contribs))
	for _, contrib := range contribs {
		state, reason, err := c.load(ctx, round, contrib)
		if err != nil {
			return res, err
		}
		if state == nil {
			c.logger.Warn("excluding contribution", log.Round(round),
				log.ClientID(contrib.ClientID), log.String("reason", reason))
			res.Excluded = append(res.Excluded, Exclusion{ClientID: contrib.ClientID, Reason: reason})
			continue
		}
		states = append(states, state)
		weights = append(weights, float64(contrib.DatasetSize))
		res.Used = append(res.Used, contrib.ClientID)
	}
	if len(states) == 0 {
		return res, fmt.Errorf("round %d: %w", round, ErrNoValidContributions)
	}

	model, err := c.aggregate(states, weights)
	if err != nil {
		return res, fmt.Errorf("aggregate round %d: %w", round, err)
	}

	cp, err := c.checkpoints.Commit(ctx, round, model)
	if err != nil {
		return res, fmt.Errorf("commit round %d: %w", round, err)
	}

	c.advance(round + 1)
	res.State = StateCommitted
	res.Model = model
	res.Checkpoint = &cp
	var total float64
	for _, w := range weights {
		total += w
	}
	c.logger.Info("round committed", log.Round(round),
		log.Strings("used", res.Used), log.Int("excluded", len(res.Excluded)),
		log.Float64("total_weight", total),
		log.Uint64("next_round", c.NextRound()))
	return res, nil
}

func (c *Coordinator) checkReaggregation(ctx context.Context, round uint64, opts AggregateOptions) error {
	if latest, ok := c.checkpoints.LatestRound(); ok && round < latest {
		return fmt.Errorf("round %d: %w", round, checkpoint.ErrStaleRound)
	}
	committed, err := c.checkpoints.Has(ctx, round)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}
	if !opts.Reaggregate && !c.allowReaggregate.Load() {
		return fmt.Errorf("round %d: %w", round, ErrRoundCommitted)
	}
	c.logger.Warn("re-aggregating committed round; its checkpoint will be overwritten", log.Round(round))
	return nil
}

// load resolves one contribution's blob. A nil state with a reason means the
// contribution is excluded; an error aborts the round.
func (c *Coordinator) load(ctx context.Context, round uint64, contrib ledger.Contribution) (*params.State, string, error) {
	ref := weightstore.Ref(contrib.BlobRef)
	if ref == "" {
		ref = weightstore.ClientKey(contrib.ClientID, round).Ref()
	}
	rc, err := c.store.Get(ctx, ref)
	if errors.Is(err, weightstore.ErrNotFound) {
		return nil, "blob not found", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read blob for %s: %w", contrib.ClientID, err)
	}
	defer rc.Close()

	state, err := params.Decode(rc)
	if errors.Is(err, params.ErrMalformedBlob) {
		return nil, "undecodable blob: " + err.Error(), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read blob for %s: %w", contrib.ClientID, err)
	}
	return state, "", nil
}

func (c *Coordinator) acquire(round uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[round]; busy {
		return false
	}
	c.inFlight[round] = struct{}{}
	return true
}

func (c *Coordinator) release(round uint64) {
	c.mu.Lock()
	delete(c.inFlight, round)
	c.mu.Unlock()
}

func (c *Coordinator) advance(next uint64) {
	for {
		cur := c.nextRound.Load()
		if next <= cur || c.nextRound.CompareAndSwap(cur, next) {
			return
		}
	}
}
