package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bft-labs/fedship/internal/coordinator"
	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/log"
)

type serverStatus struct {
	NextRound        uint64         `json:"next_round"`
	LatestRound      *uint64        `json:"latest_round"`
	LatestCreatedAt  *time.Time     `json:"latest_created_at,omitempty"`
	AllowReaggregate bool           `json:"allow_reaggregate"`
	Rounds           map[string]int `json:"rounds"`
}

func (g *Gateway) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := g.coord.Rounds(ctx)
	if err != nil {
		g.logger.Error("failed to read ledger", log.Err(err))
		writeFailure(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}

	st := serverStatus{
		NextRound:        g.coord.NextRound(),
		AllowReaggregate: g.coord.AllowReaggregate(),
		Rounds:           make(map[string]int, len(counts)),
	}
	for round, n := range counts {
		st.Rounds[strconv.FormatUint(round, 10)] = n
	}

	snap, err := g.checkpoints.OpenLatest(ctx)
	switch {
	case err == nil:
		snap.Close()
		st.LatestRound = &snap.Round
		st.LatestCreatedAt = &snap.CreatedAt
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		g.logger.Error("failed to read latest checkpoint", log.Err(err))
		writeFailure(w, http.StatusInternalServerError, "failed to read latest checkpoint")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleRoundStatus(w http.ResponseWriter, r *http.Request) {
	round, ok := roundParam(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "round must be a non-negative integer")
		return
	}
	st, err := g.coord.Status(r.Context(), round)
	if err != nil {
		g.logger.Error("failed to read round status", log.Err(err), log.Round(round))
		writeFailure(w, http.StatusInternalServerError, "failed to read round status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleContributions(w http.ResponseWriter, r *http.Request) {
	round, ok := roundParam(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "round must be a non-negative integer")
		return
	}
	contribs, err := g.coord.Contributions(r.Context(), round)
	if err != nil {
		g.logger.Error("failed to read ledger", log.Err(err), log.Round(round))
		writeFailure(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	if contribs == nil {
		contribs = []ledger.Contribution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"round": round, "contributions": contribs})
}

func (g *Gateway) handleAggregate(w http.ResponseWriter, r *http.Request) {
	round, ok := roundParam(r)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "round must be a non-negative integer")
		return
	}
	g.aggregate(w, r, round)
}

func (g *Gateway) handleAggregateCurrent(w http.ResponseWriter, r *http.Request) {
	g.aggregate(w, r, g.coord.NextRound())
}

type aggregateResponse struct {
	Success       bool                    `json:"success"`
	Round         uint64                  `json:"round"`
	State         coordinator.RoundState  `json:"state"`
	Contributions int                     `json:"contributions"`
	Used          []string                `json:"used"`
	Excluded      []coordinator.Exclusion `json:"excluded"`
	NextRound     uint64                  `json:"next_round"`
	Error         string                  `json:"error,omitempty"`
	Retryable     bool                    `json:"retryable,omitempty"`
}

func (g *Gateway) aggregate(w http.ResponseWriter, r *http.Request, round uint64) {
	var opts coordinator.AggregateOptions
	if raw := r.URL.Query().Get("reaggregate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "reaggregate must be a boolean")
			return
		}
		opts.Reaggregate = v
	}

	// The run continues if the caller disconnects.
	res, err := g.coord.Aggregate(context.WithoutCancel(r.Context()), round, opts)
	resp := aggregateResponse{
		Success:       err == nil,
		Round:         round,
		State:         res.State,
		Contributions: res.Contributions,
		Used:          res.Used,
		Excluded:      res.Excluded,
		NextRound:     g.coord.NextRound(),
	}
	if resp.Used == nil {
		resp.Used = []string{}
	}
	if resp.Excluded == nil {
		resp.Excluded = []coordinator.Exclusion{}
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Retryable = coordinator.IsRetryable(err)
	}
	writeJSON(w, aggregateStatus(err), resp)
}

// aggregateStatus maps an aggregation outcome to an HTTP status.
func aggregateStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, coordinator.ErrAggregationInProgress),
		errors.Is(err, coordinator.ErrRoundCommitted),
		errors.Is(err, checkpoint.ErrStaleRound):
		return http.StatusConflict
	case coordinator.IsRetryable(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
