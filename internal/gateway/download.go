package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/fedship/pkg/checkpoint"
	"github.com/bft-labs/fedship/pkg/log"
)

// RoundHeader carries the round of the streamed checkpoint.
const RoundHeader = "X-Fedship-Round"

func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	transferID := uuid.NewString()
	ctx := r.Context()

	snap, err := g.checkpoints.OpenLatest(ctx)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "No global model found on server"})
			return
		}
		g.logger.Error("failed to open global model", log.Err(err), log.TransferID(transferID))
		writeFailure(w, http.StatusInternalServerError, "failed to open global model")
		return
	}
	defer snap.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", `attachment; filename="global_model_round_`+strconv.FormatUint(snap.Round, 10)+`.bin"`)
	h.Set(RoundHeader, strconv.FormatUint(snap.Round, 10))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, g.cfg.ChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			g.logger.Warn("download aborted", log.Err(err), log.TransferID(transferID),
				log.Round(snap.Round), log.Int64("bytes", sent))
			return
		}
		n, rerr := io.ReadFull(snap, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				g.logger.Warn("download aborted", log.Err(err), log.TransferID(transferID),
					log.Round(snap.Round), log.Int64("bytes", sent))
				return
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			g.logger.Error("failed reading global model", log.Err(rerr), log.TransferID(transferID),
				log.Round(snap.Round), log.Int64("bytes", sent))
			return
		}
	}

	elapsed := time.Since(start)
	g.logger.Info("download complete",
		log.TransferID(transferID),
		log.Round(snap.Round),
		log.Int64("bytes", sent),
		log.Duration("duration", elapsed),
		log.String("remote", r.RemoteAddr),
	)
	g.notify(TransferEvent{
		ID:        transferID,
		Direction: Download,
		Round:     snap.Round,
		Bytes:     sent,
		Duration:  elapsed,
		Remote:    r.RemoteAddr,
	})
}
