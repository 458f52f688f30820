package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/fedship/pkg/ledger"
	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/weightstore"
)

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	transferID := uuid.NewString()

	tooLargeMsg := fmt.Sprintf("upload exceeds %d bytes", g.cfg.MaxUploadBytes)
	if r.ContentLength > g.cfg.MaxUploadBytes {
		writeFailure(w, http.StatusRequestEntityTooLarge, tooLargeMsg)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, tooLargeMsg)
			return
		}
		writeFailure(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "No file received")
		return
	}
	defer file.Close()

	clientID := r.FormValue("client_id")
	if clientID == "" {
		writeFailure(w, http.StatusBadRequest, "client_id not provided")
		return
	}
	if err := weightstore.ValidateOwner(clientID); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid client_id: "+err.Error())
		return
	}

	rawRound := r.FormValue("round")
	if rawRound == "" {
		rawRound = r.FormValue("cur_round")
	}
	if rawRound == "" {
		writeFailure(w, http.StatusBadRequest, "round not provided")
		return
	}
	round, err := strconv.ParseUint(rawRound, 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "round must be a non-negative integer")
		return
	}

	var datasetSize int64
	if raw := r.FormValue("dataset_size"); raw != "" {
		datasetSize, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || datasetSize < 0 {
			writeFailure(w, http.StatusBadRequest, "dataset_size must be a non-negative integer")
			return
		}
	}

	ctx := r.Context()
	body := &countingReader{r: file}
	ref, err := g.store.Put(ctx, weightstore.UploadKey(clientID, round, transferID), body)
	if err != nil {
		g.logger.Error("failed to store client weights", log.Err(err),
			log.ClientID(clientID), log.Round(round), log.TransferID(transferID))
		writeFailure(w, http.StatusInternalServerError, "failed to store weights")
		return
	}

	state, err := g.coord.Record(ctx, ledger.Contribution{
		ClientID:    clientID,
		Round:       round,
		DatasetSize: datasetSize,
		BlobRef:     ref.String(),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidContribution) {
			writeFailure(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("failed to record contribution", log.Err(err),
			log.ClientID(clientID), log.Round(round), log.TransferID(transferID))
		writeFailure(w, http.StatusInternalServerError, "failed to record contribution")
		return
	}

	elapsed := time.Since(start)
	g.logger.Info("upload complete",
		log.TransferID(transferID),
		log.ClientID(clientID),
		log.Round(round),
		log.Int64("bytes", body.n),
		log.Duration("duration", elapsed),
		log.String("remote", r.RemoteAddr),
	)
	g.notify(TransferEvent{
		ID:        transferID,
		Direction: Upload,
		ClientID:  clientID,
		Round:     round,
		Bytes:     body.n,
		Duration:  elapsed,
		Remote:    r.RemoteAddr,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     fmt.Sprintf("Weights from client %s for round %d received", clientID, round),
		"save_path":   ref.String(),
		"client_id":   clientID,
		"round":       round,
		"round_state": state,
		"transfer_id": transferID,
	})
}
