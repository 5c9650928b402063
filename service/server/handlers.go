package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/scheduler"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/brojonat/quietsend/service/telemetry"
	"github.com/brojonat/quietsend/service/wallet"
)

const (
	maxRequestBodySize  = 1 << 20 // 1MB
	defaultArchiveLimit = 50
	maxArchiveLimit     = 1000
)

type keyResponse struct {
	PublicKey string         `json:"public_key"`
	SecretKey string         `json:"secret_key,omitempty"`
	Network   solana.Network `json:"network,omitempty"`
}

// handleGenerateKey creates and activates a new keypair.
// POST /api/v1/keys/generate
func handleGenerateKey(km *keys.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kp, err := km.Generate()
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to generate keypair", "error", err)
			writeError(w, "failed to generate keypair", http.StatusInternalServerError)
			return
		}
		logger.InfoContext(r.Context(), "keypair generated", "public_key", kp.PublicKey().String())
		writeJSON(w, keyResponse{PublicKey: kp.PublicKey().String(), SecretKey: kp.EncodedSecret()}, http.StatusCreated)
	})
}

// handleImportKey activates a base58 secret key.
// POST /api/v1/keys/import
func handleImportKey(km *keys.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SecretKey string `json:"secret_key"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		kp, err := km.Import(req.SecretKey)
		if err != nil {
			logger.DebugContext(r.Context(), "key import rejected", "error", err)
			writeServiceError(w, r, logger, err)
			return
		}
		logger.InfoContext(r.Context(), "keypair imported", "public_key", kp.PublicKey().String())
		writeJSON(w, keyResponse{PublicKey: kp.PublicKey().String()}, http.StatusOK)
	})
}

// handleActiveKey reports the active address and cluster.
// GET /api/v1/keys/active
func handleActiveKey(km *keys.Manager, network solana.Network) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kp, err := km.Active()
		if err != nil {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, keyResponse{PublicKey: kp.PublicKey().String(), Network: network}, http.StatusOK)
	})
}

type balanceResponse struct {
	Lamports  uint64    `json:"lamports"`
	SOL       string    `json:"sol"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleBalance returns the cached balance. ?refresh=true bypasses the cache.
// GET /api/v1/balance
func handleBalance(tracker *wallet.Tracker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("refresh") == "true"
		b, err := tracker.Balance(r.Context(), force)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, balanceResponse{Lamports: b.Lamports, SOL: solana.FormatSOL(b.Lamports), UpdatedAt: b.UpdatedAt}, http.StatusOK)
	})
}

// handleTransactions returns the newest-first history of the active key.
// GET /api/v1/transactions
func handleTransactions(tracker *wallet.Tracker, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		history := tracker.History()
		if r.URL.Query().Get("refresh") == "true" {
			var err error
			if history, err = tracker.RefreshHistory(r.Context()); err != nil {
				writeServiceError(w, r, logger, err)
				return
			}
		}
		if history == nil {
			history = []solana.TransactionRecord{}
		}
		writeJSON(w, map[string]interface{}{
			"transactions": history,
			"count":        len(history),
		}, http.StatusOK)
	})
}

// handleSendNow performs an immediate transfer and waits for finality.
// POST /api/v1/transfers
func handleSendNow(engine *scheduler.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scheduler.SendRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		rec, err := engine.SendNow(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		logger.InfoContext(r.Context(), "immediate transfer sent",
			"recipient", req.Recipient,
			"lamports", req.AmountLamports,
			"signature", rec.Signature,
		)
		writeJSON(w, rec, http.StatusOK)
	})
}

// handleAirdrop requests faucet funds for the active key.
// POST /api/v1/airdrop
func handleAirdrop(engine *scheduler.Engine, network solana.Network, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !network.SupportsAirdrop() {
			writeError(w, solana.ErrAirdropUnsupported.Error(), http.StatusBadRequest)
			return
		}
		var req struct {
			AmountLamports uint64 `json:"amount_lamports"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		rec, err := engine.RequestAirdrop(r.Context(), req.AmountLamports)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, rec, http.StatusOK)
	})
}

type addScheduleRequest struct {
	Recipient            string   `json:"recipient"`
	AmountLamports       uint64   `json:"amount_lamports"`
	MaxFailurePercentage *float64 `json:"max_failure_percentage"`
}

// handleAddSchedule queues a transfer gated on network failure rate.
// POST /api/v1/schedules
func handleAddSchedule(store *schedule.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req addScheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.MaxFailurePercentage == nil {
			writeError(w, "max_failure_percentage is required", http.StatusBadRequest)
			return
		}
		t, err := store.Add(r.Context(), schedule.AddParams{
			Recipient:            req.Recipient,
			AmountLamports:       req.AmountLamports,
			MaxFailurePercentage: *req.MaxFailurePercentage,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		logger.InfoContext(r.Context(), "transfer scheduled", "id", t.ID, "recipient", t.Recipient, "lamports", t.AmountLamports)
		writeJSON(w, t, http.StatusCreated)
	})
}

// GET /api/v1/schedules
func handleListSchedules(store *schedule.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := store.List()
		writeJSON(w, map[string]interface{}{
			"schedules": list,
			"count":     len(list),
			"waiting":   store.WaitingCount(),
		}, http.StatusOK)
	})
}

// GET /api/v1/schedules/{id}
func handleGetSchedule(store *schedule.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		t, err := store.Get(id)
		if err != nil {
			writeError(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, t, http.StatusOK)
	})
}

// handleCancelSchedule removes a Waiting transfer.
// DELETE /api/v1/schedules/{id}
func handleCancelSchedule(store *schedule.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r)
		if !ok {
			return
		}
		if err := store.Cancel(id); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		logger.InfoContext(r.Context(), "scheduled transfer canceled", "id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

type networkResponse struct {
	Available bool                   `json:"available"`
	Snapshot  *telemetry.Snapshot    `json:"snapshot,omitempty"`
	Trend     []telemetry.TrendPoint `json:"trend"`
}

// GET /api/v1/network
func handleNetwork(monitor *telemetry.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := networkResponse{Trend: monitor.Trend()}
		if snap, ok := monitor.Latest(); ok {
			resp.Available = true
			resp.Snapshot = &snap
		}
		if resp.Trend == nil {
			resp.Trend = []telemetry.TrendPoint{}
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleNetworkRefresh polls both feeds now. Concurrent callers share one
// poll.
// POST /api/v1/network/refresh
func handleNetworkRefresh(monitor *telemetry.Monitor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := monitor.Refresh(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, networkResponse{Available: true, Snapshot: &snap, Trend: monitor.Trend()}, http.StatusOK)
	})
}

// GET /api/v1/archive/transfers
func handleArchivedTransfers(archive Archive, km *keys.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, limit, ok := archiveQuery(w, r, km)
		if !ok {
			return
		}
		rows, err := archive.ListTransfers(r.Context(), owner, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list archived transfers", "owner", owner, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"owner":     owner,
			"transfers": rows,
			"count":     len(rows),
		}, http.StatusOK)
	})
}

// GET /api/v1/archive/transactions
func handleArchivedRecords(archive Archive, km *keys.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, limit, ok := archiveQuery(w, r, km)
		if !ok {
			return
		}
		recs, err := archive.ListRecords(r.Context(), owner, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list archived records", "owner", owner, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"owner":        owner,
			"transactions": recs,
			"count":        len(recs),
		}, http.StatusOK)
	})
}

// archiveQuery reads ?owner= (defaulting to the active key) and ?limit=.
func archiveQuery(w http.ResponseWriter, r *http.Request, km *keys.Manager) (string, int32, bool) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		kp, err := km.Active()
		if err != nil {
			writeError(w, "owner is required when no keypair is active", http.StatusBadRequest)
			return "", 0, false
		}
		owner = kp.PublicKey().String()
	} else if _, err := solana.ValidateAddress(owner); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", 0, false
	}

	limit := defaultArchiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxArchiveLimit {
			writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxArchiveLimit), http.StatusBadRequest)
			return "", 0, false
		}
		limit = n
	}
	return owner, int32(limit), true
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "invalid schedule id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeJSON reads a size-limited JSON body into dst. It writes the 400
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, keys.ErrInvalidKeyFormat),
		errors.Is(err, solana.ErrInvalidAddress),
		errors.Is(err, solana.ErrInvalidAmount),
		errors.Is(err, solana.ErrAirdropUnsupported),
		errors.Is(err, schedule.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, keys.ErrNoActiveKey),
		errors.Is(err, schedule.ErrNotCancelable),
		errors.Is(err, scheduler.ErrKeypairChanged):
		return http.StatusConflict
	case errors.Is(err, schedule.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, solana.ErrSubmissionRejected):
		return http.StatusBadGateway
	case errors.Is(err, solana.ErrNetworkUnavailable),
		errors.Is(err, telemetry.ErrTelemetryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, solana.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Unmapped errors are
// logged and hidden behind a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", status)
		return
	}
	logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}
