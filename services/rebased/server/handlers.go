package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	nativecommon "stakeledger/native/common"
	"stakeledger/native/sanity"
	"stakeledger/services/rebased/history"
	"stakeledger/services/rebased/middleware"
)

const moduleWithdrawals = "withdrawals"

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	report, err := req.toReport()
	if err != nil {
		writeFailure(w, err)
		return
	}
	ctx := r.Context()
	requestID := middleware.RequestID(ctx)
	record, err := s.engine.HandleOracleReport(ctx, report)
	if err != nil {
		if herr := s.history.RecordRejection(ctx, requestID, report.Timestamp, err); herr != nil {
			s.logger.Error("rebased: record rejection", slog.String("request_id", requestID), slog.String("error", herr.Error()))
		}
		writeFailure(w, err)
		return
	}
	// The ledger has committed; a history failure only affects the indexer.
	if herr := s.history.RecordRebase(ctx, requestID, record); herr != nil {
		s.logger.Error("rebased: record rebase", slog.String("request_id", requestID), slog.String("error", herr.Error()))
	}
	s.logger.Info("rebased: report accepted",
		slog.String("request_id", requestID),
		slog.String("subject", middleware.Subject(ctx)),
		slog.Uint64("timestamp", record.ReportTimestamp))
	writeJSON(w, http.StatusOK, newRecordResponse(record))
}

func (s *Server) handleRebases(w http.ResponseWriter, r *http.Request) {
	rows, err := s.history.Rebases(r.Context(), queryLimit(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebases": rows})
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	rows, err := s.history.Rejections(r.Context(), queryLimit(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rejections": rows})
}

func (s *Server) handleAPR(w http.ResponseWriter, r *http.Request) {
	apr, latest, err := s.history.APR(r.Context())
	if errors.Is(err, history.ErrNoRebases) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"apr":             apr,
		"reportTimestamp": latest.ReportTimestamp,
		"timeElapsed":     latest.TimeElapsed,
	})
}

func (s *Server) handleExternalMint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	recipient, shares, err := req.parse(true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	value, err := s.engine.MintExternalShares(recipient, shares)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleExternalBurn(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	holder, shares, err := req.parse(true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	value, err := s.engine.BurnExternalShares(holder, shares)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleExternalRebalance(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	_, value, err := req.parse(false)
	if err != nil {
		writeFailure(w, err)
		return
	}
	shares, err := s.engine.RebalanceExternalToInternal(value)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	sender, value, err := req.parse(true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	shares, err := s.engine.Submit(sender, value)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.engine.DepositBufferedValue(req.Count); err != nil {
		writeFailure(w, err)
		return
	}
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"depositedValidators": snap.DepositedValidators,
		"bufferedValue":       dec(snap.BufferedValue),
	})
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Shares string `json:"shares"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	from, err := parseAddress(req.From)
	if err != nil {
		writeFailure(w, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeFailure(w, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares, true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.engine.TransferShares(from, to, shares); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": dec(shares)})
}

// handleRequestWithdrawal moves the owner's shares to the queue holder and
// enqueues a request for their current value.
func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	owner, shares, err := req.parse(true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	id, value, err := s.engine.RequestWithdrawal(owner, shares, uint64(s.now().Unix()))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "shares": dec(shares), "value": dec(value)})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request id"})
		return
	}
	req, err := s.queue.Request(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        req.ID,
		"owner":     req.Owner.Hex(),
		"value":     dec(req.Value),
		"shares":    dec(req.Shares),
		"timestamp": req.Timestamp,
		"finalized": req.Finalized,
		"locked":    dec(req.Locked),
	})
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var limits sanity.LimitsList
	if err := decodeJSON(w, r, &limits); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.engine.SetOracleReportLimits(limits); err != nil {
		writeFailure(w, err)
		return
	}
	s.logger.Info("rebased: oracle report limits updated", slog.String("subject", middleware.Subject(r.Context())))
	writeJSON(w, http.StatusOK, s.engine.OracleReportLimits())
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	switch module {
	case nativecommon.ModuleStaking, nativecommon.ModuleExternal, nativecommon.ModuleOracle:
		s.pauses.Set(module, req.Paused)
	case moduleWithdrawals:
		if s.queue == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "withdrawal queue not configured"})
			return
		}
		s.queue.SetPaused(req.Paused)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown module " + strconv.Quote(module)})
		return
	}
	s.logger.Info("rebased: pause toggled",
		slog.String("module", module),
		slog.Bool("paused", req.Paused),
		slog.String("subject", middleware.Subject(r.Context())))
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "paused": req.Paused})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}
