package rpc

import (
	"log/slog"
	"net/http"

	"shillmarket/indexer"
	"shillmarket/observability"
)

func (s *Server) handleSendInstruction(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.auth.verify(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	source := clientSource(r)
	if !s.limiter.Allow(source) {
		observability.ModuleMetrics().RecordThrottle("escrow", "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, CodeRateLimited, "instruction rate limit exceeded", source)
		return
	}
	var params InstructionParams
	if err := decodeSingle(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid instruction", err.Error())
		return
	}
	ins, err := params.Instruction()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid instruction", err.Error())
		return
	}
	receipt, err := s.node.SubmitInstruction(r.Context(), ins)
	if err != nil {
		s.logger.Debug("instruction refused",
			slog.String("requestId", w.Header().Get(requestIDHeader)),
			slog.String("kind", params.Kind),
			slog.Any("error", err))
		writeAppError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receiptResult(receipt))
}

func (s *Server) handleGetTreasury(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	view, err := s.node.Treasury()
	if err != nil {
		writeAppError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, treasuryResult(view))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params orderIDParams
	if err := decodeSingle(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	view, err := s.node.Escrow(params.OrderID)
	if err != nil {
		writeAppError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowResult(view))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, CodeIndexerUnavailable, "escrow index disabled", nil)
		return
	}
	var params ListEscrowsParams
	if len(req.Params) > 0 {
		if err := decodeSingle(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	for _, field := range []*string{&params.Client, &params.Executor} {
		if *field == "" {
			continue
		}
		addr, err := parseAddress(*field)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address filter", err.Error())
			return
		}
		*field = identityString(addr)
	}
	records, total, err := s.index.ListEscrows(r.Context(), indexer.Filter{
		Client:   params.Client,
		Executor: params.Executor,
		Status:   params.Status,
		Limit:    params.Limit,
		Offset:   params.Offset,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "list escrows", err.Error())
		return
	}
	if records == nil {
		records = []indexer.EscrowRecord{}
	}
	writeResult(w, req.ID, ListEscrowsResult{Escrows: records, Total: total})
}

func (s *Server) handleDeriveAddresses(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params orderIDParams
	if err := decodeSingle(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	derived, err := s.node.DeriveAddresses(params.OrderID)
	if err != nil {
		writeAppError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, DerivedAddressesResult{
		OrderID:      params.OrderID,
		Treasury:     programString(derived.Treasury),
		TreasuryBump: derived.TreasuryBump,
		Escrow:       programString(derived.Escrow),
		EscrowBump:   derived.EscrowBump,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if err := decodeSingle(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	account, err := s.node.Account(addr)
	if err != nil {
		writeAppError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, accountResult(addr, account))
}
