package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"escrowmesh/core/state"
	"escrowmesh/native/deal"
)

// Param shapes mirror the external schema layer: string length bounds are
// enforced here, before anything reaches the engine. The engine still
// re-validates presence of the values it depends on.

type dealCreateParams struct {
	Caller  string `json:"caller"`
	DealID  string `json:"dealId"`
	Title   string `json:"title"`
	Amount  string `json:"amount"`
	Asset   string `json:"asset"`
	Buyer   string `json:"buyer,omitempty"`
	Seller  string `json:"seller,omitempty"`
	Arbiter string `json:"arbiter,omitempty"`
	Terms   string `json:"terms,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      *int64 `json:"ts,omitempty"`
}

type dealFundParams struct {
	Caller  string `json:"caller"`
	DealID  string `json:"dealId"`
	FundRef string `json:"fundRef,omitempty"`
	TS      *int64 `json:"ts,omitempty"`
}

type dealDeliverParams struct {
	Caller string `json:"caller"`
	DealID string `json:"dealId"`
	Proof  string `json:"proof,omitempty"`
	TS     *int64 `json:"ts,omitempty"`
}

type dealReleaseParams struct {
	Caller string `json:"caller"`
	DealID string `json:"dealId"`
	TxRef  string `json:"txRef,omitempty"`
	TS     *int64 `json:"ts,omitempty"`
}

type dealRefundParams struct {
	Caller string `json:"caller"`
	DealID string `json:"dealId"`
	Reason string `json:"reason,omitempty"`
	TxRef  string `json:"txRef,omitempty"`
	TS     *int64 `json:"ts,omitempty"`
}

type dealDisputeParams struct {
	Caller string `json:"caller"`
	DealID string `json:"dealId"`
	Reason string `json:"reason"`
	TS     *int64 `json:"ts,omitempty"`
}

type dealResolveParams struct {
	Caller     string `json:"caller"`
	DealID     string `json:"dealId"`
	Resolution string `json:"resolution"`
	Note       string `json:"note,omitempty"`
	TxRef      string `json:"txRef,omitempty"`
	TS         *int64 `json:"ts,omitempty"`
}

type dealCancelParams struct {
	Caller string `json:"caller"`
	DealID string `json:"dealId"`
	Reason string `json:"reason,omitempty"`
	TS     *int64 `json:"ts,omitempty"`
}

type dealGetParams struct {
	DealID string `json:"dealId"`
}

type dealListParams struct {
	Limit int `json:"limit,omitempty"`
}

type dealListByStatusParams struct {
	Status string `json:"status"`
	Limit  int    `json:"limit,omitempty"`
}

type timerSetParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type dealListResult struct {
	Total int          `json:"total"`
	Deals []*deal.Deal `json:"deals"`
}

type timerResult struct {
	CurrentTime *int64 `json:"currentTime"`
}

type timerSetResult struct {
	Stored bool `json:"stored"`
}

func decodeParams(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeDealInvalidParams, Message: "invalid_params", Data: "exactly one parameter object expected"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeDealInvalidParams, Message: "invalid_params", Data: err.Error()}
	}
	return nil
}

// boundErr reports a field whose length falls outside the schema range.
// Optional fields pass min with an empty value.
func boundErr(field, value string, min, max int, optional bool) *RPCError {
	if optional && value == "" {
		return nil
	}
	if len(value) < min || len(value) > max {
		return &RPCError{
			Code:    codeDealInvalidParams,
			Message: "invalid_params",
			Data:    fmt.Sprintf("%s length must be between %d and %d", field, min, max),
		}
	}
	return nil
}

func firstBoundErr(errs ...*RPCError) *RPCError {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func writeParamError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) int {
	writeError(w, http.StatusBadRequest, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	return rpcErr.Code
}

func (s *Server) handleDealCreate(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealCreateParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("title", params.Title, 3, 160, false),
		boundErr("amount", params.Amount, 1, 64, false),
		boundErr("asset", params.Asset, 1, 32, false),
		boundErr("buyer", params.Buyer, 3, 128, true),
		boundErr("seller", params.Seller, 3, 128, true),
		boundErr("arbiter", params.Arbiter, 3, 128, true),
		boundErr("terms", params.Terms, 1, 4000, true),
		boundErr("channel", params.Channel, 1, 160, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Create(params.Caller, deal.CreateParams{
		DealID:  params.DealID,
		Title:   params.Title,
		Amount:  params.Amount,
		Asset:   params.Asset,
		Buyer:   params.Buyer,
		Seller:  params.Seller,
		Arbiter: params.Arbiter,
		Terms:   params.Terms,
		Channel: params.Channel,
		TS:      params.TS,
	})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_create ok", slog.String("dealId", d.DealID), slog.String("createdBy", d.CreatedBy))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealFund(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealFundParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("fundRef", params.FundRef, 1, 256, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Fund(params.Caller, deal.FundParams{DealID: params.DealID, FundRef: params.FundRef, TS: params.TS})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_fund ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealDeliver(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealDeliverParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("proof", params.Proof, 1, 8000, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Deliver(params.Caller, deal.DeliverParams{DealID: params.DealID, Proof: params.Proof, TS: params.TS})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_deliver ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealRelease(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealReleaseParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("txRef", params.TxRef, 1, 256, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Release(params.Caller, deal.ReleaseParams{DealID: params.DealID, TxRef: params.TxRef, TS: params.TS})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_release ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealRefund(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealRefundParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("reason", params.Reason, 1, 1200, true),
		boundErr("txRef", params.TxRef, 1, 256, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Refund(params.Caller, deal.RefundParams{DealID: params.DealID, Reason: params.Reason, TxRef: params.TxRef, TS: params.TS})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_refund ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealDispute(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealDisputeParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("reason", params.Reason, 1, 1200, false),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Dispute(params.Caller, deal.DisputeParams{DealID: params.DealID, Reason: params.Reason, TS: params.TS})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_dispute ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealResolve(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealResolveParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("resolution", params.Resolution, 1, 32, false),
		boundErr("note", params.Note, 1, 1200, true),
		boundErr("txRef", params.TxRef, 1, 256, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Resolve(params.Caller, deal.ResolveParams{
		DealID:     params.DealID,
		Resolution: params.Resolution,
		Note:       params.Note,
		TxRef:      params.TxRef,
		TS:         params.TS,
	})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_resolve ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller), slog.String("status", string(d.Status)))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealCancel(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params dealCancelParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := firstBoundErr(
		boundErr("dealId", params.DealID, 3, 64, false),
		boundErr("reason", params.Reason, 1, 1200, true),
	); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.Cancel(params.Caller, deal.CancelParams{DealID: params.DealID, Reason: params.Reason, TS: params.TS})
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	logger.Info("deal_cancel ok", slog.String("dealId", d.DealID), slog.String("by", params.Caller))
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealGet(w http.ResponseWriter, req *RPCRequest) int {
	var params dealGetParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := boundErr("dealId", params.DealID, 3, 64, false); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	d, err := s.engine.GetDeal(params.DealID)
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	writeResult(w, req.ID, d)
	return 0
}

func (s *Server) handleDealList(w http.ResponseWriter, req *RPCRequest) int {
	params := dealListParams{}
	if len(req.Params) > 0 {
		if rpcErr := decodeParams(req, &params); rpcErr != nil {
			return writeParamError(w, req.ID, rpcErr)
		}
	}
	if params.Limit < 0 || params.Limit > deal.MaxListLimit {
		return writeParamError(w, req.ID, &RPCError{
			Code:    codeDealInvalidParams,
			Message: "invalid_params",
			Data:    fmt.Sprintf("limit must be between 1 and %d", deal.MaxListLimit),
		})
	}
	deals, err := s.engine.ListDeals(params.Limit)
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	writeResult(w, req.ID, dealListResult{Total: len(deals), Deals: deals})
	return 0
}

func (s *Server) handleDealListByStatus(w http.ResponseWriter, req *RPCRequest) int {
	var params dealListByStatusParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := boundErr("status", params.Status, 1, 64, false); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if params.Limit < 0 || params.Limit > deal.MaxListLimit {
		return writeParamError(w, req.ID, &RPCError{
			Code:    codeDealInvalidParams,
			Message: "invalid_params",
			Data:    fmt.Sprintf("limit must be between 1 and %d", deal.MaxListLimit),
		})
	}
	deals, err := s.engine.ListDealsByStatus(params.Status, params.Limit)
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	writeResult(w, req.ID, dealListResult{Total: len(deals), Deals: deals})
	return 0
}

func (s *Server) handleDealSnapshot(w http.ResponseWriter, req *RPCRequest) int {
	snap, err := s.engine.Snapshot()
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	writeResult(w, req.ID, snap)
	return 0
}

func (s *Server) handleDealTimer(w http.ResponseWriter, req *RPCRequest) int {
	v, err := s.engine.Timer()
	if err != nil {
		return writeDealError(w, req.ID, err)
	}
	writeResult(w, req.ID, timerResult{CurrentTime: v})
	return 0
}

// handleTimerSet is the externally-triggered key/value write path: a record
// whose key is the well-known timer key advances the process-wide clock.
// Values are stored verbatim, any other key is ignored.
func (s *Server) handleTimerSet(w http.ResponseWriter, req *RPCRequest, logger *slog.Logger) int {
	var params timerSetParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if rpcErr := boundErr("key", params.Key, 1, 256, false); rpcErr != nil {
		return writeParamError(w, req.ID, rpcErr)
	}
	if len(params.Value) == 0 {
		return writeParamError(w, req.ID, &RPCError{Code: codeDealInvalidParams, Message: "invalid_params", Data: "value required"})
	}
	if params.Key != state.TimerKey {
		writeResult(w, req.ID, timerSetResult{Stored: false})
		return 0
	}
	if err := s.state.SetCurrentTimeRaw(params.Value); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return codeServerError
	}
	logger.Info("timer updated", slog.String("key", params.Key))
	writeResult(w, req.ID, timerSetResult{Stored: true})
	return 0
}
