package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"escrowmesh/core/state"
	"escrowmesh/native/deal"
	"escrowmesh/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	// Mutations per source per second, with a small burst allowance.
	mutationRate  = rate.Limit(5)
	mutationBurst = 10
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeDealInvalidParams = -32021
	codeDealNotFound      = -32022
	codeDealForbidden     = -32023
	codeDealConflict      = -32024
	codeDealState         = -32025
	codeRateLimited       = -32026
)

// Server exposes the deal engine over JSON-RPC 2.0 on a single endpoint.
type Server struct {
	engine *deal.Engine
	state  *state.Manager
	logger *slog.Logger

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	authToken string
}

// NewServer wires the deal engine and state manager into an RPC server. The
// bearer token guarding mutations is read from ESCROWD_RPC_TOKEN.
func NewServer(engine *deal.Engine, manager *state.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	token := strings.TrimSpace(os.Getenv("ESCROWD_RPC_TOKEN"))
	return &Server{
		engine:    engine,
		state:     manager,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		authToken: token,
	}
}

// Handler returns the http handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC request", err.Error())
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	requestID := uuid.NewString()
	logger := s.logger.With(slog.String("requestId", requestID), slog.String("method", method))

	code := s.dispatch(w, r, &req, logger)
	observability.ModuleMetrics().ObserveRequest(method, code, time.Since(started))
}

// dispatch routes the request and returns the RPC error code emitted, zero on
// success, for metrics accounting.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest, logger *slog.Logger) int {
	mutation := isMutation(req.Method)
	if mutation {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return authErr.Code
		}
		if !s.allowSource(sourceAddr(r)) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
			return codeRateLimited
		}
	}

	switch req.Method {
	case "deal_create":
		return s.handleDealCreate(w, req, logger)
	case "deal_fund":
		return s.handleDealFund(w, req, logger)
	case "deal_deliver":
		return s.handleDealDeliver(w, req, logger)
	case "deal_release":
		return s.handleDealRelease(w, req, logger)
	case "deal_refund":
		return s.handleDealRefund(w, req, logger)
	case "deal_dispute":
		return s.handleDealDispute(w, req, logger)
	case "deal_resolve":
		return s.handleDealResolve(w, req, logger)
	case "deal_cancel":
		return s.handleDealCancel(w, req, logger)
	case "deal_get":
		return s.handleDealGet(w, req)
	case "deal_list":
		return s.handleDealList(w, req)
	case "deal_listByStatus":
		return s.handleDealListByStatus(w, req)
	case "deal_snapshot":
		return s.handleDealSnapshot(w, req)
	case "deal_timer":
		return s.handleDealTimer(w, req)
	case "timer_set":
		return s.handleTimerSet(w, req, logger)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return codeMethodNotFound
	}
}

func isMutation(method string) bool {
	switch method {
	case "deal_create", "deal_fund", "deal_deliver", "deal_release",
		"deal_refund", "deal_dispute", "deal_resolve", "deal_cancel", "timer_set":
		return true
	default:
		return false
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(mutationRate, mutationBurst)
		s.limiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// dealError maps engine failures onto the module error code block and an
// HTTP status.
func dealError(err error) (int, int) {
	switch {
	case errors.Is(err, deal.ErrNotFound):
		return http.StatusNotFound, codeDealNotFound
	case errors.Is(err, deal.ErrUnauthorized):
		return http.StatusForbidden, codeDealForbidden
	case errors.Is(err, deal.ErrAlreadyExists):
		return http.StatusConflict, codeDealConflict
	case errors.Is(err, deal.ErrWrongStatus), errors.Is(err, deal.ErrInvalidTransition):
		return http.StatusConflict, codeDealState
	case errors.Is(err, deal.ErrMissingDealID),
		errors.Is(err, deal.ErrMissingCaller),
		errors.Is(err, deal.ErrMissingSeller),
		errors.Is(err, deal.ErrMissingReason),
		errors.Is(err, deal.ErrMissingStatus),
		errors.Is(err, deal.ErrInvalidResolution):
		return http.StatusBadRequest, codeDealInvalidParams
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

func writeDealError(w http.ResponseWriter, id interface{}, err error) int {
	status, code := dealError(err)
	writeError(w, status, id, code, err.Error(), nil)
	return code
}
