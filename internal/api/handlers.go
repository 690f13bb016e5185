package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"Relay-Faucet/internal/auth"
	xerrors "Relay-Faucet/internal/errors"
	"Relay-Faucet/internal/ledger"
	"Relay-Faucet/internal/operation"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 16

type addressRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount,omitempty"`
}

type stressRequest struct {
	Count int `json:"count"`
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type messageBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.relayer.Fund(r.Context(), req.Address, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.relayer.Mine(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.relayer.Claim(r.Context(), req.Address)
	if stdErrors.Is(err, ledger.ErrNothingToClaim) {
		writeJSON(w, http.StatusOK, messageBody{Success: false, Message: "No rewards to claim."})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.relayer.Claimable(r.Context(), req.Address)
	if stdErrors.Is(err, ledger.ErrNothingToClaim) {
		writeJSON(w, http.StatusOK, messageBody{Success: false, Message: "No claimable balance."})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	var req stressRequest
	if !decode(w, r, &req) {
		return
	}
	s.logger.Info("压力测试请求",
		slog.Int("count", req.Count),
		slog.String("caller", auth.CallerName(r.Context())))
	result, err := s.relayer.Stress(r.Context(), req.Count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.relayer.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := []operation.ListOption{operation.WithLimit(queryInt(q.Get("limit"), 20))}
	if offset := queryInt(q.Get("offset"), 0); offset > 0 {
		opts = append(opts, operation.WithOffset(offset))
	}
	if user := q.Get("address"); user != "" {
		opts = append(opts, operation.WithUser(user))
	}
	if raw := q.Get("kind"); raw != "" {
		var kinds []operation.Kind
		for _, k := range strings.Split(raw, ",") {
			kinds = append(kinds, operation.Kind(strings.TrimSpace(k)))
		}
		opts = append(opts, operation.WithKinds(kinds...))
	}
	if raw := q.Get("status"); raw != "" {
		status := operation.Status(raw)
		if !operation.IsValidStatus(status) {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "未知的操作状态"))
			return
		}
		opts = append(opts, operation.WithStatuses(status))
	}

	records, err := s.relayer.Operations(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	record, err := s.relayer.Operation(r.Context(), chi.URLParam(r, "id"))
	if stdErrors.Is(err, operation.ErrRecordNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Operation not found"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	recent := s.relayer.RecentEvents(queryInt(r.URL.Query().Get("limit"), 50))
	if recent == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

// StatusFor 将错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeAllWorkersBusy:
		return http.StatusServiceUnavailable
	case xerrors.CodeWithdrawalInProgress:
		return http.StatusConflict
	case xerrors.CodeTransientNetwork, xerrors.CodeRetriesExhausted, xerrors.CodeNotConnected:
		return http.StatusBadGateway
	}
	// 资助失败等包装错误按其内部的重试耗尽判断。
	if xerrors.HasCode(err, xerrors.CodeRetriesExhausted) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error(), Code: string(xerrors.CodeOf(err))}
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
	case http.StatusBadGateway:
		body.Error = "Network connectivity issues"
		body.Details = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !stdErrors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "请求体解析失败", Code: string(xerrors.CodeInvalidArgument)})
		return false
	}
	return true
}

// writeSuccess 输出带 success 字段的结果对象。
func writeSuccess(w http.ResponseWriter, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	fields["success"] = json.RawMessage("true")
	writeJSON(w, http.StatusOK, fields)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
		return parsed
	}
	return fallback
}
