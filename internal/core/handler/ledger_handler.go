package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/middleware"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/internal/core/usecase"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

type LedgerHandler struct {
	usecase  usecase.LedgerUsecase
	validate *validator.Validate
	log      logger.Logger
}

type TipRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,max=128"`
	Amount      string `json:"amount" validate:"required"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
}

type SubscriptionRequest struct {
	CreatorID string `json:"creator_id" validate:"required,max=128"`
	Amount    string `json:"amount" validate:"required"`
	Currency  string `json:"currency" validate:"required,len=3,alpha"`
}

type WithdrawalRequest struct {
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

type DepositRequest struct {
	UserID   string `json:"user_id" validate:"required,max=128"`
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

type ResolveWithdrawalRequest struct {
	Status string `json:"status" validate:"required,oneof=completed failed"`
}

type TransactionResponse struct {
	TransactionID string    `json:"transaction_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	SenderID      string    `json:"sender_id,omitempty"`
	RecipientID   string    `json:"recipient_id,omitempty"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type WalletResponse struct {
	OwnerID   string    `json:"owner_id"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func NewLedgerHandler(usecase usecase.LedgerUsecase, log logger.Logger) *LedgerHandler {
	return &LedgerHandler{usecase: usecase, validate: validator.New(), log: log}
}

// RegisterRoutes mounts the caller routes on api and the operator routes on
// admin. Both routers are expected to authenticate; admin must also require
// the admin role.
func (h *LedgerHandler) RegisterRoutes(api, admin *mux.Router) {
	api.HandleFunc("/tips", h.SendTip).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", h.Subscribe).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals", h.RequestWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/wallet", h.GetWallet).Methods(http.MethodGet)
	api.HandleFunc("/transactions/sent", h.ListSent).Methods(http.MethodGet)
	api.HandleFunc("/transactions/received", h.ListReceived).Methods(http.MethodGet)

	admin.HandleFunc("/deposits", h.Deposit).Methods(http.MethodPost)
	admin.HandleFunc("/withdrawals/{id}", h.ResolveWithdrawal).Methods(http.MethodPatch)
}

func (h *LedgerHandler) SendTip(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req TipRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, currency, ok := h.money(w, req.Amount, req.Currency)
	if !ok {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}

	tx, err := h.usecase.SendTip(r.Context(), caller.Subject, req.RecipientID, amount, currency, key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *LedgerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req SubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, currency, ok := h.money(w, req.Amount, req.Currency)
	if !ok {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}

	tx, err := h.usecase.Subscribe(r.Context(), caller.Subject, req.CreatorID, amount, currency, key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *LedgerHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req WithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, currency, ok := h.money(w, req.Amount, req.Currency)
	if !ok {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}

	tx, err := h.usecase.RequestWithdrawal(r.Context(), caller.Subject, amount, currency, key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, toTransactionResponse(tx))
}

func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, currency, ok := h.money(w, req.Amount, req.Currency)
	if !ok {
		return
	}
	key, ok := h.idempotencyKey(w, r)
	if !ok {
		return
	}

	tx, err := h.usecase.Deposit(r.Context(), req.UserID, amount, currency, key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *LedgerHandler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, usecase.CodeInvalidTransfer, "invalid transaction id")
		return
	}
	var req ResolveWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.usecase.ResolveWithdrawal(r.Context(), id, models.Status(req.Status))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *LedgerHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	wallet, err := h.usecase.GetWallet(r.Context(), caller.Subject)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, WalletResponse{
		OwnerID:   wallet.OwnerID,
		Balance:   formatAmount(wallet.Balance, wallet.CurrencyCode),
		Currency:  wallet.CurrencyCode,
		Version:   wallet.Version,
		UpdatedAt: wallet.UpdatedAt,
	})
}

func (h *LedgerHandler) ListSent(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	txs, err := h.usecase.ListSentTransactions(r.Context(), caller.Subject, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toListResponse(txs))
}

func (h *LedgerHandler) ListReceived(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	txs, err := h.usecase.ListReceivedTransactions(r.Context(), caller.Subject, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toListResponse(txs))
}

func (h *LedgerHandler) caller(w http.ResponseWriter, r *http.Request) (middleware.Caller, bool) {
	c, ok := middleware.CallerFrom(r.Context())
	if !ok || c.Subject == "" {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return middleware.Caller{}, false
	}
	return c, true
}

func (h *LedgerHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.log.Warn("Failed to decode request body",
			logger.StringField("path", r.URL.Path),
			logger.ErrorField("error", err))
		respondWithError(w, http.StatusBadRequest, usecase.CodeInvalidTransfer, "invalid request payload")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = fmt.Sprintf("field %s failed %q validation", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		h.log.Warn("Request validation failed",
			logger.StringField("path", r.URL.Path),
			logger.StringField("reason", msg))
		respondWithError(w, http.StatusBadRequest, usecase.CodeInvalidTransfer, msg)
		return false
	}
	return true
}

func (h *LedgerHandler) money(w http.ResponseWriter, rawAmount, rawCurrency string) (int64, string, bool) {
	currency, ok := models.LookupCurrency(rawCurrency)
	if !ok {
		respondWithError(w, http.StatusBadRequest, usecase.CodeUnsupportedCurrency,
			fmt.Sprintf("unsupported currency %q", rawCurrency))
		return 0, "", false
	}

	amount, err := parseAmount(rawAmount, currency)
	if err != nil {
		h.log.Warn("Invalid amount",
			logger.StringField("amount", rawAmount),
			logger.ErrorField("error", err))
		respondWithError(w, http.StatusBadRequest, usecase.CodeInvalidTransfer, err.Error())
		return 0, "", false
	}
	return amount, currency.Code, true
}

func (h *LedgerHandler) idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(key) > 128 {
		respondWithError(w, http.StatusBadRequest, usecase.CodeInvalidTransfer, "idempotency key is longer than 128 characters")
		return "", false
	}
	return key, true
}

func (h *LedgerHandler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		respondWithError(w, http.StatusBadRequest, usecase.CodeInvalidTransfer, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

func (h *LedgerHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := usecase.ErrorCode(err)
	fields := []logger.Field{
		logger.StringField("method", r.Method),
		logger.StringField("path", r.URL.Path),
		logger.StringField("code", code),
		logger.ErrorField("error", err),
	}

	switch code {
	case usecase.CodeInvalidTransfer, usecase.CodeUnsupportedCurrency:
		h.log.Warn("Rejected request", fields...)
		respondWithError(w, http.StatusBadRequest, code, err.Error())
	case usecase.CodeInsufficientFunds, usecase.CodeCurrencyMismatch:
		h.log.Warn("Rejected request", fields...)
		respondWithError(w, http.StatusUnprocessableEntity, code, err.Error())
	case usecase.CodeNotFound:
		h.log.Warn("Not found", fields...)
		respondWithError(w, http.StatusNotFound, code, "not found")
	case usecase.CodeDuplicateTransaction, usecase.CodeInvalidStatusTransition:
		h.log.Warn("Conflicting request", fields...)
		respondWithError(w, http.StatusConflict, code, err.Error())
	case usecase.CodeConflict:
		h.log.Error("Wallet contention", fields...)
		w.Header().Set("Retry-After", "1")
		respondWithError(w, http.StatusServiceUnavailable, code, "wallet is busy, retry later")
	case usecase.CodeTimeout:
		h.log.Error("Request timed out", fields...)
		respondWithError(w, http.StatusGatewayTimeout, code, "request timed out")
	default:
		h.log.Error("Failed to process request", fields...)
		respondWithError(w, http.StatusInternalServerError, usecase.CodeInternal, "Failed to process request")
	}
}

func toTransactionResponse(tx *models.Transaction) TransactionResponse {
	resp := TransactionResponse{
		TransactionID: tx.ID.String(),
		Kind:          string(tx.Kind),
		Status:        string(tx.Status),
		Amount:        formatAmount(tx.Amount, tx.Currency),
		Currency:      tx.Currency,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
	if tx.SenderID != nil {
		resp.SenderID = *tx.SenderID
	}
	if tx.RecipientID != nil {
		resp.RecipientID = *tx.RecipientID
	}
	return resp
}

func toListResponse(txs []*models.Transaction) TransactionListResponse {
	out := TransactionListResponse{Transactions: make([]TransactionResponse, 0, len(txs))}
	for _, tx := range txs {
		out.Transactions = append(out.Transactions, toTransactionResponse(tx))
	}
	return out
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	respondWithJSON(w, code, ErrorResponse{Code: errCode, Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":"internal_error","error":"Internal Server Error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
