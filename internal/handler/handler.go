package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/auth"
	"github.com/iurnickita/affiliate/internal/handler/config"
	"github.com/iurnickita/affiliate/internal/logger"
	"github.com/iurnickita/affiliate/internal/metrics"
	"github.com/iurnickita/affiliate/internal/reconcile"
	"github.com/iurnickita/affiliate/internal/service"
	"github.com/iurnickita/affiliate/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Serve работает до отмены ctx, затем корректно останавливает сервер
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, jobs reconcile.Reconciler, zaplog *zap.Logger) error {
	h := newHandler(auth, service, jobs, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth    auth.Auth
	service service.Service
	jobs    reconcile.Reconciler
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, jobs reconcile.Reconciler, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		jobs:    jobs,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	h.handle(mux, "POST /api/orders/{id}/process", h.PostProcessOrder)
	h.handle(mux, "POST /api/jobs/daily", h.PostDailyJobs)
	h.handle(mux, "POST /api/program/invalidate", h.PostProgramInvalidate)
	h.handle(mux, "GET /api/affiliates/{id}/balance", h.GetBalance)
	h.handle(mux, "GET /api/affiliates/{id}/ledger", h.GetLedger)
	h.handle(mux, "GET /api/affiliates/{id}/referrals", h.GetReferrals)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

func (h *handler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, metrics.Middleware(pattern, logger.RequestLogMdlw(h.auth.Middleware(fn), h.zaplog)))
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) PostProcessOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ProcessOrder(r.Context(), r.PathValue("id"))
	if errors.Is(err, service.ErrInsufficientData) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, resultStatus(result.Code), result)
}

func resultStatus(code string) int {
	switch code {
	case service.CodeOK, service.CodeZeroCommission:
		return http.StatusOK
	case service.CodeOrderNotFound:
		return http.StatusNotFound
	case service.CodeAlreadyProcessed:
		return http.StatusConflict
	case service.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

type PostDailyJobsJSONResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *handler) PostDailyJobs(w http.ResponseWriter, r *http.Request) {
	// задания выполняются до конца даже при разрыве соединения
	err := h.jobs.ProcessDailyJobs(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, PostDailyJobsJSONResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, PostDailyJobsJSONResponse{Success: true})
}

func (h *handler) PostProgramInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.InvalidateProgram(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type GetBalanceJSONResponse struct {
	Balance       decimal.Decimal `json:"balance"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	TierID        string          `json:"tier_id,omitempty"`
	RiskScore     int             `json:"risk_score"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	affiliate, err := h.service.GetBalance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GetBalanceJSONResponse{
		Balance:       affiliate.Balance,
		TotalEarnings: affiliate.TotalEarnings,
		TierID:        affiliate.TierID,
		RiskScore:     affiliate.RiskScore,
	})
}

type GetLedgerJSONResponse struct {
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	ReferenceID   string          `json:"reference_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (h *handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetLedger(r.Context(), r.PathValue("id"))
	if err != nil {
		h.error(w, err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ledgerJSON := make([]GetLedgerJSONResponse, 0, len(entries))
	for _, entry := range entries {
		ledgerJSON = append(ledgerJSON, GetLedgerJSONResponse{
			Type:          entry.Type,
			Amount:        entry.Amount,
			BalanceBefore: entry.BalanceBefore,
			BalanceAfter:  entry.BalanceAfter,
			Description:   entry.Description,
			ReferenceID:   entry.ReferenceID,
			CreatedAt:     entry.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, ledgerJSON)
}

type GetReferralsJSONResponse struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Status           string          `json:"status"`
	IsFlagged        bool            `json:"is_flagged"`
	IsMlmReward      bool            `json:"is_mlm_reward"`
	Level            int             `json:"level,omitempty"`
	AvailableAt      time.Time       `json:"available_at"`
}

func (h *handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	referrals, err := h.service.GetReferrals(r.Context(), r.PathValue("id"))
	if err != nil {
		h.error(w, err)
		return
	}
	if len(referrals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	referralsJSON := make([]GetReferralsJSONResponse, 0, len(referrals))
	for _, referral := range referrals {
		referralsJSON = append(referralsJSON, GetReferralsJSONResponse{
			ID:               referral.ID,
			OrderID:          referral.OrderID,
			CommissionAmount: referral.CommissionAmount,
			Status:           referral.Status,
			IsFlagged:        referral.IsFlagged,
			IsMlmReward:      referral.IsMlmReward,
			Level:            referral.Level,
			AvailableAt:      referral.AvailableAt,
		})
	}
	h.writeJSON(w, http.StatusOK, referralsJSON)
}

func (h *handler) error(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNoRows):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
