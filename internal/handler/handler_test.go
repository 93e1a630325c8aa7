package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/auth"
	authConfig "github.com/iurnickita/affiliate/internal/auth/config"
	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/program"
	programConfig "github.com/iurnickita/affiliate/internal/program/config"
	"github.com/iurnickita/affiliate/internal/reconcile"
	reconcileConfig "github.com/iurnickita/affiliate/internal/reconcile/config"
	"github.com/iurnickita/affiliate/internal/service"
	serviceConfig "github.com/iurnickita/affiliate/internal/service/config"
	"github.com/iurnickita/affiliate/internal/service/notifyclient"
	"github.com/iurnickita/affiliate/internal/store"
	"github.com/iurnickita/affiliate/internal/token"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *store.MemStore) {
	t.Helper()
	zaplog := zap.NewNop()
	now := func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) }

	mem := store.NewMemStore()
	mem.ProgramPut(model.Program{IsActive: true, CommissionRate: decimal.NewFromInt(10)})
	mem.AffiliatePut(model.Affiliate{ID: "a1", UserID: "u1", Status: model.AffiliateStatusActive})
	mem.OrderPut(model.Order{
		ID:          "o1",
		Total:       decimal.NewFromInt(200),
		AffiliateID: "a1",
		Items:       []model.OrderItem{{ProductID: "p1", Quantity: 1, Total: decimal.NewFromInt(200)}},
	})

	sender := notifyclient.NewLogSender(zaplog)
	svc := service.NewService(serviceConfig.Config{}, service.Deps{
		Store:   mem,
		Program: program.NewProvider(programConfig.Config{}, mem, nil, zaplog),
		Notify:  sender,
		Zaplog:  zaplog,
		Now:     now,
	})
	jobs := reconcile.NewReconciler(reconcileConfig.Config{}, reconcile.Deps{
		Store:  mem,
		Notify: sender,
		Zaplog: zaplog,
		Now:    now,
	})
	h := newHandler(auth.NewAuth(authConfig.Config{SecretKey: testSecret}, zaplog), svc, jobs, zaplog)

	srv := httptest.NewServer(h.newRouter())
	t.Cleanup(srv.Close)
	return srv, mem
}

func do(t *testing.T, srv *httptest.Server, method, path string) (*http.Response, []byte) {
	t.Helper()
	admin, err := token.BuildJWTString(testSecret, "ops", token.RoleAdmin, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestProcessOrderRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/orders/o1/process")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result service.Result
	require.NoError(t, json.Unmarshal(body, &result))
	require.True(t, result.Success)
	require.True(t, result.CommissionAmount.Equal(decimal.NewFromInt(20)))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = do(t, srv, http.MethodPost, "/api/orders/o1/process")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, service.CodeAlreadyProcessed, result.Code)

	resp, _ = do(t, srv, http.MethodPost, "/api/orders/nope/process")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/affiliates/a1/referrals")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var referrals []GetReferralsJSONResponse
	require.NoError(t, json.Unmarshal(body, &referrals))
	require.Len(t, referrals, 1)
	require.Equal(t, model.ReferralStatusPending, referrals[0].Status)
}

func TestDailyJobsRoute(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.ReferralPut(model.Referral{
		ID:               "r1",
		AffiliateID:      "a1",
		OrderID:          "old",
		CommissionAmount: decimal.NewFromInt(15),
		Status:           model.ReferralStatusPending,
		AvailableAt:      time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	})

	resp, body := do(t, srv, http.MethodPost, "/api/jobs/daily")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true}`, string(body))

	resp, body = do(t, srv, http.MethodGet, "/api/affiliates/a1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance GetBalanceJSONResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	require.True(t, balance.Balance.Equal(decimal.NewFromInt(15)))

	resp, body = do(t, srv, http.MethodGet, "/api/affiliates/a1/ledger")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ledger []GetLedgerJSONResponse
	require.NoError(t, json.Unmarshal(body, &ledger))
	require.Len(t, ledger, 1)
	require.Equal(t, "r1", ledger[0].ReferenceID)

	resp, _ = do(t, srv, http.MethodGet, "/api/affiliates/ghost/balance")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgramInvalidateRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/api/program/invalidate")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// без токена
	resp, err := srv.Client().Post(srv.URL+"/api/program/invalidate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
