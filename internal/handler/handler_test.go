package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/stocklot/stocklot-system/internal/middleware"
	"github.com/stocklot/stocklot-system/internal/model"
	"github.com/stocklot/stocklot-system/internal/repository"
	"github.com/stocklot/stocklot-system/internal/service"
	"github.com/stocklot/stocklot-system/internal/validation"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUser *model.User
	authErr  error

	previewResp  *model.CheckoutPreview
	previewErr   error
	previewCalls int

	confirmPreview *model.CheckoutPreview
	confirmOrders  []model.SellerOrder
	confirmErr     error

	estimateResp *model.FeeEstimate
	estimateErr  error

	payoutsResp []model.Payout
	summaryResp *model.PayoutSummary
	payoutsErr  error

	releaseResp *model.Payout
	releaseErr  error

	createConfigID  int64
	createConfigErr error

	configsResp []model.FeeConfig
	configsErr  error

	activateErr error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) PreviewCheckout(ctx context.Context, items []model.CartLineItem, currency string) (*model.CheckoutPreview, error) {
	s.previewCalls++
	return s.previewResp, s.previewErr
}

func (s *stubService) ConfirmCheckout(ctx context.Context, buyerID int64, items []model.CartLineItem, currency string) (*model.CheckoutPreview, []model.SellerOrder, error) {
	return s.confirmPreview, s.confirmOrders, s.confirmErr
}

func (s *stubService) EstimateFees(ctx context.Context, amountMinor int64, species string, isExport bool) (*model.FeeEstimate, error) {
	return s.estimateResp, s.estimateErr
}

func (s *stubService) GetSellerPayouts(ctx context.Context, viewer service.Viewer, sellerID int64, status model.PayoutStatus, limit int) ([]model.Payout, *model.PayoutSummary, error) {
	return s.payoutsResp, s.summaryResp, s.payoutsErr
}

func (s *stubService) ReleasePayout(ctx context.Context, viewer service.Viewer, sellerOrderID string) (*model.Payout, error) {
	return s.releaseResp, s.releaseErr
}

func (s *stubService) CreateFeeConfig(ctx context.Context, viewer service.Viewer, cfg *model.FeeConfig) (int64, error) {
	return s.createConfigID, s.createConfigErr
}

func (s *stubService) ListFeeConfigs(ctx context.Context, viewer service.Viewer) ([]model.FeeConfig, error) {
	return s.configsResp, s.configsErr
}

func (s *stubService) ActivateFeeConfig(ctx context.Context, viewer service.Viewer, id int64) error {
	return s.activateErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func doRouterRequest(t *testing.T, h *Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func authHeader(h *Handler, userID int64, role model.Role) string {
	return "Bearer " + h.authMiddleware.IssueToken(userID, role)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestPreviewCheckout_EmptyCart(t *testing.T) {
	svc := &stubService{
		previewResp: &model.CheckoutPreview{PerSeller: []model.SellerPreview{}},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{Cart: []model.CartLineItem{}, Currency: "ZAR"})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/preview", bytes.NewReader(body))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	if resp["success"] != true {
		t.Fatalf("success = %v, want true", resp["success"])
	}

	preview := resp["preview"].(map[string]any)
	if perSeller := preview["per_seller"].([]any); len(perSeller) != 0 {
		t.Fatalf("per_seller length = %d, want 0", len(perSeller))
	}
	if preview["grand_total"] != "R0.00" {
		t.Fatalf("grand_total = %v, want R0.00", preview["grand_total"])
	}
}

func TestPreviewCheckout_SingleSellerDisplay(t *testing.T) {
	svc := &stubService{
		previewResp: &model.CheckoutPreview{
			PerSeller: []model.SellerPreview{
				{
					SellerID: 7,
					FeeModel: model.FeeModelSellerPays,
					Lines: model.PreviewLines{
						MerchSubtotalMinor:      75000,
						DeliveryMinor:           5000,
						BuyerProcessingFeeMinor: 1200,
						EscrowServiceFeeMinor:   2500,
					},
					Totals: model.PreviewTotals{BuyerTotalMinor: 83700, SellerNetPayoutMinor: 70625},
				},
			},
			CartTotals: model.CartTotals{
				BuyerGrandTotalMinor:      83700,
				SellerTotalNetPayoutMinor: 70625,
			},
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{
		Cart:     []model.CartLineItem{{SellerID: 7, MerchSubtotalMinor: 75000, DeliveryMinor: 5000}},
		Currency: "ZAR",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/preview", bytes.NewReader(body))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	preview := resp["preview"].(map[string]any)
	perSeller := preview["per_seller"].([]any)
	if len(perSeller) != 1 {
		t.Fatalf("per_seller length = %d, want 1", len(perSeller))
	}

	display := perSeller[0].(map[string]any)["display"].(map[string]any)
	if display["merch_subtotal"] != "R750.00" {
		t.Fatalf("merch display = %v, want R750.00", display["merch_subtotal"])
	}
	if display["delivery"] != "R50.00" {
		t.Fatalf("delivery display = %v, want R50.00", display["delivery"])
	}
	if display["buyer_total"] != "R837.00" {
		t.Fatalf("buyer total display = %v, want R837.00", display["buyer_total"])
	}
	if preview["grand_total"] != "R837.00" {
		t.Fatalf("grand_total = %v, want R837.00", preview["grand_total"])
	}
}

func TestPreviewCheckout_UnsupportedCurrency(t *testing.T) {
	svc := &stubService{previewErr: service.ErrUnsupportedCurrency}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(checkoutRequest{
		Cart:     []model.CartLineItem{{SellerID: 1, MerchSubtotalMinor: 1000}},
		Currency: "USD",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/preview", bytes.NewReader(body))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	if resp := decodeBody(t, rec); resp["success"] != false {
		t.Fatalf("success = %v, want false", resp["success"])
	}
}

func TestEstimateFees_InvalidAmount(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/fees/estimate?amount=abc", nil)

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestEstimateFees_Display(t *testing.T) {
	svc := &stubService{
		estimateResp: &model.FeeEstimate{
			AmountMinor:     75000,
			Species:         "cattle",
			CommissionMinor: 7500,
			ProcessingMinor: 1125,
			EscrowMinor:     2500,
			BuyerTotalMinor: 78625,
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/fees/estimate?amount=75000&species=cattle", nil)

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	estimate := resp["estimate"].(map[string]any)
	display := estimate["display"].(map[string]any)
	if display["commission"] != "R75.00" {
		t.Fatalf("commission display = %v, want R75.00", display["commission"])
	}
	if display["buyer_total"] != "R786.25" {
		t.Fatalf("buyer total display = %v, want R786.25", display["buyer_total"])
	}
}

func TestGetSellerPayouts_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/payouts/seller/5", nil)

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetSellerPayouts_Forbidden(t *testing.T) {
	svc := &stubService{payoutsErr: service.ErrAccessDenied}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/payouts/seller/5", nil)
	req.Header.Set("Authorization", authHeader(h, 6, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestGetSellerPayouts_Success(t *testing.T) {
	svc := &stubService{
		payoutsResp: []model.Payout{
			{ID: 1, SellerOrderID: "order-1", SellerID: 5, AmountMinor: 70625, Status: model.PayoutStatusPending},
		},
		summaryResp: &model.PayoutSummary{PendingCount: 1, PendingTotalMinor: 70625},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/payouts/seller/5?status=PENDING&limit=10", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	payouts := resp["payouts"].([]any)
	if len(payouts) != 1 {
		t.Fatalf("payouts length = %d, want 1", len(payouts))
	}
	if payouts[0].(map[string]any)["amount"] != "R706.25" {
		t.Fatalf("amount display = %v, want R706.25", payouts[0].(map[string]any)["amount"])
	}

	display := resp["summary"].(map[string]any)["display"].(map[string]any)
	if display["pending_total"] != "R706.25" {
		t.Fatalf("pending total display = %v, want R706.25", display["pending_total"])
	}
	// Отправленных выплат ещё нет: отсутствующая сумма отображается как R0.00.
	if display["last_sent"] != "R0.00" {
		t.Fatalf("last sent display = %v, want R0.00", display["last_sent"])
	}
}

func TestGetSellerPayouts_SummaryLastSent(t *testing.T) {
	lastSent := int64(70625)
	svc := &stubService{
		payoutsResp: []model.Payout{},
		summaryResp: &model.PayoutSummary{SentCount: 1, SentTotalMinor: 70625, LastSentMinor: &lastSent},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/payouts/seller/5", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	display := resp["summary"].(map[string]any)["display"].(map[string]any)
	if display["last_sent"] != "R706.25" {
		t.Fatalf("last sent display = %v, want R706.25", display["last_sent"])
	}
}

func TestGetSellerPayouts_UnknownStatus(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/payouts/seller/5?status=REFUNDED", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestReleasePayout_NotPendingConflict(t *testing.T) {
	svc := &stubService{releaseErr: repository.ErrPayoutNotPending}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payouts/order-1/release", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestReleasePayout_Sent(t *testing.T) {
	ref := "tr-42"
	svc := &stubService{
		releaseResp: &model.Payout{
			ID:            1,
			SellerOrderID: "order-1",
			SellerID:      5,
			AmountMinor:   70625,
			Status:        model.PayoutStatusSent,
			Attempts:      1,
			TransferRef:   &ref,
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payouts/order-1/release", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	if resp["success"] != true {
		t.Fatalf("success = %v, want true", resp["success"])
	}
	payout := resp["payout"].(map[string]any)
	if payout["status"] != "SENT" {
		t.Fatalf("payout status = %v, want SENT", payout["status"])
	}
}

func TestReleasePayout_TransferFailedReportsFailure(t *testing.T) {
	// Шлюз отклонил перевод: выплата зафиксирована как FAILED,
	// и ответ не должен выглядеть успешным.
	svc := &stubService{
		releaseResp: &model.Payout{
			ID:            1,
			SellerOrderID: "order-1",
			SellerID:      5,
			AmountMinor:   70625,
			Status:        model.PayoutStatusFailed,
			Attempts:      1,
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payouts/order-1/release", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	if resp["success"] != false {
		t.Fatalf("success = %v, want false for failed transfer", resp["success"])
	}
	if msg, _ := resp["message"].(string); msg == "" {
		t.Fatalf("message must explain the failed transfer, got %v", resp["message"])
	}
	payout := resp["payout"].(map[string]any)
	if payout["status"] != "FAILED" {
		t.Fatalf("payout status = %v, want FAILED", payout["status"])
	}
}

func TestReleasePayout_NotFound(t *testing.T) {
	svc := &stubService{releaseErr: repository.ErrPayoutNotFound}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payouts/order-404/release", nil)
	req.Header.Set("Authorization", authHeader(h, 5, model.RoleSeller))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCreateFeeConfig_InvalidBounds(t *testing.T) {
	svc := &stubService{createConfigErr: validation.ErrInvalidFeeConfig}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(feeConfigRequest{
		Name:                  "too greedy",
		PlatformCommissionPct: 75,
		Model:                 string(model.FeeModelSellerPays),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/fees/configs/", bytes.NewReader(body))
	req.Header.Set("Authorization", authHeader(h, 1, model.RoleAdmin))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestActivateFeeConfig_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/fees/configs/3/activate", nil)
	req.Header.Set("Authorization", authHeader(h, 1, model.RoleAdmin))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp := decodeBody(t, rec); resp["success"] != true {
		t.Fatalf("success = %v, want true", resp["success"])
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "farmer", Password: "pass", Role: "seller"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestLogin_IssuesValidToken(t *testing.T) {
	svc := &stubService{
		authUser: &model.User{ID: 5, Login: "farmer", Role: model.RoleSeller},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "farmer", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))

	rec := doRouterRequest(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	resp := decodeBody(t, rec)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("token missing in response: %v", resp)
	}

	// Выданный токен должен проходить проверку auth middleware.
	authReq := httptest.NewRequest(http.MethodGet, "/api/payouts/seller/5", nil)
	authReq.Header.Set("Authorization", "Bearer "+token)

	authRec := doRouterRequest(t, newTestHandler(t, &stubService{
		summaryResp: &model.PayoutSummary{},
	}), authReq)
	if authRec.Code == http.StatusUnauthorized {
		t.Fatalf("issued token rejected by middleware")
	}
}
