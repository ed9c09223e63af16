// Package handler содержит HTTP-обработчики API маркетплейса StockLot.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stocklot/stocklot-system/internal/fees"
	"github.com/stocklot/stocklot-system/internal/middleware"
	"github.com/stocklot/stocklot-system/internal/model"
	"github.com/stocklot/stocklot-system/internal/money"
	"github.com/stocklot/stocklot-system/internal/repository"
	"github.com/stocklot/stocklot-system/internal/service"
	"github.com/stocklot/stocklot-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	PreviewCheckout(ctx context.Context, items []model.CartLineItem, currency string) (*model.CheckoutPreview, error)
	ConfirmCheckout(ctx context.Context, buyerID int64, items []model.CartLineItem, currency string) (*model.CheckoutPreview, []model.SellerOrder, error)
	EstimateFees(ctx context.Context, amountMinor int64, species string, isExport bool) (*model.FeeEstimate, error)
	GetSellerPayouts(ctx context.Context, viewer service.Viewer, sellerID int64, status model.PayoutStatus, limit int) ([]model.Payout, *model.PayoutSummary, error)
	ReleasePayout(ctx context.Context, viewer service.Viewer, sellerOrderID string) (*model.Payout, error)
	CreateFeeConfig(ctx context.Context, viewer service.Viewer, cfg *model.FeeConfig) (int64, error)
	ListFeeConfigs(ctx context.Context, viewer service.Viewer) ([]model.FeeConfig, error)
	ActivateFeeConfig(ctx context.Context, viewer service.Viewer, id int64) error
}

// Handler реализует HTTP-обработчики API маркетплейса StockLot.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

func viewerFromContext(ctx context.Context) (service.Viewer, bool) {
	ident, ok := middleware.GetIdentityFromContext(ctx)
	if !ok {
		return service.Viewer{}, false
	}
	return service.Viewer{UserID: ident.UserID, Role: ident.Role}, true
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	role := model.Role(req.Role)
	switch role {
	case "":
		role = model.RoleBuyer
	case model.RoleBuyer, model.RoleSeller:
	default:
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			writeError(w, http.StatusConflict, "login is already taken")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   h.authMiddleware.IssueToken(userID, role),
	})
}

// Login выполняет аутентификацию пользователя и выдачу bearer-токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid login or password")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   h.authMiddleware.IssueToken(user.ID, user.Role),
	})
}

type checkoutRequest struct {
	Cart     []model.CartLineItem `json:"cart"`
	Currency string               `json:"currency"`
}

type sellerPreviewResponse struct {
	model.SellerPreview
	Display sellerPreviewDisplay `json:"display"`
}

type sellerPreviewDisplay struct {
	MerchSubtotal   string `json:"merch_subtotal"`
	Delivery        string `json:"delivery"`
	BuyerTotal      string `json:"buyer_total"`
	SellerNetPayout string `json:"seller_net_payout"`
}

type previewResponse struct {
	PerSeller  []sellerPreviewResponse `json:"per_seller"`
	CartTotals model.CartTotals        `json:"cart_totals"`
	GrandTotal string                  `json:"grand_total"`
	Currency   string                  `json:"currency"`
}

func buildPreviewResponse(preview *model.CheckoutPreview) previewResponse {
	resp := previewResponse{
		PerSeller:  make([]sellerPreviewResponse, 0, len(preview.PerSeller)),
		CartTotals: preview.CartTotals,
		GrandTotal: money.Format(preview.CartTotals.BuyerGrandTotalMinor),
		Currency:   money.Currency,
	}
	for _, sp := range preview.PerSeller {
		resp.PerSeller = append(resp.PerSeller, sellerPreviewResponse{
			SellerPreview: sp,
			Display: sellerPreviewDisplay{
				MerchSubtotal:   money.Format(sp.Lines.MerchSubtotalMinor),
				Delivery:        money.Format(sp.Lines.DeliveryMinor),
				BuyerTotal:      money.Format(sp.Totals.BuyerTotalMinor),
				SellerNetPayout: money.Format(sp.Totals.SellerNetPayoutMinor),
			},
		})
	}
	return resp
}

// PreviewCheckout рассчитывает котировку корзины. Пустая корзина возвращает
// пустую котировку без обращения к движку сборов.
func (h *Handler) PreviewCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preview, err := h.service.PreviewCheckout(r.Context(), req.Cart, req.Currency)
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"preview": buildPreviewResponse(preview),
	})
}

type sellerOrderResponse struct {
	ID                   string `json:"id"`
	SellerID             int64  `json:"seller_id"`
	BuyerTotalMinor      int64  `json:"buyer_total_minor"`
	SellerNetPayoutMinor int64  `json:"seller_net_payout_minor"`
}

// ConfirmCheckout подтверждает оформление заказа: котирует корзину заново и
// создаёт заказы продавцов с ожидающими выплатами.
func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	preview, orders, err := h.service.ConfirmCheckout(r.Context(), viewer.UserID, req.Cart, req.Currency)
	if err != nil {
		if errors.Is(err, fees.ErrEmptyCart) {
			writeError(w, http.StatusBadRequest, "cart is empty")
			return
		}
		h.writeCheckoutError(w, err)
		return
	}

	orderResp := make([]sellerOrderResponse, 0, len(orders))
	for _, o := range orders {
		orderResp = append(orderResp, sellerOrderResponse{
			ID:                   o.ID,
			SellerID:             o.SellerID,
			BuyerTotalMinor:      o.BuyerTotalMinor,
			SellerNetPayoutMinor: o.SellerNetPayoutMinor,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"preview": buildPreviewResponse(preview),
		"orders":  orderResp,
	})
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnsupportedCurrency):
		writeError(w, http.StatusUnprocessableEntity, "only ZAR is supported")
	case errors.Is(err, fees.ErrNegativeAmount), errors.Is(err, fees.ErrInvalidSeller):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, repository.ErrNoActiveFeeConfig):
		writeError(w, http.StatusConflict, "no active fee configuration")
	default:
		h.logger.Error("checkout error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type estimateResponse struct {
	model.FeeEstimate
	Display estimateDisplay `json:"display"`
}

type estimateDisplay struct {
	Amount     string `json:"amount"`
	Commission string `json:"commission"`
	Processing string `json:"processing"`
	Escrow     string `json:"escrow"`
	BuyerTotal string `json:"buyer_total"`
}

// EstimateFees возвращает предварительную неавторитетную оценку сборов.
// Расхождение с котировкой оформления заказа допустимо и не является ошибкой.
func (h *Handler) EstimateFees(w http.ResponseWriter, r *http.Request) {
	amountStr := r.URL.Query().Get("amount")
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil || amount < 0 {
		writeError(w, http.StatusUnprocessableEntity, "amount must be a non-negative integer in minor units")
		return
	}

	species := r.URL.Query().Get("species")
	isExport := r.URL.Query().Get("export") == "true"

	estimate, err := h.service.EstimateFees(r.Context(), amount, species, isExport)
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveFeeConfig) {
			writeError(w, http.StatusConflict, "no active fee configuration")
			return
		}
		h.logger.Error("estimate fees error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"estimate": estimateResponse{
			FeeEstimate: *estimate,
			Display: estimateDisplay{
				Amount:     money.Format(estimate.AmountMinor),
				Commission: money.Format(estimate.CommissionMinor),
				Processing: money.Format(estimate.ProcessingMinor),
				Escrow:     money.Format(estimate.EscrowMinor),
				BuyerTotal: money.Format(estimate.BuyerTotalMinor),
			},
		},
	})
}

type payoutResponse struct {
	ID            int64   `json:"id"`
	SellerOrderID string  `json:"seller_order_id"`
	AmountMinor   int64   `json:"amount_minor"`
	Amount        string  `json:"amount"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	TransferRef   *string `json:"transfer_ref,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func buildPayoutResponse(p *model.Payout) payoutResponse {
	return payoutResponse{
		ID:            p.ID,
		SellerOrderID: p.SellerOrderID,
		AmountMinor:   p.AmountMinor,
		Amount:        money.Format(p.AmountMinor),
		Status:        string(p.Status),
		Attempts:      p.Attempts,
		TransferRef:   p.TransferRef,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

type payoutSummaryResponse struct {
	model.PayoutSummary
	Display payoutSummaryDisplay `json:"display"`
}

type payoutSummaryDisplay struct {
	PendingTotal string `json:"pending_total"`
	SentTotal    string `json:"sent_total"`
	LastSent     string `json:"last_sent"`
}

// GetSellerPayouts возвращает выплаты продавца и сводку для панели выплат.
func (h *Handler) GetSellerPayouts(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sellerID, err := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	if err != nil || sellerID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid seller id")
		return
	}

	status := model.PayoutStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.PayoutStatusPending, model.PayoutStatusSent, model.PayoutStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown payout status")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	payouts, summary, err := h.service.GetSellerPayouts(r.Context(), viewer, sellerID, status, limit)
	if err != nil {
		if errors.Is(err, service.ErrAccessDenied) {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
		h.logger.Error("get payouts error", zap.Error(err), zap.Int64("sellerID", sellerID))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]payoutResponse, 0, len(payouts))
	for i := range payouts {
		resp = append(resp, buildPayoutResponse(&payouts[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"payouts": resp,
		"summary": payoutSummaryResponse{
			PayoutSummary: *summary,
			Display: payoutSummaryDisplay{
				PendingTotal: money.Format(summary.PendingTotalMinor),
				SentTotal:    money.Format(summary.SentTotalMinor),
				LastSent:     money.FormatPtr(summary.LastSentMinor),
			},
		},
	})
}

// ReleasePayout запускает исполнение ожидающей выплаты через платёжный шлюз.
func (h *Handler) ReleasePayout(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	sellerOrderID := urlParam(r, "sellerOrderID")
	if !validation.IsValidSellerOrderRef(sellerOrderID) {
		writeError(w, http.StatusUnprocessableEntity, "invalid seller order reference")
		return
	}

	payout, err := h.service.ReleasePayout(r.Context(), viewer, sellerOrderID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccessDenied):
			writeError(w, http.StatusForbidden, "access denied")
		case errors.Is(err, repository.ErrPayoutNotFound):
			writeError(w, http.StatusNotFound, "payout not found")
		case errors.Is(err, repository.ErrPayoutNotPending):
			writeError(w, http.StatusConflict, "payout is not pending")
		default:
			h.logger.Error("release payout error", zap.Error(err), zap.String("sellerOrderID", sellerOrderID))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// Перевод мог завершиться отказом шлюза: выплата зафиксирована как
	// FAILED, и клиент должен увидеть неуспех, а не success.
	if payout.Status != model.PayoutStatusSent {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "payout transfer was not completed",
			"payout":  buildPayoutResponse(payout),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"payout":  buildPayoutResponse(payout),
	})
}

type feeConfigRequest struct {
	Name                  string     `json:"name"`
	PlatformCommissionPct float64    `json:"platform_commission_pct"`
	SellerPayoutFeePct    float64    `json:"seller_payout_fee_pct"`
	BuyerProcessingFeePct float64    `json:"buyer_processing_fee_pct"`
	EscrowServiceFeeMinor int64      `json:"escrow_service_fee_minor"`
	ExportDocFeeMinor     int64      `json:"export_doc_fee_minor"`
	Model                 string     `json:"model"`
	EffectiveFrom         *time.Time `json:"effective_from,omitempty"`
	EffectiveTo           *time.Time `json:"effective_to,omitempty"`
}

// ListFeeConfigs возвращает все конфигурации сборов для панели администратора.
func (h *Handler) ListFeeConfigs(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	configs, err := h.service.ListFeeConfigs(r.Context(), viewer)
	if err != nil {
		if errors.Is(err, service.ErrAccessDenied) {
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
		h.logger.Error("list fee configs error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if configs == nil {
		configs = []model.FeeConfig{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"configs": configs,
	})
}

// CreateFeeConfig создаёт новую конфигурацию сборов в неактивном состоянии.
func (h *Handler) CreateFeeConfig(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req feeConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := &model.FeeConfig{
		Name:                  req.Name,
		PlatformCommissionPct: req.PlatformCommissionPct,
		SellerPayoutFeePct:    req.SellerPayoutFeePct,
		BuyerProcessingFeePct: req.BuyerProcessingFeePct,
		EscrowServiceFeeMinor: req.EscrowServiceFeeMinor,
		ExportDocFeeMinor:     req.ExportDocFeeMinor,
		Model:                 model.FeeModel(req.Model),
		EffectiveTo:           req.EffectiveTo,
	}
	if req.EffectiveFrom != nil {
		cfg.EffectiveFrom = *req.EffectiveFrom
	}

	id, err := h.service.CreateFeeConfig(r.Context(), viewer, cfg)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccessDenied):
			writeError(w, http.StatusForbidden, "access denied")
		case errors.Is(err, validation.ErrInvalidFeeConfig):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("create fee config error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      id,
	})
}

// ActivateFeeConfig делает конфигурацию единственной активной.
func (h *Handler) ActivateFeeConfig(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id, err := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}

	if err := h.service.ActivateFeeConfig(r.Context(), viewer, id); err != nil {
		switch {
		case errors.Is(err, service.ErrAccessDenied):
			writeError(w, http.StatusForbidden, "access denied")
		case errors.Is(err, repository.ErrFeeConfigNotFound):
			writeError(w, http.StatusNotFound, "fee configuration not found")
		default:
			h.logger.Error("activate fee config error", zap.Error(err), zap.Int64("configID", id))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "fee configuration activated",
	})
}
