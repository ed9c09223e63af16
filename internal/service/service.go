// Package service реализует бизнес-логику маркетплейса StockLot.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/stocklot/stocklot-system/internal/fees"
	"github.com/stocklot/stocklot-system/internal/model"
	"github.com/stocklot/stocklot-system/internal/money"
	"github.com/stocklot/stocklot-system/internal/repository"
	"github.com/stocklot/stocklot-system/internal/transfer"
	"github.com/stocklot/stocklot-system/internal/validation"
)

// MaxPayoutAttempts ограничивает число попыток исполнения одной выплаты.
const MaxPayoutAttempts = 3

// ErrAccessDenied возвращается, когда пользователь не имеет прав на операцию.
var ErrAccessDenied = errors.New("access denied")

// ErrUnsupportedCurrency возвращается для валюты, отличной от ZAR.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateFeeConfig(ctx context.Context, cfg *model.FeeConfig) (int64, error)
	ListFeeConfigs(ctx context.Context) ([]model.FeeConfig, error)
	GetActiveFeeConfig(ctx context.Context, now time.Time) (*model.FeeConfig, error)
	ActivateFeeConfig(ctx context.Context, id int64) error
	CreateSellerOrders(ctx context.Context, orders []model.SellerOrder) error
	GetPayoutsBySeller(ctx context.Context, sellerID int64, status model.PayoutStatus, limit int) ([]model.Payout, error)
	GetPayoutSummary(ctx context.Context, sellerID int64) (*model.PayoutSummary, error)
	GetPayoutBySellerOrder(ctx context.Context, sellerOrderID string) (*model.Payout, error)
	MarkPayoutResult(ctx context.Context, payoutID int64, status model.PayoutStatus, transferRef *string) error
	GetPayoutsForDispatch(ctx context.Context, maxAttempts, limit int) ([]model.Payout, error)
}

// Gateway описывает контракт платёжного шлюза, исполняющего переводы.
type Gateway interface {
	SubmitTransfer(ctx context.Context, req transfer.Request) (*transfer.Result, int, time.Duration, error)
}

// Viewer описывает пользователя, от имени которого выполняется операция.
type Viewer struct {
	UserID int64
	Role   model.Role
}

func (v Viewer) isAdmin() bool { return v.Role == model.RoleAdmin }

// Service содержит бизнес-логику маркетплейса StockLot.
type Service struct {
	repo    Repository
	gateway Gateway
}

// NewService создаёт новый сервис с указанным репозиторием и платёжным шлюзом.
func NewService(repo Repository, gateway Gateway) *Service {
	return &Service{
		repo:    repo,
		gateway: gateway,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, role)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// PreviewCheckout рассчитывает авторитетную котировку корзины по активной
// конфигурации сборов. Пустая корзина возвращает пустую котировку без
// обращения к хранилищу и движку сборов.
func (s *Service) PreviewCheckout(ctx context.Context, items []model.CartLineItem, currency string) (*model.CheckoutPreview, error) {
	if currency != "" && currency != money.Currency {
		return nil, ErrUnsupportedCurrency
	}

	if len(items) == 0 {
		return &model.CheckoutPreview{PerSeller: []model.SellerPreview{}}, nil
	}

	cfg, err := s.repo.GetActiveFeeConfig(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	return fees.QuoteCart(items, cfg)
}

// EstimateFees рассчитывает предварительную оценку сборов для карточки товара.
func (s *Service) EstimateFees(ctx context.Context, amountMinor int64, species string, isExport bool) (*model.FeeEstimate, error) {
	cfg, err := s.repo.GetActiveFeeConfig(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	return fees.Estimate(amountMinor, species, isExport, cfg)
}

// ConfirmCheckout повторно котирует корзину и сохраняет по заказу продавца
// с ожидающей выплатой на каждого продавца. Заказы всех продавцов сохраняются
// одним вызовом хранилища: при сбое не остаётся частично подтверждённой
// корзины. Возвращает котировку и заказы.
func (s *Service) ConfirmCheckout(ctx context.Context, buyerID int64, items []model.CartLineItem, currency string) (*model.CheckoutPreview, []model.SellerOrder, error) {
	if len(items) == 0 {
		return nil, nil, fees.ErrEmptyCart
	}

	preview, err := s.PreviewCheckout(ctx, items, currency)
	if err != nil {
		return nil, nil, err
	}

	orders := make([]model.SellerOrder, 0, len(preview.PerSeller))
	for _, sp := range preview.PerSeller {
		orders = append(orders, model.SellerOrder{
			ID:                   uuid.NewString(),
			BuyerID:              buyerID,
			SellerID:             sp.SellerID,
			BuyerTotalMinor:      sp.Totals.BuyerTotalMinor,
			SellerNetPayoutMinor: sp.Totals.SellerNetPayoutMinor,
		})
	}

	if err := s.repo.CreateSellerOrders(ctx, orders); err != nil {
		return nil, nil, err
	}

	return preview, orders, nil
}

// GetSellerPayouts возвращает выплаты продавца и сводку. Просматривать выплаты
// может только сам продавец либо администратор: серверная проверка первична,
// клиентская — лишь удобство интерфейса.
func (s *Service) GetSellerPayouts(ctx context.Context, viewer Viewer, sellerID int64, status model.PayoutStatus, limit int) ([]model.Payout, *model.PayoutSummary, error) {
	if !viewer.isAdmin() && viewer.UserID != sellerID {
		return nil, nil, ErrAccessDenied
	}

	payouts, err := s.repo.GetPayoutsBySeller(ctx, sellerID, status, limit)
	if err != nil {
		return nil, nil, err
	}

	summary, err := s.repo.GetPayoutSummary(ctx, sellerID)
	if err != nil {
		return nil, nil, err
	}

	return payouts, summary, nil
}

// ReleasePayout исполняет выплату по заказу продавца через платёжный шлюз.
// Допускаются только выплаты в статусе PENDING; результат фиксируется после
// подтверждения шлюза.
func (s *Service) ReleasePayout(ctx context.Context, viewer Viewer, sellerOrderID string) (*model.Payout, error) {
	if !validation.IsValidSellerOrderRef(sellerOrderID) {
		return nil, repository.ErrPayoutNotFound
	}

	payout, err := s.repo.GetPayoutBySellerOrder(ctx, sellerOrderID)
	if err != nil {
		return nil, err
	}

	if !viewer.isAdmin() && viewer.UserID != payout.SellerID {
		return nil, ErrAccessDenied
	}

	if payout.Status != model.PayoutStatusPending {
		return nil, repository.ErrPayoutNotPending
	}

	if err := s.executePayout(ctx, payout); err != nil {
		return nil, err
	}

	return s.repo.GetPayoutBySellerOrder(ctx, sellerOrderID)
}

func (s *Service) executePayout(ctx context.Context, payout *model.Payout) error {
	if s.gateway == nil {
		return errors.New("transfer gateway not configured")
	}

	req := transfer.Request{
		SellerOrderID:  payout.SellerOrderID,
		SellerID:       payout.SellerID,
		AmountMinor:    payout.AmountMinor,
		Currency:       money.Currency,
		IdempotencyKey: transfer.IdempotencyKey(payout.SellerOrderID),
	}

	var result *transfer.Result
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, statusCode, retryAfter, err := s.gateway.SubmitTransfer(ctx, req)
		if err != nil {
			return retry.RetryableError(err)
		}
		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
			return retry.RetryableError(errors.New("gateway rate limited"))
		}
		result = res
		return nil
	})
	if err != nil {
		return s.repo.MarkPayoutResult(ctx, payout.ID, model.PayoutStatusFailed, nil)
	}

	if result == nil || result.Status != transfer.StatusCompleted {
		return s.repo.MarkPayoutResult(ctx, payout.ID, model.PayoutStatusFailed, nil)
	}

	return s.repo.MarkPayoutResult(ctx, payout.ID, model.PayoutStatusSent, &result.TransferRef)
}

// StartPayoutDispatch запускает фоновый процесс повторного исполнения
// неуспешных выплат с ограничением числа попыток.
func (s *Service) StartPayoutDispatch(ctx context.Context, interval time.Duration) {
	if s.gateway == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processDispatchBatch(ctx)
			}
		}
	}()
}

func (s *Service) processDispatchBatch(ctx context.Context) {
	payouts, err := s.repo.GetPayoutsForDispatch(ctx, MaxPayoutAttempts, 100)
	if err != nil {
		return
	}

	for i := range payouts {
		if ctx.Err() != nil {
			return
		}
		_ = s.executePayout(ctx, &payouts[i])
	}
}

// CreateFeeConfig проверяет границы ставок и сохраняет новую конфигурацию.
// Конфигурация создаётся неактивной; включение — отдельная операция активации.
func (s *Service) CreateFeeConfig(ctx context.Context, viewer Viewer, cfg *model.FeeConfig) (int64, error) {
	if !viewer.isAdmin() {
		return 0, ErrAccessDenied
	}

	if cfg.EffectiveFrom.IsZero() {
		cfg.EffectiveFrom = time.Now()
	}
	if err := validation.ValidateFeeConfig(cfg); err != nil {
		return 0, err
	}

	return s.repo.CreateFeeConfig(ctx, cfg)
}

// ListFeeConfigs возвращает все конфигурации сборов.
func (s *Service) ListFeeConfigs(ctx context.Context, viewer Viewer) ([]model.FeeConfig, error) {
	if !viewer.isAdmin() {
		return nil, ErrAccessDenied
	}
	return s.repo.ListFeeConfigs(ctx)
}

// ActivateFeeConfig делает конфигурацию единственной активной.
func (s *Service) ActivateFeeConfig(ctx context.Context, viewer Viewer, id int64) error {
	if !viewer.isAdmin() {
		return ErrAccessDenied
	}
	return s.repo.ActivateFeeConfig(ctx, id)
}
