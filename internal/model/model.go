// Package model содержит доменные сущности маркетплейса StockLot.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User представляет зарегистрированного пользователя маркетплейса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// FeeModel определяет способ распределения комиссии платформы.
type FeeModel string

const (
	// FeeModelSellerPays — комиссия удерживается из выплаты продавцу.
	FeeModelSellerPays FeeModel = "SELLER_PAYS"
	// FeeModelBuyerPaysCommission — комиссия выставляется покупателю отдельной строкой.
	FeeModelBuyerPaysCommission FeeModel = "BUYER_PAYS_COMMISSION"
)

// CartLineItem описывает позицию корзины, привязанную к одному продавцу.
// Все денежные суммы хранятся в минорных единицах (центах ZAR).
type CartLineItem struct {
	SellerID           int64  `json:"seller_id"`
	MerchSubtotalMinor int64  `json:"merch_subtotal_minor"`
	DeliveryMinor      int64  `json:"delivery_minor"`
	AbattoirMinor      int64  `json:"abattoir_minor"`
	Species            string `json:"species"`
	IsExport           bool   `json:"is_export"`
}

// PreviewLines содержит построчную детализацию котировки по одному продавцу.
type PreviewLines struct {
	MerchSubtotalMinor      int64 `json:"merch_subtotal_minor"`
	DeliveryMinor           int64 `json:"delivery_minor"`
	AbattoirMinor           int64 `json:"abattoir_minor"`
	BuyerProcessingFeeMinor int64 `json:"buyer_processing_fee_minor"`
	EscrowServiceFeeMinor   int64 `json:"escrow_service_fee_minor"`
	BuyerCommissionMinor    int64 `json:"buyer_commission_minor"`
}

// PreviewTotals содержит итоговые суммы котировки по одному продавцу.
type PreviewTotals struct {
	BuyerTotalMinor      int64 `json:"buyer_total_minor"`
	SellerNetPayoutMinor int64 `json:"seller_net_payout_minor"`
}

// SellerPreview — авторитетная серверная котировка по одному продавцу.
// Не путать с FeeEstimate: предварительная оценка считается отдельно
// и может расходиться с котировкой.
type SellerPreview struct {
	SellerID int64         `json:"seller_id"`
	FeeModel FeeModel      `json:"fee_model"`
	Lines    PreviewLines  `json:"lines"`
	Totals   PreviewTotals `json:"totals"`
}

// CartTotals содержит сводные итоги по всей корзине.
type CartTotals struct {
	BuyerGrandTotalMinor         int64 `json:"buyer_grand_total_minor"`
	SellerTotalNetPayoutMinor    int64 `json:"seller_total_net_payout_minor"`
	PlatformRevenueEstimateMinor int64 `json:"platform_revenue_estimate_minor"`
}

// CheckoutPreview объединяет котировки всех продавцов и сводку корзины.
type CheckoutPreview struct {
	PerSeller  []SellerPreview `json:"per_seller"`
	CartTotals CartTotals      `json:"cart_totals"`
}

// FeeEstimate — предварительная неавторитетная оценка сборов для карточки товара.
// Авторитетное значение всегда возвращает котировка оформления заказа.
type FeeEstimate struct {
	AmountMinor       int64  `json:"amount_minor"`
	Species           string `json:"species"`
	IsExport          bool   `json:"is_export"`
	CommissionMinor   int64  `json:"commission_minor"`
	ProcessingMinor   int64  `json:"processing_minor"`
	EscrowMinor       int64  `json:"escrow_minor"`
	ExportDocFeeMinor int64  `json:"export_doc_fee_minor"`
	BuyerTotalMinor   int64  `json:"buyer_total_minor"`
}

// FeeConfig описывает версионируемую конфигурацию сборов платформы.
// В каждый момент времени активной должна быть ровно одна конфигурация —
// инвариант обеспечивается хранилищем при активации.
type FeeConfig struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	PlatformCommissionPct float64    `json:"platform_commission_pct"`
	SellerPayoutFeePct    float64    `json:"seller_payout_fee_pct"`
	BuyerProcessingFeePct float64    `json:"buyer_processing_fee_pct"`
	EscrowServiceFeeMinor int64      `json:"escrow_service_fee_minor"`
	ExportDocFeeMinor     int64      `json:"export_doc_fee_minor"`
	Model                 FeeModel   `json:"model"`
	EffectiveFrom         time.Time  `json:"effective_from"`
	EffectiveTo           *time.Time `json:"effective_to,omitempty"`
	IsActive              bool       `json:"is_active"`
	CreatedAt             time.Time  `json:"created_at"`
}

// SellerOrder описывает подтверждённый заказ в разрезе одного продавца.
// Создаётся при подтверждении оформления вместе с ожидающей выплатой.
type SellerOrder struct {
	ID                   string    `json:"id"`
	BuyerID              int64     `json:"buyer_id"`
	SellerID             int64     `json:"seller_id"`
	BuyerTotalMinor      int64     `json:"buyer_total_minor"`
	SellerNetPayoutMinor int64     `json:"seller_net_payout_minor"`
	CreatedAt            time.Time `json:"created_at"`
}

// PayoutStatus описывает статус выплаты продавцу.
type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "PENDING"
	PayoutStatusSent    PayoutStatus = "SENT"
	PayoutStatusFailed  PayoutStatus = "FAILED"
)

// Payout описывает выплату чистой выручки продавца по завершённому заказу.
// Переходы статуса: PENDING -> SENT | FAILED; FAILED повторяется фоновым
// диспетчером до достижения лимита попыток.
type Payout struct {
	ID            int64        `json:"id"`
	SellerOrderID string       `json:"seller_order_id"`
	SellerID      int64        `json:"seller_id"`
	AmountMinor   int64        `json:"amount_minor"`
	Status        PayoutStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	TransferRef   *string      `json:"transfer_ref,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// PayoutSummary содержит агрегаты по выплатам продавца для панели выплат.
// LastSentMinor равен nil, пока у продавца нет ни одной отправленной выплаты.
type PayoutSummary struct {
	PendingCount      int    `json:"pending_count"`
	PendingTotalMinor int64  `json:"pending_total_minor"`
	SentCount         int    `json:"sent_count"`
	SentTotalMinor    int64  `json:"sent_total_minor"`
	FailedCount       int    `json:"failed_count"`
	LastSentMinor     *int64 `json:"last_sent_minor,omitempty"`
}
