// Package fees реализует расчёт сборов платформы: авторитетную котировку
// корзины при оформлении заказа и предварительную оценку для карточки товара.
// Вся арифметика ведётся в минорных единицах без плавающей точки.
package fees

import (
	"errors"
	"fmt"

	"github.com/stocklot/stocklot-system/internal/model"
	"github.com/stocklot/stocklot-system/internal/money"
)

// ErrEmptyCart возвращается при попытке рассчитать котировку пустой корзины.
var ErrEmptyCart = errors.New("cart is empty")

// ErrNegativeAmount возвращается для позиции корзины с отрицательной суммой.
var ErrNegativeAmount = errors.New("negative amount in cart line")

// ErrInvalidSeller возвращается для позиции корзины без корректного продавца.
var ErrInvalidSeller = errors.New("invalid seller id in cart line")

type sellerGroup struct {
	merch    int64
	delivery int64
	abattoir int64
	export   bool
}

// QuoteCart рассчитывает авторитетную котировку корзины: по одной котировке
// на каждого продавца плюс сводные итоги. Порядок продавцов в результате
// соответствует порядку их первого появления в корзине.
func QuoteCart(items []model.CartLineItem, cfg *model.FeeConfig) (*model.CheckoutPreview, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	order := make([]int64, 0, len(items))
	groups := make(map[int64]*sellerGroup)

	for _, it := range items {
		if it.SellerID <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidSeller, it.SellerID)
		}
		if it.MerchSubtotalMinor < 0 || it.DeliveryMinor < 0 || it.AbattoirMinor < 0 {
			return nil, fmt.Errorf("%w: seller %d", ErrNegativeAmount, it.SellerID)
		}

		g, ok := groups[it.SellerID]
		if !ok {
			g = &sellerGroup{}
			groups[it.SellerID] = g
			order = append(order, it.SellerID)
		}
		g.merch += it.MerchSubtotalMinor
		g.delivery += it.DeliveryMinor
		g.abattoir += it.AbattoirMinor
		g.export = g.export || it.IsExport
	}

	commissionBps := money.PctToBps(cfg.PlatformCommissionPct)
	payoutBps := money.PctToBps(cfg.SellerPayoutFeePct)
	processingBps := money.PctToBps(cfg.BuyerProcessingFeePct)

	preview := &model.CheckoutPreview{
		PerSeller: make([]model.SellerPreview, 0, len(order)),
	}

	for _, sellerID := range order {
		g := groups[sellerID]

		gross := g.merch + g.delivery + g.abattoir
		commission := money.ApplyBps(g.merch, commissionBps)
		payoutFee := money.ApplyBps(g.merch, payoutBps)
		processing := money.ApplyBps(gross, processingBps)

		// Экспортные партии несут документарный сбор в составе эскроу-строки.
		escrow := cfg.EscrowServiceFeeMinor
		if g.export {
			escrow += cfg.ExportDocFeeMinor
		}

		lines := model.PreviewLines{
			MerchSubtotalMinor:      g.merch,
			DeliveryMinor:           g.delivery,
			AbattoirMinor:           g.abattoir,
			BuyerProcessingFeeMinor: processing,
			EscrowServiceFeeMinor:   escrow,
		}

		buyerTotal := gross + processing + escrow
		sellerNet := gross - payoutFee

		switch cfg.Model {
		case model.FeeModelBuyerPaysCommission:
			lines.BuyerCommissionMinor = commission
			buyerTotal += commission
		default:
			sellerNet -= commission
		}
		if sellerNet < 0 {
			sellerNet = 0
		}

		preview.PerSeller = append(preview.PerSeller, model.SellerPreview{
			SellerID: sellerID,
			FeeModel: cfg.Model,
			Lines:    lines,
			Totals: model.PreviewTotals{
				BuyerTotalMinor:      buyerTotal,
				SellerNetPayoutMinor: sellerNet,
			},
		})

		preview.CartTotals.BuyerGrandTotalMinor += buyerTotal
		preview.CartTotals.SellerTotalNetPayoutMinor += sellerNet
		preview.CartTotals.PlatformRevenueEstimateMinor += commission + payoutFee + processing + escrow
	}

	return preview, nil
}

// Estimate рассчитывает предварительную оценку сборов для одной суммы.
// Оценка неавторитетна: итог оформления заказа считается заново котировкой
// и может отличаться.
func Estimate(amountMinor int64, species string, isExport bool, cfg *model.FeeConfig) (*model.FeeEstimate, error) {
	if amountMinor < 0 {
		return nil, ErrNegativeAmount
	}

	commission := money.ApplyBps(amountMinor, money.PctToBps(cfg.PlatformCommissionPct))
	processing := money.ApplyBps(amountMinor, money.PctToBps(cfg.BuyerProcessingFeePct))

	est := &model.FeeEstimate{
		AmountMinor:     amountMinor,
		Species:         species,
		IsExport:        isExport,
		CommissionMinor: commission,
		ProcessingMinor: processing,
		EscrowMinor:     cfg.EscrowServiceFeeMinor,
	}
	if isExport {
		est.ExportDocFeeMinor = cfg.ExportDocFeeMinor
	}

	est.BuyerTotalMinor = amountMinor + processing + est.EscrowMinor + est.ExportDocFeeMinor
	if cfg.Model == model.FeeModelBuyerPaysCommission {
		est.BuyerTotalMinor += commission
	}

	return est, nil
}
