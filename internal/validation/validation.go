// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/stocklot/stocklot-system/internal/model"
)

// Пределы ставок повторяют серверные границы, которые UI лишь дублирует
// как подсказку: комиссия 0–50%, процессинговый и выплатной сбор 0–10%.
const (
	MaxCommissionPct = 50.0
	MaxServiceFeePct = 10.0
)

// ErrInvalidFeeConfig возвращается для конфигурации сборов вне допустимых границ.
var ErrInvalidFeeConfig = errors.New("invalid fee configuration")

// IsValidSellerOrderRef проверяет формат ссылки на заказ продавца:
// непустая строка из латинских букв, цифр и дефисов длиной до 64 символов.
func IsValidSellerOrderRef(ref string) bool {
	if ref == "" || len(ref) > 64 {
		return false
	}
	for _, ch := range ref {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch == '-':
		default:
			return false
		}
	}
	return true
}

// ValidateFeeConfig проверяет границы ставок и целостность конфигурации
// перед сохранением.
func ValidateFeeConfig(cfg *model.FeeConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidFeeConfig)
	}
	if cfg.PlatformCommissionPct < 0 || cfg.PlatformCommissionPct > MaxCommissionPct {
		return fmt.Errorf("%w: commission %.2f%% out of range 0-%.0f%%", ErrInvalidFeeConfig, cfg.PlatformCommissionPct, MaxCommissionPct)
	}
	if cfg.SellerPayoutFeePct < 0 || cfg.SellerPayoutFeePct > MaxServiceFeePct {
		return fmt.Errorf("%w: payout fee %.2f%% out of range 0-%.0f%%", ErrInvalidFeeConfig, cfg.SellerPayoutFeePct, MaxServiceFeePct)
	}
	if cfg.BuyerProcessingFeePct < 0 || cfg.BuyerProcessingFeePct > MaxServiceFeePct {
		return fmt.Errorf("%w: processing fee %.2f%% out of range 0-%.0f%%", ErrInvalidFeeConfig, cfg.BuyerProcessingFeePct, MaxServiceFeePct)
	}
	if cfg.EscrowServiceFeeMinor < 0 {
		return fmt.Errorf("%w: negative escrow fee", ErrInvalidFeeConfig)
	}
	if cfg.ExportDocFeeMinor < 0 {
		return fmt.Errorf("%w: negative export documentation fee", ErrInvalidFeeConfig)
	}
	if cfg.Model != model.FeeModelSellerPays && cfg.Model != model.FeeModelBuyerPaysCommission {
		return fmt.Errorf("%w: unknown fee model %q", ErrInvalidFeeConfig, cfg.Model)
	}
	if cfg.EffectiveTo != nil && !cfg.EffectiveTo.After(cfg.EffectiveFrom) {
		return fmt.Errorf("%w: effective_to before effective_from", ErrInvalidFeeConfig)
	}
	return nil
}
