// Package money содержит целочисленную арифметику и форматирование денежных
// сумм в минорных единицах (центах ZAR).
package money

import "fmt"

// Currency — единственная поддерживаемая валюта платформы.
const Currency = "ZAR"

const symbol = "R"

// Format преобразует сумму в минорных единицах в строку вида "R123.45".
// Перевод в мажорные единицы выполняется только здесь, на финальном
// отображении; вся арифметика сборов остаётся целочисленной.
func Format(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%s%d.%02d", sign, symbol, minor/100, minor%100)
}

// FormatPtr форматирует опциональную сумму; отсутствующее значение
// отображается как "R0.00".
func FormatPtr(minor *int64) string {
	if minor == nil {
		return Format(0)
	}
	return Format(*minor)
}

// PctToBps переводит процентную ставку в базисные пункты (0.5% -> 50).
func PctToBps(pct float64) int64 {
	if pct < 0 {
		return 0
	}
	return int64(pct*100 + 0.5)
}

// ApplyBps применяет ставку в базисных пунктах к сумме в минорных единицах
// с округлением половины вверх.
func ApplyBps(minor, bps int64) int64 {
	if minor <= 0 || bps <= 0 {
		return 0
	}
	return (minor*bps + 5000) / 10000
}
