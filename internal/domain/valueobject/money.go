package valueobject

import "github.com/shopspring/decimal"

// ApplyRate возвращает amount × rate, округлённое вниз до целых минимальных единиц.
func ApplyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}

// SplitCommission делит сумму на выплату исполнителю и комиссию платформы.
// Сумма частей всегда равна amount.
func SplitCommission(amount int64, rate decimal.Decimal) (workerPayment, commission int64) {
	commission = ApplyRate(amount, rate)
	if commission < 0 {
		commission = 0
	}
	if commission > amount {
		commission = amount
	}
	return amount - commission, commission
}
