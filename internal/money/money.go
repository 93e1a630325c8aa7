// Денежная арифметика. Все суммы - decimal, без float.
package money

import (
	"github.com/shopspring/decimal"
)

// Точность валюты магазина
const Scale = 2

var hundred = decimal.NewFromInt(100)

func Zero() decimal.Decimal {
	return decimal.Zero
}

func Add(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b)
}

func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b)
}

func MulInt(a decimal.Decimal, n int) decimal.Decimal {
	return a.Mul(decimal.NewFromInt(int64(n)))
}

// PercentOf = base * ratePercent / 100
func PercentOf(base, ratePercent decimal.Decimal) decimal.Decimal {
	return base.Mul(ratePercent).Div(hundred)
}

func IsZero(a decimal.Decimal) bool {
	return a.IsZero()
}

func LessThan(a, b decimal.Decimal) bool {
	return a.LessThan(b)
}

// Round2 округляет до точности валюты. Применяется только при записи.
func Round2(a decimal.Decimal) decimal.Decimal {
	return a.Round(Scale)
}

// FromOrderLine возвращает базу для расчета комиссии по строке заказа.
// Отрицательная база приводится к нулю.
func FromOrderLine(total, tax, shipping decimal.Decimal, excludeTax, excludeShipping bool) decimal.Decimal {
	base := total
	if excludeTax {
		base = base.Sub(tax)
	}
	if excludeShipping {
		base = base.Sub(shipping)
	}
	if base.IsNegative() {
		return decimal.Zero
	}
	return base
}

// Allocate распределяет сумму пропорционально весам. Остаток от округления уходит в последнюю долю.
func Allocate(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return shares
	}
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	if sum.IsZero() {
		shares[len(shares)-1] = amount
		for i := 0; i < len(shares)-1; i++ {
			shares[i] = decimal.Zero
		}
		return shares
	}
	rest := amount
	for i, w := range weights {
		if i == len(weights)-1 {
			shares[i] = rest
			break
		}
		share := amount.Mul(w).Div(sum).Round(Scale)
		shares[i] = share
		rest = rest.Sub(share)
	}
	return shares
}
