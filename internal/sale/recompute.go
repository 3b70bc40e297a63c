package sale

import (
	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Recompute derives every line and sale total from items, discounts and
// payments. It is the only place totals are written. After it returns:
//
//	GrandTotal == Subtotal - DiscountTotal + TaxTotal
//	AmountDue  == max(GrandTotal - AmountPaid, 0)
func Recompute(s *domain.Sale) {
	lineIndex := make(map[string]int, len(s.Items))
	remaining := make([]money.Money, len(s.Items))
	for i := range s.Items {
		item := &s.Items[i]
		item.Subtotal = item.UnitPrice.MulQty(item.Quantity).Round()
		item.DiscountAmount = money.Zero()
		item.TaxAmount = money.Zero()
		remaining[i] = item.Subtotal
		lineIndex[item.ID] = i
	}

	for i := range s.Discounts {
		d := &s.Discounts[i]
		if d.Scope != domain.DiscountScopeLine {
			continue
		}
		idx, ok := lineIndex[d.LineID]
		if !ok {
			d.Amount = money.Zero()
			continue
		}
		amount := money.Min(discountAmount(*d, s.Items[idx].Subtotal), remaining[idx])
		d.Amount = amount
		remaining[idx] = remaining[idx].Sub(amount)
		s.Items[idx].DiscountAmount = s.Items[idx].DiscountAmount.Add(amount)
	}

	base := money.Zero()
	for _, item := range s.Items {
		base = base.Add(item.Subtotal.Sub(item.DiscountAmount))
	}

	saleDiscount := money.Zero()
	remainingBase := base
	for i := range s.Discounts {
		d := &s.Discounts[i]
		if d.Scope != domain.DiscountScopeSale {
			continue
		}
		amount := money.Min(discountAmount(*d, base), remainingBase)
		d.Amount = amount
		remainingBase = remainingBase.Sub(amount)
		saleDiscount = saleDiscount.Add(amount)
	}

	subtotal := money.Zero()
	lineDiscounts := money.Zero()
	taxTotal := money.Zero()
	for i := range s.Items {
		item := &s.Items[i]
		subtotal = subtotal.Add(item.Subtotal)
		lineDiscounts = lineDiscounts.Add(item.DiscountAmount)
		if item.TaxExempt || !item.TaxRate.IsPositive() {
			continue
		}
		taxable := item.Subtotal.Sub(item.DiscountAmount)
		if base.IsPositive() && saleDiscount.IsPositive() {
			// Sale-level discounts are spread over lines by their net share.
			share := taxable.Decimal().Mul(saleDiscount.Decimal()).Div(base.Decimal())
			taxable = taxable.Sub(money.FromDecimal(share)).ClampZero()
		}
		item.TaxAmount = money.FromDecimal(taxable.Decimal().Mul(item.TaxRate).Div(hundred)).Round()
		taxTotal = taxTotal.Add(item.TaxAmount)
	}

	paid := money.Zero()
	change := money.Zero()
	for _, p := range s.Payments {
		if !p.Counts() {
			continue
		}
		paid = paid.Add(p.Amount)
		change = change.Add(p.ChangeGiven)
	}

	discountTotal := lineDiscounts.Add(saleDiscount)
	grand := subtotal.Sub(discountTotal).Add(taxTotal)
	s.Totals = domain.Totals{
		Subtotal:      subtotal,
		DiscountTotal: discountTotal,
		TaxTotal:      taxTotal,
		GrandTotal:    grand,
		AmountPaid:    paid,
		AmountDue:     grand.Sub(paid).ClampZero(),
		ChangeDue:     change,
	}
}

func discountAmount(d domain.Discount, base money.Money) money.Money {
	switch d.Type {
	case domain.DiscountPercentage:
		return base.Percent(clampPercent(d.Value)).Round()
	case domain.DiscountFixed:
		value := money.FromDecimal(d.Value).ClampZero().Round()
		return money.Min(value, base)
	default:
		return money.Zero()
	}
}

func clampPercent(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}
