package pricing

import (
	"math"
	"strconv"
	"strings"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"

	"github.com/shopspring/decimal"
)

const (
	MaxRushPct = 200
	MaxFeePct  = 100
)

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// Service resolves the fee percentage applied to new offers.
type Service struct {
	DefaultFeePct string
}

type Line struct {
	DeliverableType string `json:"deliverable_type"`
	Quantity        int64  `json:"quantity"`
	UnitPrice       int64  `json:"unit_price"`
	RushPct         int    `json:"rush_pct"`
	RushUnitPrice   int64  `json:"rush_unit_price"`
	LineTotal       int64  `json:"line_total"`
}

type Breakdown struct {
	Lines           []Line `json:"lines"`
	Subtotal        int64  `json:"subtotal"`
	PlatformFeePct  string `json:"platform_fee_pct"`
	PlatformFee     int64  `json:"platform_fee"`
	Total           int64  `json:"total"`
	CreatorEarnings int64  `json:"creator_earnings"`
}

type Mismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Quote prices items with the requested fee percentage, or the configured
// default when requested is empty.
func (s Service) Quote(items []models.LineItem, requested string) (Breakdown, error) {
	pct := strings.TrimSpace(requested)
	if pct == "" {
		pct = s.DefaultFeePct
	}
	if pct == "" {
		pct = "20"
	}
	feePct, err := ParseFeePct(pct)
	if err != nil {
		return Breakdown{}, err
	}
	return CalculatePricing(items, feePct)
}

func ParseFeePct(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Decimal{}, domainerr.Invalid("platform_fee_pct", "not a number")
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(MaxFeePct)) {
		return decimal.Decimal{}, domainerr.Invalid("platform_fee_pct", "must be within [0,100]")
	}
	return d, nil
}

// ApplyRushPricing returns base plus the rush surcharge, rounded half up to
// whole minor units.
func ApplyRushPricing(base int64, rushPct int) (int64, error) {
	if base < 0 {
		return 0, domainerr.Invalid("unit_price", "must not be negative")
	}
	if rushPct < 0 || rushPct > MaxRushPct {
		return 0, domainerr.Invalid("rush_pct", "must be within [0,200]")
	}
	if rushPct == 0 {
		return base, nil
	}
	b := decimal.NewFromInt(base)
	out := b.Add(percentOf(b, decimal.NewFromInt(int64(rushPct))))
	if out.GreaterThan(maxMinor) {
		return 0, domainerr.Invalid("unit_price", "overflows minor units")
	}
	return out.IntPart(), nil
}

// CalculatePricing is a pure function of its inputs. The platform fee is
// charged on top of the subtotal; the fulfiller earns the full subtotal.
func CalculatePricing(items []models.LineItem, feePct decimal.Decimal) (Breakdown, error) {
	if len(items) == 0 {
		return Breakdown{}, domainerr.Invalid("items", "at least one item is required")
	}
	if feePct.IsNegative() || feePct.GreaterThan(decimal.NewFromInt(MaxFeePct)) {
		return Breakdown{}, domainerr.Invalid("platform_fee_pct", "must be within [0,100]")
	}

	out := Breakdown{Lines: make([]Line, 0, len(items))}
	subtotal := decimal.Zero
	for i, it := range items {
		field := "items[" + strconv.Itoa(i) + "]"
		if strings.TrimSpace(it.DeliverableType) == "" {
			return Breakdown{}, domainerr.Invalid(field+".deliverable_type", "is required")
		}
		if it.Quantity < 1 {
			return Breakdown{}, domainerr.Invalid(field+".quantity", "must be at least 1")
		}
		unit, err := ApplyRushPricing(it.UnitPrice, it.RushPct)
		if err != nil {
			return Breakdown{}, err
		}
		line := decimal.NewFromInt(unit).Mul(decimal.NewFromInt(it.Quantity))
		subtotal = subtotal.Add(line)
		if subtotal.GreaterThan(maxMinor) {
			return Breakdown{}, domainerr.Invalid(field, "subtotal overflows minor units")
		}
		out.Lines = append(out.Lines, Line{
			DeliverableType: it.DeliverableType,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			RushPct:         it.RushPct,
			RushUnitPrice:   unit,
			LineTotal:       line.IntPart(),
		})
	}

	fee := percentOf(subtotal, feePct)
	total := subtotal.Add(fee)
	if total.GreaterThan(maxMinor) {
		return Breakdown{}, domainerr.Invalid("items", "total overflows minor units")
	}

	out.Subtotal = subtotal.IntPart()
	out.PlatformFeePct = feePct.String()
	out.PlatformFee = fee.IntPart()
	out.Total = total.IntPart()
	out.CreatorEarnings = out.Subtotal
	return out, nil
}

// ValidateOfferPricing recomputes the monetary fields of offer from its items
// and reports every field that disagrees with the stored value.
func ValidateOfferPricing(offer *models.Offer) []Mismatch {
	feePct, err := ParseFeePct(offer.PlatformFeePct)
	if err != nil {
		return []Mismatch{{Field: "platform_fee_pct", Expected: "number within [0,100]", Actual: offer.PlatformFeePct}}
	}
	b, err := CalculatePricing(offer.Items, feePct)
	if err != nil {
		return []Mismatch{{Field: "items", Expected: "valid line items", Actual: err.Error()}}
	}

	var out []Mismatch
	check := func(field string, expected, actual int64) {
		if expected != actual {
			out = append(out, Mismatch{
				Field:    field,
				Expected: strconv.FormatInt(expected, 10),
				Actual:   strconv.FormatInt(actual, 10),
			})
		}
	}
	check("subtotal", b.Subtotal, offer.Subtotal)
	check("platform_fee", b.PlatformFee, offer.PlatformFee)
	check("total", b.Total, offer.Total)
	check("creator_earnings", b.CreatorEarnings, offer.CreatorEarnings)
	return out
}

// Apply copies the breakdown's monetary fields onto offer.
func (b Breakdown) Apply(offer *models.Offer) {
	offer.Subtotal = b.Subtotal
	offer.PlatformFeePct = b.PlatformFeePct
	offer.PlatformFee = b.PlatformFee
	offer.Total = b.Total
	offer.CreatorEarnings = b.CreatorEarnings
}

// percentOf returns round_half_up(v * pct / 100). Inputs are non-negative, so
// rounding half away from zero is rounding half up.
func percentOf(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(hundred).Round(0)
}
