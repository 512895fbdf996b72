package pricing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/driverme/internal/models"
)

// ErrInvalidInput rejects a quote request before any computation.
var ErrInvalidInput = errors.New("invalid pricing input")

const vatRate = 0.08

type rates struct {
	base      int64
	perKm     int64
	perMinute int64
}

// Per-tier constants. An unrecognized tier falls back to economy rates
// rather than failing.
var tierRates = map[models.VehicleTier]rates{
	models.TierEconomy:  {base: 10000, perKm: 5000, perMinute: 500},
	models.TierStandard: {base: 15000, perKm: 7000, perMinute: 700},
	models.TierPremium:  {base: 25000, perKm: 10000, perMinute: 1000},
}

// Breakdown is the computed fare. It is never mutated after computation;
// every quote recomputes from scratch because the surcharge depends on the
// current hour. Items is a display-only line-item mapping.
type Breakdown struct {
	BaseFare        int64            `json:"baseFare"`
	DistanceFare    int64            `json:"distanceFare"`
	TimeFare        int64            `json:"timeFare"`
	Subtotal        int64            `json:"subtotal"`
	SurchargeRate   float64          `json:"surchargeRate"`
	SurchargeAmount int64            `json:"surchargeAmount"`
	Discount        int64            `json:"discount"`
	VATAmount       int64            `json:"vatAmount"`
	FinalPrice      int64            `json:"finalPrice"`
	Items           map[string]int64 `json:"breakdown"`
}

// Discounter resolves a voucher code to a discount amount given the
// pre-discount price. Implementations may consult a voucher table; the
// engine clamps whatever they return to [0, preDiscount].
type Discounter interface {
	Discount(code string, preDiscount int64) int64
}

// Engine computes fares. The zero value is usable; Vouchers is optional.
type Engine struct {
	Vouchers Discounter
}

// Quote prices a trip. Pure function of its inputs and now (the surcharge
// window is evaluated against now's local hour). Rounding happens at each
// intermediate step so a quote and a later settlement agree bit-exactly.
func (e *Engine) Quote(tier models.VehicleTier, distanceKm, durationMinutes float64, voucherCode string, now time.Time) (Breakdown, error) {
	if distanceKm <= 0 {
		return Breakdown{}, fmt.Errorf("%w: distance must be positive, got %v", ErrInvalidInput, distanceKm)
	}
	if durationMinutes <= 0 {
		return Breakdown{}, fmt.Errorf("%w: duration must be positive, got %v", ErrInvalidInput, durationMinutes)
	}

	r, ok := tierRates[tier]
	if !ok {
		r = tierRates[models.TierEconomy]
	}

	distanceFare := round(distanceKm * float64(r.perKm))
	timeFare := round(durationMinutes * float64(r.perMinute))
	subtotal := r.base + distanceFare + timeFare

	rate := surchargeRateAt(now.Hour())
	surcharge := round(float64(subtotal) * rate)

	var discount int64
	if voucherCode != "" && e.Vouchers != nil {
		discount = e.Vouchers.Discount(voucherCode, subtotal+surcharge)
		if discount < 0 {
			discount = 0
		}
		if max := subtotal + surcharge; discount > max {
			discount = max
		}
	}

	taxable := subtotal + surcharge - discount
	vat := round(float64(taxable) * vatRate)
	final := taxable + vat

	bd := Breakdown{
		BaseFare:        r.base,
		DistanceFare:    distanceFare,
		TimeFare:        timeFare,
		Subtotal:        subtotal,
		SurchargeRate:   rate,
		SurchargeAmount: surcharge,
		Discount:        discount,
		VATAmount:       vat,
		FinalPrice:      final,
		Items: map[string]int64{
			"Base fare":     r.base,
			"Distance fare": distanceFare,
			"Time fare":     timeFare,
			"VAT (8%)":      vat,
			"Total":         final,
		},
	}
	if surcharge > 0 {
		bd.Items["Peak hour surcharge"] = surcharge
	}
	if discount > 0 {
		bd.Items["Discount"] = -discount
	}
	return bd, nil
}

// surchargeRateAt maps an hour of day to a surcharge rate: 20% in the
// morning and evening peaks [06,09) and [16,19), 15% late night
// [22,24) and [00,05), 0% otherwise.
func surchargeRateAt(hour int) float64 {
	switch {
	case hour >= 6 && hour < 9:
		return 0.20
	case hour >= 16 && hour < 19:
		return 0.20
	case hour >= 22 || hour < 5:
		return 0.15
	default:
		return 0
	}
}

func round(v float64) int64 { return int64(math.Round(v)) }
