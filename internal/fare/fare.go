package fare

import "github.com/example/ride-dispatch/internal/models"

// Per-class rates. Values are flat config, not market data; surge is the
// only dynamic input and arrives with the request.
type rate struct {
	base      float64
	perMile   float64
	perMinute float64
	minimum   float64
}

var classRates = map[models.ServiceClass]rate{
	models.ClassEconomy: {base: 2.50, perMile: 1.25, perMinute: 0.30, minimum: 6.00},
	models.ClassComfort: {base: 3.50, perMile: 1.75, perMinute: 0.40, minimum: 9.00},
	models.ClassPremium: {base: 6.00, perMile: 2.75, perMinute: 0.60, minimum: 15.00},
	models.ClassXL:      {base: 4.50, perMile: 2.25, perMinute: 0.50, minimum: 12.00},
}

// Compute builds the fare breakdown once at request time. It is never
// recomputed afterwards; only the tip field may change on a stored ride.
func Compute(class models.ServiceClass, distanceMiles, durationMinutes, surgeFactor, promo float64) models.Fare {
	r := classRates[class]
	f := models.Fare{
		Base:     r.base,
		Distance: round2(r.perMile * distanceMiles),
		Time:     round2(r.perMinute * durationMinutes),
	}
	subtotal := f.Base + f.Distance + f.Time
	if subtotal < r.minimum {
		f.Base += round2(r.minimum - subtotal)
		subtotal = r.minimum
	}
	if surgeFactor > 1 {
		f.Surge = round2(subtotal * (surgeFactor - 1))
	}
	if promo > 0 {
		f.Promo = round2(promo)
	}
	total := subtotal + f.Surge - f.Promo
	if total < 0 {
		total = 0
	}
	f.Total = round2(total)
	return f
}

// DriverEarnings is the net amount shown in an offer and paid at completion.
func DriverEarnings(f models.Fare, platformFeePct float64) float64 {
	return round2(f.Total * (1 - platformFeePct))
}

// PlatformFee is the platform's cut of the gross fare.
func PlatformFee(f models.Fare, platformFeePct float64) float64 {
	return round2(f.Total * platformFeePct)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
