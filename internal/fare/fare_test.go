package fare

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestComputeBreakdownAddsUp(t *testing.T) {
	f := Compute(models.ClassEconomy, 4, 12, 1, 0)
	if f.Base <= 0 || f.Distance <= 0 || f.Time <= 0 {
		t.Fatalf("expected positive components, got %+v", f)
	}
	want := f.Base + f.Distance + f.Time + f.Surge - f.Promo
	if diff := f.Total - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("total %f does not match components %f", f.Total, want)
	}
}

func TestComputeAppliesMinimumFare(t *testing.T) {
	f := Compute(models.ClassPremium, 0.1, 1, 1, 0)
	if f.Total < 15 {
		t.Fatalf("expected premium minimum fare, got %f", f.Total)
	}
}

func TestComputeSurge(t *testing.T) {
	flat := Compute(models.ClassEconomy, 5, 15, 1, 0)
	surged := Compute(models.ClassEconomy, 5, 15, 1.5, 0)
	if surged.Surge <= 0 {
		t.Fatal("expected surge component")
	}
	if surged.Total <= flat.Total {
		t.Fatalf("surged total %f should exceed flat %f", surged.Total, flat.Total)
	}
}

func TestComputePromoNeverNegative(t *testing.T) {
	f := Compute(models.ClassEconomy, 0.5, 2, 1, 1000)
	if f.Total < 0 {
		t.Fatalf("total must be non-negative, got %f", f.Total)
	}
}

func TestDriverEarningsSplit(t *testing.T) {
	f := models.Fare{Total: 20}
	net := DriverEarnings(f, 0.20)
	fee := PlatformFee(f, 0.20)
	if net != 16 || fee != 4 {
		t.Fatalf("expected 16/4 split, got %f/%f", net, fee)
	}
}
