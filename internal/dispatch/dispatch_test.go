package dispatch

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeHop struct {
	delivered bool
	calls     int
}

func (f *fakeHop) Deliver(topic string, ev models.Event) bool {
	f.calls++
	return f.delivered
}

func TestFallbackStopsAtFirstDelivery(t *testing.T) {
	first := &fakeHop{delivered: true}
	second := &fakeHop{delivered: true}
	f := &Fallback{Chain: []DeliveryNotifier{first, second}}

	f.Publish("driver:d1", models.Event{Type: "ride_offer"})

	if first.calls != 1 || second.calls != 0 {
		t.Fatalf("expected only first hop, got %d/%d", first.calls, second.calls)
	}
}

func TestFallbackTriesNextHopOnMiss(t *testing.T) {
	first := &fakeHop{delivered: false}
	second := &fakeHop{delivered: true}
	third := &fakeHop{delivered: true}
	f := &Fallback{Chain: []DeliveryNotifier{first, second, third}}

	f.Publish("driver:d1", models.Event{Type: "ride_offer"})

	if first.calls != 1 || second.calls != 1 || third.calls != 0 {
		t.Fatalf("unexpected call pattern %d/%d/%d", first.calls, second.calls, third.calls)
	}
}

func TestTopicHelpers(t *testing.T) {
	if DriverTopic("d1") != "driver:d1" || RiderTopic("u1") != "rider:u1" || RideTopic("r1") != "ride:r1" {
		t.Fatal("unexpected topic format")
	}
}
