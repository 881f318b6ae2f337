package dispatch

import "github.com/example/ride-dispatch/internal/models"

// Notifier delivers typed events to named recipients. Delivery is
// at-most-once and best-effort: a disconnected recipient misses events
// published while absent, and reconnection does not replay them. Business
// logic treats Publish as fire-and-forget after the durable write.
type Notifier interface {
	Publish(topic string, ev models.Event)
}

func DriverTopic(id string) string { return "driver:" + id }
func RiderTopic(id string) string  { return "rider:" + id }
func RideTopic(id string) string   { return "ride:" + id }

// Fallback tries each notifier in order until one reports delivery. The
// websocket registry is primary; push providers catch recipients with no
// live socket.
type Fallback struct {
	Chain []DeliveryNotifier
}

// DeliveryNotifier reports whether anything was actually sent, so Fallback
// knows when to try the next hop.
type DeliveryNotifier interface {
	Deliver(topic string, ev models.Event) bool
}

func (f *Fallback) Publish(topic string, ev models.Event) {
	for _, n := range f.Chain {
		if n.Deliver(topic, ev) {
			return
		}
	}
}
