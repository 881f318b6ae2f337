package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier posts events to an external push provider for recipients
// with no live socket. The provider owns device-token resolution; we only
// hand over the semantic payload.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewPushNotifier(endpoint string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Deliver(topic string, ev models.Event) bool {
	if p.Endpoint == "" {
		return false
	}
	b, err := json.Marshal(map[string]any{"recipient": topic, "event": ev})
	if err != nil {
		return false
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
