package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ehr/dentalchart/internal/platform/websocket"
)

// HubFeed is an in-process feed carried by the websocket hub. It serves a
// single server instance when no external transport is configured.
type HubFeed struct {
	hub *websocket.Hub
}

func NewHubFeed(hub *websocket.Hub) *HubFeed {
	return &HubFeed{hub: hub}
}

type hubSubscription func()

func (d hubSubscription) Unsubscribe() error {
	d()
	return nil
}

func (f *HubFeed) Subscribe(_ context.Context, patientID string, tables []string, fn func(Change)) (Subscription, error) {
	if err := validateScope(patientID, tables); err != nil {
		return nil, err
	}
	scope := append([]string(nil), tables...)
	detach := f.hub.Listen(websocket.ChangeTopic(patientID), func(ev websocket.Event) {
		c, err := ParseChange(ev.Data)
		if err != nil {
			return
		}
		if inScope(c, patientID, scope) {
			fn(c)
		}
	})
	return hubSubscription(detach), nil
}

// HubPublisher announces changes on the hub. Websocket clients subscribed
// to the change topic see them too.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) PublishChange(_ context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	p.hub.Broadcast(websocket.ChangeTopic(c.PatientID), websocket.Event{
		Type:      websocket.EventChange,
		PatientID: c.PatientID,
		Timestamp: c.At,
		Data:      data,
	})
	return nil
}
