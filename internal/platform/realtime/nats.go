package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix roots the change subjects: dental.changes.<patient>.<table>.
const SubjectPrefix = "dental.changes"

// ChangeSubject is the subject a change for patientID on table is sent to.
func ChangeSubject(patientID, table string) string {
	return SubjectPrefix + "." + patientID + "." + table
}

// NATSFeed receives change notifications over NATS.
type NATSFeed struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func NewNATSFeed(nc *nats.Conn, logger zerolog.Logger) *NATSFeed {
	return &NATSFeed{nc: nc, logger: logger.With().Str("component", "nats-feed").Logger()}
}

type natsSubscription []*nats.Subscription

func (s natsSubscription) Unsubscribe() error {
	var errs []error
	for _, sub := range s {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *NATSFeed) Subscribe(_ context.Context, patientID string, tables []string, fn func(Change)) (Subscription, error) {
	if err := validateScope(patientID, tables); err != nil {
		return nil, err
	}
	subs := make(natsSubscription, 0, len(tables))
	for _, table := range tables {
		table := table
		sub, err := f.nc.Subscribe(ChangeSubject(patientID, table), func(msg *nats.Msg) {
			c, err := ParseChange(msg.Data)
			if err != nil {
				// The subject alone identifies the scope.
				c = Change{Table: table, PatientID: patientID, At: time.Now().UTC()}
			}
			if inScope(c, patientID, []string{table}) {
				fn(c)
			}
		})
		if err != nil {
			_ = subs.Unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", ChangeSubject(patientID, table), err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// NATSPublisher sends change notifications and other JSON messages.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) PublishChange(_ context.Context, c Change) error {
	if c.PatientID == "" || strings.ContainsAny(c.PatientID, ".*> ") {
		return fmt.Errorf("realtime: invalid patient id %q", c.PatientID)
	}
	return p.PublishJSON(ChangeSubject(c.PatientID, c.Table), c)
}

// PublishJSON marshals v and publishes it on subject.
func (p *NATSPublisher) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
