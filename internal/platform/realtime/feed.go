// Package realtime carries change notifications for the backing collections.
// A notification says only that something changed for a patient; consumers
// reload rather than apply it as a delta.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tables watched by the chart engine.
const (
	TableToothRecords = "tooth_records"
	TableTreatments   = "treatments"
)

// ChartTables is the subscription scope of a chart session.
var ChartTables = []string{TableToothRecords, TableTreatments}

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is a single notification. Nothing beyond the scope fields is trusted.
type Change struct {
	Table     string    `json:"table"`
	Op        Op        `json:"op"`
	PatientID string    `json:"patient_id"`
	At        time.Time `json:"at"`
}

// Subscription is an active feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// Feed delivers change notifications scoped to a patient and a set of tables.
type Feed interface {
	Subscribe(ctx context.Context, patientID string, tables []string, fn func(Change)) (Subscription, error)
}

// Publisher announces changes after a successful write.
type Publisher interface {
	PublishChange(ctx context.Context, c Change) error
}

// MultiPublisher fans a change out to several publishers.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishChange(ctx context.Context, c Change) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishChange(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopPublisher discards changes. Used when the store emits its own
// notifications (PostgreSQL triggers).
type NopPublisher struct{}

func (NopPublisher) PublishChange(context.Context, Change) error { return nil }

func inScope(c Change, patientID string, tables []string) bool {
	if c.PatientID != patientID {
		return false
	}
	for _, t := range tables {
		if t == c.Table {
			return true
		}
	}
	return false
}

func validateScope(patientID string, tables []string) error {
	if patientID == "" {
		return fmt.Errorf("realtime: patient id is required")
	}
	if len(tables) == 0 {
		return fmt.Errorf("realtime: at least one table is required")
	}
	return nil
}
