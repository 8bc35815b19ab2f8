package chartsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/domain/dentalchart"
)

var errStoreDown = errors.New("store unavailable")

type toothKey struct {
	patient      uuid.UUID
	tooth        dentalchart.Tooth
	consultation uuid.UUID
}

// memTeeth keeps one row per (patient, tooth, consultation) like the
// tooth_record table.
type memTeeth struct {
	mu    sync.Mutex
	rows  map[toothKey]dentalchart.ToothRecord
	fail  bool
	saves int
	reads int
}

func newMemTeeth() *memTeeth {
	return &memTeeth{rows: make(map[toothKey]dentalchart.ToothRecord)}
}

func (m *memTeeth) SaveTooth(_ context.Context, rec *dentalchart.ToothRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.fail {
		return errStoreDown
	}
	m.putLocked(rec)
	return nil
}

func (m *memTeeth) putLocked(rec *dentalchart.ToothRecord) {
	key := toothKey{patient: rec.PatientID, tooth: rec.Tooth}
	if rec.ConsultationID != nil {
		key.consultation = *rec.ConsultationID
	}
	if cur, ok := m.rows[key]; ok {
		rec.ID = cur.ID
	} else {
		rec.ID = uuid.New()
	}
	rec.UpdatedAt = time.Now()
	rec.Origin = dentalchart.OriginPersisted
	rec.Color = rec.Status.Color()
	m.rows[key] = rec.Clone()
}

// external writes a row the way another module would, bypassing the session.
func (m *memTeeth) external(rec dentalchart.ToothRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(&rec)
}

func (m *memTeeth) LatestPerTooth(_ context.Context, patientID uuid.UUID) ([]dentalchart.ToothRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.fail {
		return nil, errStoreDown
	}
	latest := make(map[dentalchart.Tooth]dentalchart.ToothRecord)
	for k, r := range m.rows {
		if k.patient != patientID {
			continue
		}
		if cur, ok := latest[k.tooth]; ok && !r.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		latest[k.tooth] = r
	}
	out := make([]dentalchart.ToothRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memTeeth) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func (m *memTeeth) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type sectionWrite struct {
	consultationID uuid.UUID
	section        consultation.SectionID
	payload        consultation.Payload
}

// memConsultations mirrors consultation.Service semantics in memory.
type memConsultations struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*consultation.Consultation
	writes  []sectionWrite
	fail    bool
	attempt int
}

func newMemConsultations() *memConsultations {
	return &memConsultations{items: make(map[uuid.UUID]*consultation.Consultation)}
}

func (m *memConsultations) SaveSection(_ context.Context, patientID, consultationID uuid.UUID, p consultation.Payload) (consultation.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	if m.fail {
		return consultation.WriteResult{}, errStoreDown
	}
	if patientID == uuid.Nil {
		return consultation.WriteResult{}, consultation.ErrNoActivePatient
	}
	outcome := consultation.OutcomeUpdated
	c, ok := m.items[consultationID]
	if consultationID == uuid.Nil {
		c = &consultation.Consultation{
			ID:        uuid.New(),
			PatientID: patientID,
			Status:    consultation.StatusDraft,
			Sections:  consultation.Sections{},
			CreatedAt: time.Now(),
		}
		m.items[c.ID] = c
		outcome = consultation.OutcomeCreated
	} else if !ok {
		return consultation.WriteResult{}, consultation.ErrNotFound
	} else if c.IsCompleted() {
		return consultation.WriteResult{}, consultation.ErrCompleted
	}
	c.Sections[p.Section()] = consultation.ClonePayload(p)
	c.UpdatedAt = time.Now()
	m.writes = append(m.writes, sectionWrite{consultationID: c.ID, section: p.Section(), payload: consultation.ClonePayload(p)})
	return consultation.WriteResult{Outcome: outcome, ConsultationID: c.ID}, nil
}

func (m *memConsultations) ResumeDraft(_ context.Context, patientID uuid.UUID) (*consultation.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.PatientID == patientID && !c.IsCompleted() {
			cp := *c
			cp.Sections = c.Sections.Clone()
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConsultations) Complete(_ context.Context, id uuid.UUID) (*consultation.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, consultation.ErrNotFound
	}
	if c.IsCompleted() {
		return nil, consultation.ErrCompleted
	}
	now := time.Now()
	c.Status = consultation.StatusCompleted
	c.CompletedAt = &now
	cp := *c
	cp.Sections = c.Sections.Clone()
	return &cp, nil
}

func (m *memConsultations) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func (m *memConsultations) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *memConsultations) writesFor(section consultation.SectionID) []sectionWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sectionWrite
	for _, w := range m.writes {
		if w.section == section {
			out = append(out, w)
		}
	}
	return out
}

func (m *memConsultations) stored(id uuid.UUID) *consultation.Consultation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil
	}
	cp := *c
	cp.Sections = c.Sections.Clone()
	return &cp
}
