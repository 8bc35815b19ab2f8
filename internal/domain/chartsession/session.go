// Package chartsession keeps one reconciled view of a patient's chart and
// open consultation while edits, saves, reloads and change notifications
// arrive concurrently.
package chartsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/domain/dentalchart"
	"github.com/ehr/dentalchart/internal/domain/extraction"
	"github.com/ehr/dentalchart/internal/platform/autosave"
	"github.com/ehr/dentalchart/internal/platform/realtime"
	"github.com/ehr/dentalchart/internal/platform/reload"
	"github.com/ehr/dentalchart/internal/platform/websocket"
)

var (
	ErrClosed         = errors.New("chart session is closed")
	ErrNoConsultation = errors.New("no open consultation")
)

// ToothStore reads and writes tooth rows.
type ToothStore interface {
	SaveTooth(ctx context.Context, rec *dentalchart.ToothRecord) error
	LatestPerTooth(ctx context.Context, patientID uuid.UUID) ([]dentalchart.ToothRecord, error)
}

// ConsultationStore persists consultation sections.
type ConsultationStore interface {
	SaveSection(ctx context.Context, patientID, consultationID uuid.UUID, p consultation.Payload) (consultation.WriteResult, error)
	ResumeDraft(ctx context.Context, patientID uuid.UUID) (*consultation.Consultation, error)
	Complete(ctx context.Context, id uuid.UUID) (*consultation.Consultation, error)
}

// Broadcaster pushes events to UI clients.
type Broadcaster interface {
	Broadcast(topic string, event websocket.Event)
}

type Config struct {
	QuietPeriod       time.Duration
	ReloadDelay       time.Duration
	WriteTimeout      time.Duration
	MinConfidence     int
	// NoEvidencePenalty of zero disables the suggestion penalty.
	NoEvidencePenalty int
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Teeth         ToothStore
	Consultations ConsultationStore
	// Feed may be nil, in which case the chart only refreshes after saves.
	Feed   realtime.Feed
	Hub    Broadcaster
	Logger zerolog.Logger
	Config Config
	// Now defaults to time.Now.
	Now func() time.Time
}

// AlertKind classifies a user-facing alert.
type AlertKind string

const (
	AlertWriteFailed   AlertKind = "write-failed"
	AlertLowConfidence AlertKind = "low-confidence"
	AlertRejected      AlertKind = "extraction-rejected"
)

// Alert is shown to the user. Write failures block until dismissed.
type Alert struct {
	Kind     AlertKind              `json:"kind"`
	Message  string                 `json:"message"`
	Section  consultation.SectionID `json:"section,omitempty"`
	Blocking bool                   `json:"blocking"`
	At       time.Time              `json:"at"`
}

// ChartView is a copy of the reconciled chart.
type ChartView struct {
	PatientID uuid.UUID                 `json:"patient_id"`
	Version   uint64                    `json:"version"`
	Teeth     []dentalchart.ToothRecord `json:"teeth"`
	Summary   dentalchart.Summary       `json:"summary"`
	TakenAt   time.Time                 `json:"snapshot_taken_at"`
	Pending   int                       `json:"pending_overlays"`
}

// Session owns the chart aggregate and consultation sections of one patient.
type Session struct {
	patientID uuid.UUID
	deps      Deps
	gate      *extraction.Gate
	logger    zerolog.Logger
	now       func() time.Time

	mu             sync.Mutex
	consultationID uuid.UUID
	sections       consultation.Sections
	aggregate      dentalchart.Aggregate
	snapshot       dentalchart.Snapshot
	overlays       []dentalchart.Overlay
	summary        dentalchart.Summary
	version        uint64
	alert          *Alert
	closed         bool
	opened         bool
	// engaged is set once the open consultation exists or the user has
	// edited a section of it. Until then the chart summary stays out of the
	// sections so that reads alone never create a consultation.
	engaged bool

	// saveMu serializes section writes so the consultation created by the
	// first write is known to every later one.
	saveMu sync.Mutex

	autosave *autosave.Debouncer[consultation.SectionID, consultation.Payload]
	reloads  *reload.Scheduler[dentalchart.Snapshot]
	listener *realtime.Listener
}

// New creates a session for patientID. Call Open before use.
func New(patientID uuid.UUID, deps Deps) *Session {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	gate := extraction.NewGate(deps.Config.MinConfidence)
	gate.NoEvidencePenalty = deps.Config.NoEvidencePenalty
	logger := deps.Logger.With().Str("component", "chart-session").Str("patient_id", patientID.String()).Logger()
	s := &Session{
		patientID: patientID,
		deps:      deps,
		gate:      gate,
		logger:    logger,
		now:       now,
		sections:  consultation.Sections{},
		aggregate: dentalchart.Aggregate{},
	}
	s.autosave = autosave.New(s.writeSection, autosave.Options[consultation.SectionID]{
		QuietPeriod:  deps.Config.QuietPeriod,
		WriteTimeout: deps.Config.WriteTimeout,
		Logger:       logger,
		OnError:      s.sectionWriteFailed,
	})
	s.reloads = reload.New(s.fetch, s.apply, reload.Options{
		Delay:    deps.Config.ReloadDelay,
		Logger:   logger,
		Observer: reloadObserver{},
	})
	if deps.Feed != nil {
		s.listener = realtime.NewListener(deps.Feed, patientID.String(), realtime.ChartTables, s.onChange, logger)
	}
	return s
}

func (s *Session) PatientID() uuid.UUID { return s.patientID }

// Open resumes the patient's draft consultation, subscribes to change
// notifications and then performs the initial full reload, so a change
// committed in between still triggers a reload. A failed initial reload
// leaves the chart empty; the next reload fills it.
func (s *Session) Open(ctx context.Context) error {
	draft, err := s.deps.Consultations.ResumeDraft(ctx, s.patientID)
	if err != nil {
		return fmt.Errorf("resume draft: %w", err)
	}
	s.mu.Lock()
	if draft != nil {
		s.consultationID = draft.ID
		s.sections = draft.Sections.Clone()
		s.engaged = true
	}
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Start(ctx); err != nil {
			return fmt.Errorf("subscribe to changes: %w", err)
		}
	}

	_ = s.reloads.Initial(ctx)

	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	activeSessions.Inc()
	return nil
}

// Close cancels pending autosaves and reloads and unsubscribes. Writes and
// fetches already in flight are allowed to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	opened := s.opened
	s.mu.Unlock()

	s.autosave.Cancel()
	s.reloads.Cancel()
	if s.listener != nil {
		if err := s.listener.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	s.reloads.Wait()
	s.autosave.Wait()
	if opened {
		activeSessions.Dec()
	}
}

func (s *Session) onChange(ctx context.Context, version uint64) error {
	realtimeEvents.Inc()
	return s.reloads.Reload(ctx, version)
}

// fetch reads the latest row per tooth. The snapshot is stamped before the
// read so that edits made during it stay newer than the snapshot.
func (s *Session) fetch(ctx context.Context, t reload.Trigger) (dentalchart.Snapshot, error) {
	takenAt := s.now()
	rows, err := s.deps.Teeth.LatestPerTooth(ctx, s.patientID)
	if err != nil {
		return dentalchart.Snapshot{}, err
	}
	origin := dentalchart.OriginPersisted
	if t.Kind == reload.KindRealtime {
		origin = dentalchart.OriginRealtime
	}
	for i := range rows {
		rows[i].Origin = origin
	}
	return dentalchart.Snapshot{Rows: rows, TakenAt: takenAt}, nil
}

func (s *Session) apply(t reload.Trigger, snap dentalchart.Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.snapshot = snap
	changed := s.reconcileLocked()
	ev := s.chartEventLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("kind", string(t.Kind)).Uint64("seq", t.Seq).Bool("changed", changed).Msg("snapshot applied")
	if changed {
		s.broadcast(ev)
	}
}

// reconcileLocked rebuilds the aggregate from the last snapshot and the
// pending overlays, then pushes a changed chart summary into the diagnosis
// and treatment sections. s.mu must be held.
func (s *Session) reconcileLocked() bool {
	res := dentalchart.Reconcile(s.aggregate, s.snapshot, s.overlays)
	s.aggregate = res.Aggregate
	s.overlays = res.Retained

	changed := res.Changed
	if sum := dentalchart.Summarize(s.aggregate); !sum.Equal(s.summary) {
		s.summary = sum
		s.propagateSummaryLocked()
		changed = true
	}
	if changed {
		s.version++
	}
	return changed
}

// propagateSummaryLocked writes the chart summary into the dependent
// sections that differ from it. Nothing happens before the consultation is
// engaged. s.mu must be held.
func (s *Session) propagateSummaryLocked() {
	if !s.engaged {
		return
	}
	for _, id := range consultation.ApplyChartSummary(s.sections, s.summary.Diagnoses, s.summary.Treatments) {
		s.autosave.Schedule(id, s.sections[id])
	}
}

// engageLocked marks the consultation as in use by the user and catches the
// sections up with the current summary. s.mu must be held.
func (s *Session) engageLocked() {
	if s.engaged {
		return
	}
	s.engaged = true
	s.propagateSummaryLocked()
}

// writeSection is the autosave writer for one section.
func (s *Session) writeSection(ctx context.Context, id consultation.SectionID, p consultation.Payload) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	cid := s.consultationID
	s.mu.Unlock()

	res, err := s.deps.Consultations.SaveSection(ctx, s.patientID, cid, p)
	if err != nil {
		return err
	}
	sectionWrites.WithLabelValues(string(res.Outcome)).Inc()

	s.mu.Lock()
	if res.Outcome == consultation.OutcomeCreated {
		s.consultationID = res.ConsultationID
		s.logger.Info().Str("consultation_id", res.ConsultationID.String()).Msg("consultation created")
	}
	s.mu.Unlock()

	s.broadcast(websocket.Event{
		Type:      websocket.EventConsultationUpdated,
		PatientID: s.patientID.String(),
		Data:      mustJSON(map[string]any{"section": id, "consultation_id": res.ConsultationID, "outcome": res.Outcome}),
	})
	return nil
}

func (s *Session) sectionWriteFailed(id consultation.SectionID, err error) {
	sectionWrites.WithLabelValues("failed").Inc()
	s.raise(Alert{
		Kind:     AlertWriteFailed,
		Message:  fmt.Sprintf("Saving %s failed: %v", id, err),
		Section:  id,
		Blocking: true,
	})
}

func (s *Session) raise(a Alert) {
	a.At = s.now()
	s.mu.Lock()
	s.alert = &a
	s.mu.Unlock()
	s.broadcast(websocket.Event{
		Type:      websocket.EventAlert,
		PatientID: s.patientID.String(),
		Data:      mustJSON(a),
	})
}

// LastAlert returns the most recent alert, if any.
func (s *Session) LastAlert() *Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alert == nil {
		return nil
	}
	a := *s.alert
	return &a
}

// DismissAlert clears the current alert.
func (s *Session) DismissAlert() {
	s.mu.Lock()
	s.alert = nil
	s.mu.Unlock()
}

// EditSection records a new payload for a section and schedules its
// autosave. Overview sections are read-only.
func (s *Session) EditSection(id consultation.SectionID, p consultation.Payload) error {
	d, ok := consultation.Describe(id)
	if !ok {
		return fmt.Errorf("%w: %q", consultation.ErrUnknownSection, id)
	}
	if d.Overview {
		return fmt.Errorf("%w: %s", consultation.ErrReadOnlySection, id)
	}
	if p == nil || p.Section() != id {
		return fmt.Errorf("payload does not belong to section %s", id)
	}
	next := consultation.ClonePayload(p)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.engageLocked()
	s.sections[id] = next
	s.version++
	s.autosave.Schedule(id, next)
	s.mu.Unlock()
	return nil
}

// EditTooth places an unsaved local edit over the chart.
func (s *Session) EditTooth(rec dentalchart.ToothRecord) (dentalchart.ToothRecord, error) {
	rec.PatientID = s.patientID
	if err := rec.Validate(); err != nil {
		return dentalchart.ToothRecord{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dentalchart.ToothRecord{}, ErrClosed
	}
	s.overlays = append(s.overlays, dentalchart.Overlay{
		Kind:      dentalchart.OriginLocalEdit,
		Record:    rec.Clone(),
		CreatedAt: s.now(),
	})
	changed := s.reconcileLocked()
	out := s.aggregate[rec.Tooth].Clone()
	ev := s.chartEventLocked()
	s.mu.Unlock()

	if changed {
		s.broadcast(ev)
	}
	return out, nil
}

// SaveTooth persists rec and schedules the post-write reload. It returns
// false without an error when the session can no longer write.
func (s *Session) SaveTooth(ctx context.Context, rec dentalchart.ToothRecord) (bool, error) {
	started := s.now()
	s.mu.Lock()
	if s.closed || s.patientID == uuid.Nil {
		s.mu.Unlock()
		return false, nil
	}
	if s.consultationID != uuid.Nil {
		cid := s.consultationID
		rec.ConsultationID = &cid
	}
	s.mu.Unlock()

	rec.PatientID = s.patientID
	rec.ID = uuid.Nil
	if err := s.deps.Teeth.SaveTooth(ctx, &rec); err != nil {
		s.logger.Error().Err(err).Int("tooth", int(rec.Tooth)).Msg("tooth save failed")
		s.raise(Alert{
			Kind:     AlertWriteFailed,
			Message:  fmt.Sprintf("Saving tooth %s failed: %v", rec.Tooth, err),
			Blocking: true,
		})
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true, nil
	}
	// The saved row replaces the tooth's overlays from before the save and
	// joins the last snapshot until the post-write reload confirms it. Edits
	// made while the save was in flight stay on top.
	kept := s.overlays[:0:0]
	for _, ov := range s.overlays {
		if ov.Record.Tooth != rec.Tooth || ov.CreatedAt.After(started) {
			kept = append(kept, ov)
		}
	}
	s.overlays = kept
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	rows := make([]dentalchart.ToothRecord, 0, len(s.snapshot.Rows)+1)
	for _, r := range s.snapshot.Rows {
		if r.Tooth != rec.Tooth {
			rows = append(rows, r)
		}
	}
	rows = append(rows, rec.Clone())
	s.snapshot = dentalchart.Snapshot{Rows: rows, TakenAt: s.snapshot.TakenAt}
	changed := s.reconcileLocked()
	ev := s.chartEventLocked()
	s.mu.Unlock()

	s.reloads.AfterWrite()
	if changed {
		s.broadcast(ev)
	}
	return true, nil
}

// ApplyExtraction applies a voice extraction payload. Payloads below the
// confidence threshold are rejected whole and raise a warning alert.
func (s *Session) ApplyExtraction(p extraction.Payload) (extraction.Distribution, error) {
	d, err := s.gate.Distribute(p, s.patientID, s.now())
	if err != nil {
		if errors.Is(err, extraction.ErrLowConfidence) {
			extractionPayloads.WithLabelValues("low_confidence").Inc()
			s.raise(Alert{
				Kind:    AlertLowConfidence,
				Message: fmt.Sprintf("Extraction confidence %d%% is below %d%%; nothing was applied", p.Confidence, s.gate.MinConfidence),
			})
		} else {
			extractionPayloads.WithLabelValues("invalid").Inc()
			s.raise(Alert{Kind: AlertRejected, Message: err.Error()})
		}
		return extraction.Distribution{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return extraction.Distribution{}, ErrClosed
	}
	if len(d.Sections) > 0 {
		s.engageLocked()
	}
	for _, payload := range d.Sections {
		id := payload.Section()
		merged := consultation.Merge(s.sections[id], payload)
		s.sections[id] = merged
		s.autosave.Schedule(id, merged)
	}
	s.overlays = append(s.overlays, d.Overlays...)
	s.reconcileLocked()
	s.version++
	ev := s.chartEventLocked()
	s.mu.Unlock()

	extractionPayloads.WithLabelValues("accepted").Inc()
	s.broadcast(ev)
	return d, nil
}

// Complete writes pending section edits and finalizes the consultation.
// The next section edit starts a new consultation; reloads alone do not.
func (s *Session) Complete(ctx context.Context) (*consultation.Consultation, error) {
	if err := s.autosave.Flush(ctx); err != nil {
		if errors.Is(err, autosave.ErrCancelled) {
			return nil, ErrClosed
		}
		return nil, err
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	cid := s.consultationID
	s.mu.Unlock()
	if cid == uuid.Nil {
		return nil, ErrNoConsultation
	}

	c, err := s.deps.Consultations.Complete(ctx, cid)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.consultationID = uuid.Nil
	s.sections = consultation.Sections{}
	s.engaged = false
	s.version++
	s.mu.Unlock()

	s.broadcast(websocket.Event{
		Type:      websocket.EventConsultationUpdated,
		PatientID: s.patientID.String(),
		Data:      mustJSON(map[string]any{"consultation_id": c.ID, "status": c.Status}),
	})
	return c, nil
}

// Chart returns a copy of the reconciled chart.
func (s *Session) Chart() ChartView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chartViewLocked()
}

func (s *Session) chartViewLocked() ChartView {
	return ChartView{
		PatientID: s.patientID,
		Version:   s.version,
		Teeth:     s.aggregate.Records(),
		Summary: dentalchart.Summary{
			Diagnoses:  append([]string{}, s.summary.Diagnoses...),
			Treatments: append([]string{}, s.summary.Treatments...),
		},
		TakenAt: s.snapshot.TakenAt,
		Pending: len(s.overlays),
	}
}

// Consultation returns the open consultation with derived section statuses.
// The overview sections are built from the current chart.
func (s *Session) Consultation() consultation.View {
	s.mu.Lock()
	defer s.mu.Unlock()

	sections := s.sections.Clone()
	overview := &consultation.ChartOverview{}
	for _, r := range s.aggregate.Records() {
		overview.Teeth = append(overview.Teeth, consultation.OverviewTooth{
			Tooth:  int(r.Tooth),
			Status: string(r.Status),
			Color:  r.Color,
			Origin: string(r.Origin),
		})
	}
	sections[consultation.SectionChartOverview] = overview
	sections[consultation.SectionDiagnosisOverview] = &consultation.DiagnosisOverview{
		Diagnoses:  append([]string(nil), s.summary.Diagnoses...),
		Treatments: append([]string(nil), s.summary.Treatments...),
	}

	return consultation.View{
		ID:        s.consultationID,
		PatientID: s.patientID,
		Status:    consultation.StatusDraft,
		Sections:  consultation.BuildSectionViews(sections),
		UpdatedAt: s.now(),
	}
}

// ConsultationID returns the identity of the open consultation, or uuid.Nil
// before the first section has been saved.
func (s *Session) ConsultationID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consultationID
}

// Flush writes pending section edits now.
func (s *Session) Flush(ctx context.Context) error {
	return s.autosave.Flush(ctx)
}

// Refresh starts an immediate full reload in the background.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.reloads.Refresh(ctx) {
		return ErrClosed
	}
	return nil
}

// PendingWrites counts section edits waiting for their quiet period.
func (s *Session) PendingWrites() int {
	return s.autosave.Pending()
}

// Realtime reports the change listener's state and notification count. A
// session without a feed reports idle at version zero.
func (s *Session) Realtime() (realtime.State, uint64) {
	if s.listener == nil {
		return realtime.StateIdle, 0
	}
	return s.listener.State()
}

// ReloadStats reports reload outcomes for this session.
func (s *Session) ReloadStats() reload.Stats {
	return s.reloads.Stats()
}

func (s *Session) chartEventLocked() websocket.Event {
	return websocket.Event{
		Type:      websocket.EventChartUpdated,
		PatientID: s.patientID.String(),
		Version:   s.version,
		Data:      mustJSON(s.chartViewLocked()),
	}
}

func (s *Session) broadcast(ev websocket.Event) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Broadcast(websocket.PatientTopic(s.patientID.String()), ev)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
