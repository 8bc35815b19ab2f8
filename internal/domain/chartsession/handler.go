package chartsession

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/domain/dentalchart"
	"github.com/ehr/dentalchart/internal/domain/extraction"
	"github.com/ehr/dentalchart/internal/platform/autosave"
	"github.com/ehr/dentalchart/internal/platform/realtime"
	"github.com/ehr/dentalchart/internal/platform/reload"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	p := api.Group("/patients/:patient_id")
	p.POST("/session", h.OpenSession)
	p.DELETE("/session", h.CloseSession)
	p.GET("/session/status", h.SessionStatus)
	p.GET("/chart", h.GetChart)
	p.POST("/chart/refresh", h.RefreshChart)
	p.PATCH("/chart/teeth/:tooth", h.EditTooth)
	p.PUT("/chart/teeth/:tooth", h.SaveTooth)
	p.GET("/consultation", h.GetConsultation)
	p.PUT("/consultation/sections/:section", h.EditSection)
	p.POST("/consultation/flush", h.FlushConsultation)
	p.POST("/consultation/complete", h.CompleteConsultation)
	p.POST("/extraction", h.ApplyExtraction)
	p.DELETE("/alert", h.DismissAlert)
}

type sessionResponse struct {
	Chart        ChartView         `json:"chart"`
	Consultation consultation.View `json:"consultation"`
	Alert        *Alert            `json:"alert,omitempty"`
}

func (h *Handler) OpenSession(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	s, err := h.mgr.Open(c.Request().Context(), patientID)
	if errors.Is(err, ErrManagerClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessionResponse{
		Chart:        s.Chart(),
		Consultation: s.Consultation(),
		Alert:        s.LastAlert(),
	})
}

func (h *Handler) CloseSession(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if !h.mgr.Close(patientID) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

type statusResponse struct {
	ConsultationID  uuid.UUID      `json:"consultation_id"`
	PendingWrites   int            `json:"pending_writes"`
	Reloads         reload.Stats   `json:"reloads"`
	RealtimeState   realtime.State `json:"realtime_state"`
	RealtimeVersion uint64         `json:"realtime_version"`
	Alert           *Alert         `json:"alert,omitempty"`
}

func (h *Handler) SessionStatus(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	state, version := s.Realtime()
	return c.JSON(http.StatusOK, statusResponse{
		ConsultationID:  s.ConsultationID(),
		PendingWrites:   s.PendingWrites(),
		Reloads:         s.ReloadStats(),
		RealtimeState:   state,
		RealtimeVersion: version,
		Alert:           s.LastAlert(),
	})
}

func (h *Handler) RefreshChart(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := s.Refresh(c.Request().Context()); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) FlushConsultation(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := s.Flush(c.Request().Context()); err != nil {
		if errors.Is(err, autosave.ErrCancelled) {
			return sessionError(ErrClosed)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s.Consultation())
}

func (h *Handler) GetChart(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Chart())
}

func (h *Handler) EditTooth(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	rec, err := bindTooth(c)
	if err != nil {
		return err
	}
	out, err := s.EditTooth(rec)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) SaveTooth(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	rec, err := bindTooth(c)
	if err != nil {
		return err
	}
	saved, err := s.SaveTooth(c.Request().Context(), rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !saved {
		return echo.NewHTTPError(http.StatusConflict, "session is closed")
	}
	return c.JSON(http.StatusOK, s.Chart())
}

func (h *Handler) GetConsultation(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Consultation())
}

func (h *Handler) EditSection(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	id := consultation.SectionID(c.Param("section"))
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	p, err := consultation.DecodePayload(id, raw)
	if err != nil {
		return sessionError(err)
	}
	if err := s.EditSection(id, p); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) CompleteConsultation(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	cons, err := s.Complete(c.Request().Context())
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, consultation.NewView(cons))
}

func (h *Handler) ApplyExtraction(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var p extraction.Payload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d, err := s.ApplyExtraction(p)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sections":    len(d.Sections),
		"teeth":       len(d.Overlays),
		"suggestions": d.Suggestions,
		"chart":       s.Chart(),
	})
}

func (h *Handler) DismissAlert(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	s.DismissAlert()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	s, err := h.mgr.Get(patientID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not open")
	}
	return s, nil
}

func bindTooth(c echo.Context) (dentalchart.ToothRecord, error) {
	tooth, err := dentalchart.ParseTooth(c.Param("tooth"))
	if err != nil {
		return dentalchart.ToothRecord{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var rec dentalchart.ToothRecord
	if err := json.NewDecoder(c.Request().Body).Decode(&rec); err != nil && !errors.Is(err, io.EOF) {
		return dentalchart.ToothRecord{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec.Tooth = tooth
	if err := rec.Validate(); err != nil {
		return dentalchart.ToothRecord{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return rec, nil
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, consultation.ErrUnknownSection):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, consultation.ErrReadOnlySection),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrNoConsultation),
		errors.Is(err, consultation.ErrCompleted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, extraction.ErrLowConfidence):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, extraction.ErrInvalidConfidence):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
