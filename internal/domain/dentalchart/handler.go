package dentalchart

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler serves the persisted chart, without any open session's overlays.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:patient_id/teeth", h.ListTeeth)
	api.GET("/patients/:patient_id/teeth/:tooth/history", h.ToothHistory)
}

type persistedChart struct {
	PatientID uuid.UUID     `json:"patient_id"`
	Teeth     []ToothRecord `json:"teeth"`
	Summary   Summary       `json:"summary"`
	ReadAt    time.Time     `json:"read_at"`
}

func (h *Handler) ListTeeth(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	readAt := time.Now().UTC()
	rows, err := h.svc.LatestPerTooth(c.Request().Context(), patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	agg := Reconcile(nil, Snapshot{Rows: rows, TakenAt: readAt}, nil).Aggregate
	return c.JSON(http.StatusOK, persistedChart{
		PatientID: patientID,
		Teeth:     agg.Records(),
		Summary:   Summarize(agg),
		ReadAt:    readAt,
	})
}

func (h *Handler) ToothHistory(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	tooth, err := ParseTooth(c.Param("tooth"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 100")
		}
		limit = n
	}
	rows, err := h.svc.History(c.Request().Context(), patientID, tooth, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tooth": tooth,
		"rows":  rows,
	})
}
