package recalchttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/roomledger/roomledger/internal/batchjob"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/internal/platform/httpx"
	"github.com/roomledger/roomledger/internal/recalc"
)

// Handler exposes the recalculation trigger and job polling endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *recalc.Service
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *recalc.Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/recalculations", func(r chi.Router) {
		r.Post("/period", h.triggerPeriod)
		r.Post("/yearly", h.triggerYearly)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.showJob)
		r.Get("/status", h.status)
		r.Delete("/summaries", h.purge)
	})
}

type periodRequest struct {
	PeriodType string `json:"periodType" validate:"omitempty,oneof=DAY MONTH YEAR day month year"`
	PeriodKey  string `json:"periodKey" validate:"omitempty,max=40"`
	Year       *int   `json:"year" validate:"omitempty,min=1900,max=9999"`
	Month      *int   `json:"month" validate:"omitempty,min=1,max=12"`
	BatchSize  int    `json:"batchSize" validate:"omitempty,min=1,max=500"`
	DelayMS    *int64 `json:"delayMs" validate:"omitempty,min=0,max=60000"`
}

type yearlyRequest struct {
	Year *int `json:"year" validate:"omitempty,min=1900,max=9999"`
}

type jobAccepted struct {
	JobID string `json:"jobId"`
}

func (h *Handler) triggerPeriod(w http.ResponseWriter, r *http.Request) {
	var req periodRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := recalc.PeriodRequest{
		PeriodType: req.PeriodType,
		PeriodKey:  req.PeriodKey,
		Year:       req.Year,
		Month:      req.Month,
		BatchSize:  req.BatchSize,
	}
	if req.DelayMS != nil {
		d := time.Duration(*req.DelayMS) * time.Millisecond
		in.Delay = &d
	}
	id, err := h.service.RecalculateAllOwnersPropertiesSummaryForPeriod(r.Context(), in)
	if err != nil {
		h.fail(w, "trigger period recalculation", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, jobAccepted{JobID: id.String()})
}

func (h *Handler) triggerYearly(w http.ResponseWriter, r *http.Request) {
	var req yearlyRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.service.SmartYearlyRecalculation(r.Context(), req.Year)
	if err != nil {
		h.fail(w, "trigger yearly recalculation", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, jobAccepted{JobID: id.String()})
}

func (h *Handler) showJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "job id must be a uuid")
		return
	}
	job, err := h.service.GetJob(r.Context(), id)
	if err != nil {
		h.fail(w, "get job", err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}

type listQuery struct {
	Type       string `validate:"omitempty,oneof=RECALCULATE_ALL_OWNERS_PERIOD SMART_YEARLY_RECALCULATION"`
	PeriodType string `validate:"omitempty,oneof=DAY MONTH YEAR"`
	PeriodKey  string `validate:"omitempty,max=40"`
	Status     string `validate:"omitempty,oneof=PENDING IN_PROGRESS COMPLETED FAILED"`
	OwnerID    int64  `validate:"omitempty,min=1"`
	Limit      int    `validate:"omitempty,min=1,max=200"`
	Offset     int    `validate:"omitempty,min=0"`
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := listQuery{
		Type:       strings.ToUpper(strings.TrimSpace(q.Get("type"))),
		PeriodType: strings.ToUpper(strings.TrimSpace(q.Get("periodType"))),
		PeriodKey:  strings.TrimSpace(q.Get("periodKey")),
		Status:     strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		OwnerID:    parseInt64(q.Get("ownerId")),
		Limit:      parseInt(q.Get("limit")),
		Offset:     parseInt(q.Get("offset")),
	}
	if !h.validate(w, query) {
		return
	}
	filter := batchjob.Filter{
		Type:       batchjob.JobType(query.Type),
		PeriodType: period.Type(query.PeriodType),
		PeriodKey:  query.PeriodKey,
		Status:     batchjob.Status(query.Status),
		Limit:      query.Limit,
		Offset:     query.Offset,
	}
	if query.OwnerID > 0 {
		owner := query.OwnerID
		filter.OwnerID = &owner
	}
	jobs, err := h.service.ListJobs(r.Context(), filter)
	if err != nil {
		h.fail(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []batchjob.Job{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	desc, running, err := h.service.IsRunningForPeriod(r.Context(), periodInput(r))
	if err != nil {
		h.fail(w, "job status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"periodType": desc.Type,
		"periodKey":  desc.Key,
		"running":    running,
	})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	ownerID := parseInt64(r.URL.Query().Get("ownerId"))
	n, err := h.service.PurgeSummaries(r.Context(), ownerID, periodInput(r))
	if err != nil {
		h.fail(w, "purge summaries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, target); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
			return false
		}
	}
	return h.validate(w, target)
}

func (h *Handler) validate(w http.ResponseWriter, target any) bool {
	err := h.validator.Struct(target)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(parts, "; "))
		return false
	}
	httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	return false
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, recalc.ErrInvalidRequest):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	case errors.Is(err, batchjob.ErrJobNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error()))
	default:
		if h.logger != nil {
			h.logger.Error(op, slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func periodInput(r *http.Request) period.Input {
	q := r.URL.Query()
	in := period.Input{
		PeriodType: q.Get("periodType"),
		PeriodKey:  q.Get("periodKey"),
	}
	if v, err := strconv.Atoi(strings.TrimSpace(q.Get("year"))); err == nil {
		in.Year = &v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(q.Get("month"))); err == nil {
		in.Month = &v
	}
	return in
}

func parseInt64(value string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(value string) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return v
}
