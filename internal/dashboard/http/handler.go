package dashboardhttp

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/dashboard"
	"github.com/roomledger/roomledger/internal/period"
	"github.com/roomledger/roomledger/internal/platform/httpx"
)

// Handler serves the owner dashboard report.
type Handler struct {
	logger    *slog.Logger
	service   *dashboard.Service
	validator *validator.Validate
	builds    singleflight.Group
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *dashboard.Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/owners/{ownerID}/dashboard", h.report)
}

type reportQuery struct {
	OwnerID             int64    `validate:"required,min=1"`
	PropertyID          int64    `validate:"omitempty,min=1"`
	RoomTypeID          int64    `validate:"omitempty,min=1"`
	PropertySearch      string   `validate:"omitempty,max=100"`
	RoomTypeSearch      string   `validate:"omitempty,max=100"`
	City                string   `validate:"omitempty,max=100"`
	Province            string   `validate:"omitempty,max=100"`
	CustomerName        string   `validate:"omitempty,max=100"`
	Email               string   `validate:"omitempty,max=254"`
	InvoiceNumber       string   `validate:"omitempty,max=64"`
	Status              []string `validate:"omitempty,dive,oneof=PENDING_PAYMENT PENDING_CONFIRMATION CONFIRMED CANCELLED"`
	StartDate           string   `validate:"omitempty,datetime=2006-01-02"`
	EndDate             string   `validate:"omitempty,datetime=2006-01-02"`
	Page                int      `validate:"omitempty,min=1"`
	PageSize            int      `validate:"omitempty,min=1,max=100"`
	ReservationPage     int      `validate:"omitempty,min=1"`
	ReservationPageSize int      `validate:"omitempty,min=1,max=200"`
	SortBy              string   `validate:"omitempty,oneof=name revenue confirmed pending city province address"`
	SortDir             string   `validate:"omitempty,oneof=asc desc"`
	Search              string   `validate:"omitempty,max=100"`
	FetchAllData        bool
	Format              string `validate:"omitempty,oneof=json csv"`
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	query, periodIn, parseErrs := parseQuery(r)
	if len(parseErrs) > 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(parseErrs, "; "))
		return
	}
	if err := h.validator.Struct(query); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", describe(err))
		return
	}
	filters, opts := query.toFilters()

	key := strconv.FormatInt(query.OwnerID, 10) + "?" + r.URL.Query().Encode()
	result, err, _ := h.build(r.Context(), key, func(ctx context.Context) (any, error) {
		return h.service.GetOwnerDashboardReport(ctx, query.OwnerID, filters, opts, periodIn)
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	report, ok := result.(dashboard.Report)
	if !ok {
		httpx.RespondError(w, errors.New("unexpected report type"))
		return
	}
	if query.Format == "csv" {
		writeCSV(w, report, query.OwnerID)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// build collapses identical concurrent requests into one pipeline run. The run is
// detached from the first caller's cancellation since other callers share it.
func (h *Handler) build(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error, bool) {
	ch := h.builds.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrOwnerNotFound), errors.Is(err, booking.ErrPropertyNotFound), errors.Is(err, booking.ErrRoomTypeNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error()))
	case errors.Is(err, dashboard.ErrPropertyNotOwned), errors.Is(err, dashboard.ErrRoomTypeNotOwned):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrForbidden, err.Error()))
	case errors.Is(err, dashboard.ErrInvalidFilter):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnavailable, err.Error()))
	default:
		if h.logger != nil {
			h.logger.Error("owner dashboard", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func writeCSV(w http.ResponseWriter, report dashboard.Report, ownerID int64) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=owner_%d_reservations.csv", ownerID))
	writer := csv.NewWriter(w)
	for _, row := range dashboard.ExportRows(report) {
		if err := writer.Write(row); err != nil {
			break
		}
	}
	writer.Flush()
}

func parseQuery(r *http.Request) (reportQuery, *period.Input, []string) {
	q := r.URL.Query()
	var errs []string
	intParam := func(name string) int64 {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, name+" must be an integer")
			return 0
		}
		return v
	}
	query := reportQuery{
		OwnerID:             parseOwner(chi.URLParam(r, "ownerID"), &errs),
		PropertyID:          intParam("propertyId"),
		RoomTypeID:          intParam("roomTypeId"),
		PropertySearch:      strings.TrimSpace(q.Get("propertySearch")),
		RoomTypeSearch:      strings.TrimSpace(q.Get("roomTypeSearch")),
		City:                strings.TrimSpace(q.Get("city")),
		Province:            strings.TrimSpace(q.Get("province")),
		CustomerName:        strings.TrimSpace(q.Get("customerName")),
		Email:               strings.TrimSpace(q.Get("email")),
		InvoiceNumber:       strings.TrimSpace(q.Get("invoiceNumber")),
		Status:              splitList(q["status"]),
		StartDate:           strings.TrimSpace(q.Get("startDate")),
		EndDate:             strings.TrimSpace(q.Get("endDate")),
		Page:                int(intParam("page")),
		PageSize:            int(intParam("pageSize")),
		ReservationPage:     int(intParam("reservationPage")),
		ReservationPageSize: int(intParam("reservationPageSize")),
		SortBy:              strings.ToLower(strings.TrimSpace(q.Get("sortBy"))),
		SortDir:             strings.ToLower(strings.TrimSpace(q.Get("sortDir"))),
		Search:              strings.TrimSpace(q.Get("search")),
		Format:              strings.ToLower(strings.TrimSpace(q.Get("format"))),
	}
	if raw := strings.TrimSpace(q.Get("fetchAllData")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, "fetchAllData must be a boolean")
		}
		query.FetchAllData = v
	}

	var in *period.Input
	if q.Has("periodType") || q.Has("periodKey") || q.Has("year") || q.Has("month") {
		in = &period.Input{PeriodType: q.Get("periodType"), PeriodKey: q.Get("periodKey")}
		// Malformed year/month degrade inside the resolver.
		if v, err := strconv.Atoi(strings.TrimSpace(q.Get("year"))); err == nil {
			in.Year = &v
		}
		if v, err := strconv.Atoi(strings.TrimSpace(q.Get("month"))); err == nil {
			in.Month = &v
		}
	}
	return query, in, errs
}

func parseOwner(raw string, errs *[]string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		*errs = append(*errs, "ownerID must be an integer")
		return 0
	}
	return v
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (q reportQuery) toFilters() (dashboard.Filters, dashboard.Options) {
	f := dashboard.Filters{
		PropertySearch: q.PropertySearch,
		RoomTypeSearch: q.RoomTypeSearch,
		City:           q.City,
		Province:       q.Province,
		CustomerName:   q.CustomerName,
		Email:          q.Email,
		InvoiceNumber:  q.InvoiceNumber,
	}
	if q.PropertyID > 0 {
		id := q.PropertyID
		f.PropertyID = &id
	}
	if q.RoomTypeID > 0 {
		id := q.RoomTypeID
		f.RoomTypeID = &id
	}
	for _, s := range q.Status {
		f.ReservationStatus = append(f.ReservationStatus, booking.OrderStatus(s))
	}
	if t, err := time.Parse(time.DateOnly, q.StartDate); err == nil {
		f.StartDate = &t
	}
	if t, err := time.Parse(time.DateOnly, q.EndDate); err == nil {
		f.EndDate = &t
	}
	opts := dashboard.Options{
		Page:                q.Page,
		PageSize:            q.PageSize,
		ReservationPage:     q.ReservationPage,
		ReservationPageSize: q.ReservationPageSize,
		SortBy:              dashboard.SortKey(q.SortBy),
		SortDir:             dashboard.SortDir(q.SortDir),
		Search:              q.Search,
		FetchAllData:        q.FetchAllData || q.Format == "csv",
	}
	return f, opts
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
