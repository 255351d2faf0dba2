package performance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roomledger/roomledger/internal/booking"
	"github.com/roomledger/roomledger/internal/period"
)

// ActivitySource reports which entities had confirmed activity, for gap detection.
type ActivitySource interface {
	ListActiveEntities(ctx context.Context, ownerID int64, start, end time.Time) (booking.ActiveEntities, error)
}

// PlanMode describes how a plan was derived.
type PlanMode string

const (
	// PlanFull recomputes every month and the year.
	PlanFull PlanMode = "full"
	// PlanGaps recomputes months with uncovered activity and a stale current month, then the year.
	PlanGaps PlanMode = "gaps"
	// PlanNone skips years that have not started.
	PlanNone PlanMode = "none"
)

// Plan is the ordered set of periods to recompute for one owner.
type Plan struct {
	OwnerID int64
	Year    int
	Mode    PlanMode
	Periods []period.Descriptor
}

// Planner decides which periods of a year need recomputation.
type Planner struct {
	store      Store
	activity   ActivitySource
	logger     *slog.Logger
	clock      func() time.Time
	staleAfter time.Duration
}

// NewPlanner constructs a planner using the system clock.
func NewPlanner(store Store, activity ActivitySource, logger *slog.Logger) *Planner {
	return &Planner{
		store:    store,
		activity: activity,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithStaleAfter sets how old the current month's summaries may get before they are replanned.
func (p *Planner) WithStaleAfter(ttl time.Duration) *Planner {
	p.staleAfter = ttl
	return p
}

// WithClock overrides the planner clock.
func (p *Planner) WithClock(clock func() time.Time) {
	if clock != nil {
		p.clock = clock
	}
}

// PlanYear returns the periods to recompute for ownerID in year. The YEAR period is always last.
func (p *Planner) PlanYear(ctx context.Context, ownerID int64, year int) (Plan, error) {
	now := p.clock()
	plan := Plan{OwnerID: ownerID, Year: year}
	switch {
	case year > now.Year():
		plan.Mode = PlanNone
		return plan, nil
	case year < now.Year():
		plan.Mode = PlanFull
		for m := 1; m <= 12; m++ {
			plan.Periods = append(plan.Periods, period.NewMonth(year, m))
		}
		plan.Periods = append(plan.Periods, period.NewYear(year))
		return plan, nil
	}

	plan.Mode = PlanGaps
	for m := 1; m <= int(now.Month()); m++ {
		desc := period.NewMonth(year, m)
		due, err := p.monthDue(ctx, ownerID, desc, m == int(now.Month()), now)
		if err != nil {
			return Plan{}, err
		}
		if due {
			plan.Periods = append(plan.Periods, desc)
		}
	}
	plan.Periods = append(plan.Periods, period.NewYear(year))
	if p.logger != nil {
		p.logger.Debug("yearly plan built",
			slog.Int64("owner_id", ownerID),
			slog.Int("year", year),
			slog.Int("periods", len(plan.Periods)))
	}
	return plan, nil
}

// monthDue reports whether desc needs recomputation: some entity with confirmed
// activity lacks a summary, or desc is the current month and its summaries are stale.
func (p *Planner) monthDue(ctx context.Context, ownerID int64, desc period.Descriptor, current bool, now time.Time) (bool, error) {
	cov, err := p.store.OwnerCoverage(ctx, ownerID, desc.Type, desc.Key)
	if err != nil {
		return false, fmt.Errorf("performance: coverage %s for owner %d: %w", desc.Key, ownerID, err)
	}
	if current && !cov.Empty() && p.stale(cov.Oldest, now) {
		return true, nil
	}
	start, end := desc.Range()
	active, err := p.activity.ListActiveEntities(ctx, ownerID, start, end)
	if err != nil {
		return false, fmt.Errorf("performance: activity %s for owner %d: %w", desc.Key, ownerID, err)
	}
	return !active.Empty() && !cov.Covers(active), nil
}

func (p *Planner) stale(s Summary, now time.Time) bool {
	if p.staleAfter > 0 {
		return s.IsStaleAfter(now, p.staleAfter)
	}
	return s.IsStale(now)
}
