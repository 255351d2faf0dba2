package dashboard

import (
	"context"

	"github.com/roomledger/roomledger/internal/period"
)

// Service resolves the report period and delegates to the Builder.
type Service struct {
	builder  *Builder
	resolver *period.Resolver
}

// NewService constructs the dashboard service.
func NewService(builder *Builder, resolver *period.Resolver) *Service {
	return &Service{builder: builder, resolver: resolver}
}

// GetOwnerDashboardReport builds the owner's report. A period, when given, supplies
// the date range unless the filters already carry explicit dates. Explicit dates
// without a period report as a custom range.
func (s *Service) GetOwnerDashboardReport(ctx context.Context, ownerID int64, filters Filters, opts Options, in *period.Input) (Report, error) {
	var desc *period.Descriptor
	switch {
	case in != nil:
		d := s.resolver.Resolve(*in)
		desc = &d
	case filters.StartDate != nil && filters.EndDate != nil && !filters.StartDate.After(*filters.EndDate):
		d := s.resolver.Resolve(period.Input{PeriodKey: period.CustomKey(*filters.StartDate, *filters.EndDate)})
		desc = &d
	}
	if desc != nil {
		start, end := desc.Range()
		if filters.StartDate == nil {
			filters.StartDate = &start
		}
		if filters.EndDate == nil {
			filters.EndDate = &end
		}
	}
	return s.builder.Build(ctx, ownerID, filters, opts, desc)
}

// Wait blocks until detached summary repairs have finished.
func (s *Service) Wait() {
	s.builder.Wait()
}
