package dashboard

import (
	"strconv"
	"time"
)

// ExportRows flattens the report's reservation lines into CSV rows with a header.
// Room types without listed reservations produce no rows.
func ExportRows(report Report) [][]string {
	out := [][]string{{
		"Property ID", "Property", "City", "Room Type ID", "Room Type",
		"Reservation ID", "Invoice", "Customer", "Email",
		"Start Date", "End Date", "Nights", "Order Status", "Payment Status", "Amount",
	}}
	for _, p := range report.Properties {
		for _, rt := range p.RoomTypes {
			for _, line := range rt.Reservations {
				out = append(out, []string{
					strconv.FormatInt(p.ID, 10),
					p.Name,
					p.City,
					strconv.FormatInt(rt.ID, 10),
					rt.Name,
					strconv.FormatInt(line.ID, 10),
					line.InvoiceNumber,
					line.CustomerName,
					line.CustomerEmail,
					line.StartDate.Format(time.DateOnly),
					line.EndDate.Format(time.DateOnly),
					strconv.FormatInt(line.Nights, 10),
					string(line.OrderStatus),
					string(line.PaymentStatus),
					line.Amount.StringFixed(2),
				})
			}
		}
	}
	return out
}
