package notify

import (
	"fmt"
	"strings"

	"github.com/tripdesk/tripdesk/event"
)

// bookingSummary renders a short human-readable line for a booking row.
// Field availability varies by CRM deployment so every part is optional,
// with the row ID as the last resort.
func bookingSummary(ev event.DomainEvent) string {
	var parts []string

	if v, ok := ev.Row["customer_name"].(string); ok && v != "" {
		parts = append(parts, v)
	}
	if v, ok := ev.Row["destination"].(string); ok && v != "" {
		parts = append(parts, v)
	}
	if v, ok := ev.Row["start_date"].(string); ok && v != "" {
		parts = append(parts, v)
	}

	if len(parts) == 0 {
		return fmt.Sprintf("Booking %s", ev.RowID)
	}
	return strings.Join(parts, ", ")
}
