package notify

import (
	"fmt"
	"strconv"
	"strings"

	"pricealerts/internal/models"
)

// TestMarker prefixes every message sent outside production.
const TestMarker = "***TEST***\n"

// FormatMessage renders the alert text for one crossing, e.g.
// "$AAPL march 2024 Swing Trade at $140 has triggered."
func FormatMessage(ev models.CrossingEvent, production bool) string {
	period := strings.ToLower(strings.TrimSpace(ev.PeriodMonth))
	if ev.PeriodYear > 0 {
		period = strings.TrimSpace(fmt.Sprintf("%s %d", period, ev.PeriodYear))
	}

	msg := fmt.Sprintf("$%s %s %s at $%s has triggered.",
		strings.ToUpper(ev.TickerSymbol),
		period,
		ev.Tier.DisplayName(),
		strconv.FormatFloat(ev.ThresholdPrice, 'f', -1, 64),
	)

	if !production {
		return TestMarker + msg
	}
	return msg
}
