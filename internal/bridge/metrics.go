package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MetricValue is one aggregated figure. Available is false when the
// aggregation failed.
type MetricValue struct {
	Name      string
	Value     int
	Available bool
}

func (v MetricValue) String() string {
	if !v.Available {
		return "unavailable"
	}
	return strconv.Itoa(v.Value)
}

// FormatMetrics renders values as a bullet list headed by the window.
func FormatMetrics(values []MetricValue, window time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business metrics (last %s):", formatWindow(window))
	for _, v := range values {
		fmt.Fprintf(&b, "\n- %s: %s", v.Name, v)
	}
	return b.String()
}

func formatWindow(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
