package httpHelpers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

type Timings map[string]time.Duration

// WriteTimings sets the Server-Timing header, durations in milliseconds
func WriteTimings(w http.ResponseWriter, timings Timings) {
	names := make([]string, 0, len(timings))
	for k := range timings {
		names = append(names, k)
	}
	sort.Strings(names)

	entries := make([]string, 0, len(names))
	for _, k := range names {
		entries = append(entries, fmt.Sprintf("%s;dur=%.2f", k, timings[k].Seconds()*1000.0))
	}
	w.Header().Set("Server-Timing", strings.Join(entries, ","))
}
