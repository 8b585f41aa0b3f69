package health

import (
	"encoding/json"
	"net/http"
)

// LivenessHandler answers 200 while the process is up. It carries no
// component detail and is meant for restart decisions.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// ReadinessHandler serves the aggregated component health as JSON.
// An unhealthy aggregate answers 503 so load balancers stop routing
// work here; degraded still answers 200.
func ReadinessHandler(monitor *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := monitor.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
