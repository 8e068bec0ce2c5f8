// Package health serves the /healthz liveness endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/selfrunner/internal/buildinfo"
)

// ServiceName is reported in every response.
const ServiceName = "selfrunner"

// Response represents the health check response body.
type Response struct {
	Status            string    `json:"status"`
	ServiceName       string    `json:"service_name"`
	Version           string    `json:"version"`
	Commit            string    `json:"commit"`
	BuildTime         string    `json:"build_time"`
	GoVersion         string    `json:"go_version"`
	OS                string    `json:"os"`
	Architecture      string    `json:"architecture"`
	Engine            string    `json:"engine"`
	RegisteredRunners int       `json:"registered_runners"`
	Timestamp         time.Time `json:"timestamp"`
}

// Source supplies the live values of a health response.
type Source struct {
	// Engine names the configured compute engine.
	Engine string

	// Runners returns the number of registered runners.  Optional.
	Runners func() int
}

// Handler responds to health check requests with build info, the
// engine in use and the registry size.  The status is always "healthy"
// (200 OK); this is a liveness check.
func Handler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       src.Engine,
			Timestamp:    time.Now().UTC(),
		}
		if src.Runners != nil {
			response.RegisteredRunners = src.Runners()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
