package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dispatchd/dispatchd/pkg/health"
)

// readyzTimeout bounds one full readiness pass.
const readyzTimeout = 5 * time.Second

type readyzResponse struct {
	Status string          `json:"status"`
	Leader bool            `json:"leader"`
	Checks []health.Result `json:"checks,omitempty"`
}

// detailedCheck is implemented by checks that report details beyond a
// pass/fail error.
type detailedCheck interface {
	CheckDetailed(ctx context.Context) health.Result
}

// handleHealthz is the liveness probe: the process is up and serving.
func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz runs the registered dependency checks. A degraded check
// still counts as ready; an unhealthy one does not. The leader flag tells
// operators which replica materializes schedules, it never fails the probe
// because followers serve the API just fine.
func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
	defer cancel()

	resp := readyzResponse{
		Status: "ready",
		Checks: make([]health.Result, 0, len(a.checks)),
	}
	if a.leader != nil {
		resp.Leader = a.leader.IsLeader()
	}

	ready := true
	for _, check := range a.checks {
		var res health.Result
		if dc, ok := check.(detailedCheck); ok {
			res = dc.CheckDetailed(ctx)
		} else {
			res = health.Result{Name: check.Name(), Status: health.StatusHealthy}
			if err := check.Check(ctx); err != nil {
				res.Status = health.StatusUnhealthy
				res.Message = err.Error()
			}
		}
		if res.Status == health.StatusUnhealthy {
			ready = false
		}
		resp.Checks = append(resp.Checks, res)
	}

	status := http.StatusOK
	if !ready {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, resp)
}
