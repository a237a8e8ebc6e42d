package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

type PolicyAPI interface {
	State(ctx context.Context) (ports.PolicyState, error)
	EffectivePolicy(ctx context.Context, envID domain.EnvironmentID) (domain.PolicySnapshot, error)
	Preview(ctx context.Context, envID domain.EnvironmentID, patch application.PolicyPatch) (domain.AssignmentPolicy, application.ValidationResult, error)
	UpdateGlobal(ctx context.Context, patch application.PolicyPatch) (domain.PolicySnapshot, error)
	UpdateEnvironment(ctx context.Context, envID domain.EnvironmentID, patch application.PolicyPatch) (domain.PolicySnapshot, error)
	ClearEnvironment(ctx context.Context, envID domain.EnvironmentID, actor string) (domain.PolicySnapshot, error)
}

type PoolAPI interface {
	Dashboard(ctx context.Context) (application.PoolDashboard, error)
	Reset(ctx context.Context, id domain.BookingID, actor string) (domain.PoolEntry, error)
}

type AssignAPI interface {
	TryAssign(ctx context.Context, req application.AssignRequest) (application.AssignResult, error)
}

type SchedulerAPI interface {
	Trigger(ctx context.Context, reason string) (application.PassResult, error)
	Emergency(ctx context.Context, actor string) (application.EmergencyResult, error)
}

type MonitorAPI interface {
	AnalyzeSystemHealth(ctx context.Context, from, to time.Time) (application.HealthReport, error)
	RealTimeStatus(ctx context.Context) (application.RealTimeStatus, error)
}

type Deps struct {
	Policies  PolicyAPI
	Pool      PoolAPI
	Assigner  AssignAPI
	Scheduler SchedulerAPI
	Monitor   MonitorAPI
	Clock     ports.Clock
	Log       logrus.FieldLogger
}

type handlers struct {
	Deps
	log *logrus.Entry
}

// NewRouter mounts the v1 API under /api/v1. Reads are open; writes require an
// admin bearer token signed with jwtSecret.
func NewRouter(deps Deps, jwtSecret []byte) http.Handler {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	h := &handlers{Deps: deps, log: logger.Component(deps.Log, "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeProblem(w, http.StatusNotFound, "not_found", "use a versioned path like /api/v1/...")
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/policy", h.getPolicy)
		api.Get("/policy/effective", h.getEffectivePolicy)
		api.Post("/policy/validate", h.validatePolicy)
		api.Get("/pool", h.getPool)
		api.Get("/health", h.getHealth)
		api.Get("/status", h.getStatus)

		api.Group(func(admin chi.Router) {
			admin.Use(RequireAdmin(jwtSecret))
			admin.Put("/policy", h.putGlobalPolicy)
			admin.Put("/policy/environments/{environmentID}", h.putEnvironmentPolicy)
			admin.Delete("/policy/environments/{environmentID}", h.deleteEnvironmentPolicy)
			admin.Post("/pool/{bookingID}/reset", h.resetPoolEntry)
			admin.Post("/assignments", h.assign)
			admin.Post("/scheduler/pass", h.triggerPass)
			admin.Post("/scheduler/emergency", h.emergency)
		})
	})

	return r
}

func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": float64(time.Since(started).Microseconds()) / 1000,
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// Serve runs handler on addr until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler, log logrus.FieldLogger) error {
	entry := logger.Component(log, "http")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("http api listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	entry.Info("http api stopped")
	return nil
}
