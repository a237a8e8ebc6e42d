package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes       = 1 << 20
	defaultHealthRange = 7 * 24 * time.Hour
)

func (h *handlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	state, err := h.Policies.State(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyStateDTO(state))
}

func (h *handlers) getEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	envID := domain.EnvironmentID(strings.TrimSpace(r.URL.Query().Get("environment_id")))
	snapshot, err := h.Policies.EffectivePolicy(r.Context(), envID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snapshot))
}

func (h *handlers) validatePolicy(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if !h.decode(w, r, &body) {
		return
	}
	override, err := body.override()
	if err != nil {
		h.fail(w, err)
		return
	}

	candidate, result, err := h.Policies.Preview(r.Context(), domain.EnvironmentID(strings.TrimSpace(body.EnvironmentID)), application.PolicyPatch{PolicyOverride: override})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toValidationDTO(candidate, result))
}

func (h *handlers) putGlobalPolicy(w http.ResponseWriter, r *http.Request) {
	patch, ok := h.decodePatch(w, r)
	if !ok {
		return
	}
	snapshot, err := h.Policies.UpdateGlobal(r.Context(), patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snapshot))
}

func (h *handlers) putEnvironmentPolicy(w http.ResponseWriter, r *http.Request) {
	patch, ok := h.decodePatch(w, r)
	if !ok {
		return
	}
	envID := domain.EnvironmentID(chi.URLParam(r, "environmentID"))
	snapshot, err := h.Policies.UpdateEnvironment(r.Context(), envID, patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snapshot))
}

func (h *handlers) deleteEnvironmentPolicy(w http.ResponseWriter, r *http.Request) {
	envID := domain.EnvironmentID(chi.URLParam(r, "environmentID"))
	snapshot, err := h.Policies.ClearEnvironment(r.Context(), envID, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snapshot))
}

func (h *handlers) getPool(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.Pool.Dashboard(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDashboardDTO(dashboard))
}

func (h *handlers) resetPoolEntry(w http.ResponseWriter, r *http.Request) {
	id := domain.BookingID(chi.URLParam(r, "bookingID"))
	entry, err := h.Pool.Reset(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolEntryDTO(entry))
}

// assign answers 200 on success and the mapped error status otherwise; the body
// always carries the outcome and the audit log id.
func (h *handlers) assign(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if !h.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.BookingID) == "" {
		h.fail(w, &domain.ValidationError{Field: "booking_id", Message: "booking_id is required"})
		return
	}

	result, err := h.Assigner.TryAssign(r.Context(), application.AssignRequest{
		BookingID:     domain.BookingID(strings.TrimSpace(body.BookingID)),
		InterpreterID: domain.InterpreterID(strings.TrimSpace(body.InterpreterID)),
		Trigger:       domain.TriggerManual,
		Actor:         actorFrom(r.Context()),
	})
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, toAssignmentDTO(result, err))
}

func (h *handlers) triggerPass(w http.ResponseWriter, r *http.Request) {
	result, err := h.Scheduler.Trigger(r.Context(), "api:"+actorFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPassDTO(result))
}

func (h *handlers) emergency(w http.ResponseWriter, r *http.Request) {
	result, err := h.Scheduler.Emergency(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmergencyDTO(result))
}

func (h *handlers) getHealth(w http.ResponseWriter, r *http.Request) {
	to := h.Clock.Now()
	from := to.Add(-defaultHealthRange)

	query := r.URL.Query()
	var err error
	if raw := query.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			h.fail(w, &domain.ValidationError{Field: "from", Message: "from must be RFC3339"})
			return
		}
	}
	if raw := query.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			h.fail(w, &domain.ValidationError{Field: "to", Message: "to must be RFC3339"})
			return
		}
	}

	report, err := h.Monitor.AnalyzeSystemHealth(r.Context(), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthDTO(report))
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Monitor.RealTimeStatus(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(status))
}

func (h *handlers) decodePatch(w http.ResponseWriter, r *http.Request) (application.PolicyPatch, bool) {
	var body policyPatchBody
	if !h.decode(w, r, &body) {
		return application.PolicyPatch{}, false
	}
	override, err := body.override()
	if err != nil {
		h.fail(w, err)
		return application.PolicyPatch{}, false
	}
	return application.PolicyPatch{PolicyOverride: override, Actor: actorFrom(r.Context())}, true
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeProblem(w, status, domain.Reason(err), err.Error())
}

func statusFor(err error) int {
	switch domain.Reason(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "policy_locked":
		return http.StatusUnprocessableEntity
	case "conflict", "version_conflict", "not_assignable", "corrupted", "no_candidate":
		return http.StatusConflict
	case "lock_timeout":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type problem struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
