package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/queue"
	"hqms/token-service/internal/store"
	"hqms/token-service/internal/token"
)

type Handler struct {
	manager   *queue.Manager
	estimator *queue.Estimator
	view      *queue.ViewBuilder
	patients  store.PatientStore
}

func NewHandler(manager *queue.Manager, estimator *queue.Estimator, view *queue.ViewBuilder, patients store.PatientStore) *Handler {
	return &Handler{
		manager:   manager,
		estimator: estimator,
		view:      view,
		patients:  patients,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/patients", h.handleRegisterPatient)
	mux.HandleFunc("/api/patients/", h.handlePatientByID)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/actions/", h.handleTokenActions)
	mux.HandleFunc("/api/queues", h.handleQueue)
	mux.HandleFunc("/api/queues/ewt", h.handleEWT)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type registerPatientRequest struct {
	PatientID  string `json:"patient_id"`
	FullName   string `json:"full_name"`
	Department string `json:"department"`
}

func (h *Handler) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerPatientRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	patient, err := h.manager.RegisterPatient(r.Context(), queue.RegisterInput{
		PatientID:  strings.TrimSpace(req.PatientID),
		FullName:   strings.TrimSpace(req.FullName),
		Department: strings.TrimSpace(req.Department),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, patientResponse(patient))
}

func (h *Handler) handlePatientByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleGetPatient(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		h.handlePatientEvents(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetPatient(w http.ResponseWriter, r *http.Request, patientID string) {
	patient, err := h.patients.FindPatient(r.Context(), patientID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patientResponse(patient))
}

func (h *Handler) handlePatientEvents(w http.ResponseWriter, r *http.Request, patientID string) {
	if _, err := h.patients.FindPatient(r.Context(), patientID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	events, err := h.patients.ListTokenEvents(r.Context(), patientID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type issueTokenRequest struct {
	PatientID  string `json:"patient_id"`
	Department string `json:"department"`
	Stage      int    `json:"stage"`
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleIssueToken(w, r)
	case http.MethodGet:
		h.handleLookupToken(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Department = strings.TrimSpace(req.Department)
	if req.PatientID == "" || req.Department == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_id and department are required")
		return
	}
	if req.Stage < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "stage must not be negative")
		return
	}

	issued, err := h.manager.Issue(r.Context(), queue.IssueInput{
		PatientID:  req.PatientID,
		Department: req.Department,
		Stage:      req.Stage,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, issued)
}

func (h *Handler) handleLookupToken(w http.ResponseWriter, r *http.Request) {
	display := strings.TrimSpace(r.URL.Query().Get("token"))
	department := strings.TrimSpace(r.URL.Query().Get("department"))
	if display == "" || department == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and department are required")
		return
	}

	patient, err := h.patients.FindPatientByToken(r.Context(), display, department)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patientResponse(patient))
}

type tokenActionRequest struct {
	PatientID  string `json:"patient_id"`
	Token      string `json:"token"`
	Department string `json:"department"`
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tokens/actions/"), "/")

	var req tokenActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Token = strings.TrimSpace(req.Token)
	req.Department = strings.TrimSpace(req.Department)
	if req.PatientID == "" || req.Token == "" || req.Department == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_id, token, and department are required")
		return
	}

	var (
		updated models.Token
		err     error
	)
	switch action {
	case "call":
		updated, err = h.manager.Call(r.Context(), req.PatientID, req.Token, req.Department)
	case "complete":
		updated, err = h.manager.Complete(r.Context(), req.PatientID, req.Token, req.Department)
	case "cancel":
		updated, err = h.manager.Cancel(r.Context(), req.PatientID, req.Token, req.Department)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	department := strings.TrimSpace(r.URL.Query().Get("department"))
	if department == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "department is required")
		return
	}

	entries, err := h.view.QueueForDepartment(r.Context(), department)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleEWT(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	department := strings.TrimSpace(r.URL.Query().Get("department"))
	if department == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "department is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"department":          department,
		"ewt_minutes":         h.estimator.Estimate(r.Context(), department),
		"avg_service_minutes": h.estimator.AverageServiceMinutes(r.Context(), department),
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.patients.ListEventsAfter(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// patientView mirrors models.Patient with the active-token projection
// materialized for display consumers.
type patientView struct {
	models.Patient
	ActiveTokens []models.Token `json:"active_tokens"`
}

func patientResponse(patient models.Patient) patientView {
	return patientView{Patient: patient, ActiveTokens: patient.ActiveTokens()}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token status does not allow this action"
	case errors.Is(err, store.ErrDuplicateToken):
		return http.StatusConflict, "duplicate_token", "token already exists for department"
	case errors.Is(err, store.ErrDuplicatePatient):
		return http.StatusConflict, "patient_exists", "patient already exists"
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	case errors.Is(err, token.ErrInvalidDepartment):
		return http.StatusBadRequest, "invalid_department", "department must be a non-empty string"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusServiceUnavailable, "counter_unavailable", "department counter unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
