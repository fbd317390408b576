// Package restapi is the server's HTTP surface: session CRUD, stop,
// export, and the similarity query, mounted on a gorilla/mux router.
package restapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/firecrew/telemetry/internal/ftlerr"
	"github.com/firecrew/telemetry/internal/registry"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/internal/vectorstore"
	"github.com/firecrew/telemetry/pkg/ccflog"
)

// @title                ff-server API
// @version              1.0.0
// @description          Recording session control and similarity search for firefighter wearable telemetry.

// @host                 localhost:8081
// @basePath             /api

// ErrorResponse is the standard JSON error body for every failed request.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handleError(log *ccflog.Logger, err error, rw http.ResponseWriter) {
	status := statusFor(err)
	log.Warnf("restapi: %s", err.Error())
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(ErrorResponse{Status: http.StatusText(status), Error: err.Error()})
}

func statusFor(err error) int {
	switch ftlerr.KindOf(err) {
	case ftlerr.NotFound:
		return http.StatusNotFound
	case ftlerr.Conflict:
		return http.StatusConflict
	case ftlerr.SchemaMismatch:
		return http.StatusBadRequest
	case ftlerr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r io.Reader, val interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(val)
}

// Archiver is the optional cold-archival push an export can trigger
// (aws-sdk-go-v2 S3); nil disables it.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// API wires the Session Registry and Vector Store Facade into HTTP
// handlers.
type API struct {
	Registry *registry.Registry
	Vectors  vectorstore.Facade
	Archiver Archiver
	Log      *ccflog.Logger
}

func New(reg *registry.Registry, vectors vectorstore.Facade, archiver Archiver, log *ccflog.Logger) *API {
	if log == nil {
		log = ccflog.New()
	}
	return &API{Registry: reg, Vectors: vectors, Archiver: archiver, Log: log}
}

// MountRoutes registers every handler under /api, plus /health.
func (a *API) MountRoutes(r *mux.Router) {
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.StrictSlash(true)

	api.HandleFunc("/sessions", a.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", a.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", a.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", a.updateSession).Methods(http.MethodPut)
	api.HandleFunc("/sessions/{id}", a.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/stop", a.stopSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/export", a.exportSession).Methods(http.MethodGet)
	api.HandleFunc("/query/similar", a.querySimilar).Methods(http.MethodPost)
}

// HealthResponse reports the liveness of the server and its two stores,
// plus the currently-active recording session, if any.
type HealthResponse struct {
	Status          string  `json:"status"`
	SQLStore        string  `json:"sqlStore"`
	VectorStore     string  `json:"vectorStore"`
	ActiveSessionID *string `json:"activeSessionId,omitempty"`
}

// health reports liveness of the server, the vector store, the SQL store,
// and the currently-active session id.
func (a *API) health(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{Status: "ok", SQLStore: "ok", VectorStore: "ok"}

	if err := a.Registry.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.SQLStore = "down"
	}

	if a.Vectors != nil {
		if _, _, err := a.Vectors.Scroll(ctx, "", 1, ""); err != nil {
			resp.Status = "degraded"
			resp.VectorStore = "down"
		}
	}

	if id, _, recording, err := a.Registry.ActiveSession(ctx); err == nil && recording {
		resp.ActiveSessionID = &id
	}

	rw.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(rw).Encode(resp)
}

// CreateSessionRequest model
type CreateSessionRequest struct {
	Name         string  `json:"name" validate:"required"`
	ActivityType *string `json:"activityType,omitempty"`
}

// @summary  Start a new recording session
// @tags     sessions
// @accept   json
// @produce  json
// @param    request body     CreateSessionRequest true "session to create"
// @success  201      {object} schema.Session
// @failure  400      {object} ErrorResponse
// @failure  409      {object} ErrorResponse "another session is already recording"
// @router   /sessions [post]
func (a *API) createSession(rw http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(a.Log, ftlerr.New("restapi.createSession", ftlerr.SchemaMismatch, err), rw)
		return
	}
	if req.Name == "" {
		handleError(a.Log, ftlerr.New("restapi.createSession", ftlerr.SchemaMismatch, fmt.Errorf("name is required")), rw)
		return
	}
	s, err := a.Registry.Create(r.Context(), req.Name, req.ActivityType)
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusCreated)
	json.NewEncoder(rw).Encode(s)
}

// @summary  List all sessions
// @tags     sessions
// @produce  json
// @success  200 {array} schema.Session
// @router   /sessions [get]
func (a *API) listSessions(rw http.ResponseWriter, r *http.Request) {
	sessions, err := a.Registry.List(r.Context())
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(sessions)
}

// SessionDetail is a Session plus the count of windows recorded under it.
type SessionDetail struct {
	schema.Session
	WindowCount int `json:"windowCount"`
}

// @summary  Get a session by id, with its window count
// @tags     sessions
// @produce  json
// @param    id  path     string true "session id"
// @success  200 {object} SessionDetail
// @failure  404 {object} ErrorResponse
// @router   /sessions/{id} [get]
func (a *API) getSession(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, err := a.Registry.Get(r.Context(), id)
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}

	detail := SessionDetail{Session: s}
	if a.Vectors != nil {
		count, err := a.countWindows(r.Context(), id)
		if err != nil {
			handleError(a.Log, err, rw)
			return
		}
		detail.WindowCount = count
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(detail)
}

// countWindows counts the points upserted under sessionID without
// materializing their vectors/raw readings.
func (a *API) countWindows(ctx context.Context, sessionID string) (int, error) {
	filter := sessionFilter(sessionID)
	count := 0
	cursor := ""
	for {
		page, next, err := a.Vectors.Scroll(ctx, filter, 500, cursor)
		if err != nil {
			return 0, err
		}
		count += len(page)
		if next == "" {
			break
		}
		cursor = next
	}
	return count, nil
}

func sessionFilter(id string) vectorstore.Filter {
	return vectorstore.Filter(fmt.Sprintf("SessionID == %q", id))
}

// UpdateSessionRequest model
type UpdateSessionRequest struct {
	ActivityType *string `json:"activityType"`
}

// @summary  Relabel a session's activity type
// @tags     sessions
// @accept   json
// @produce  json
// @param    id      path     string                true "session id"
// @param    request body     UpdateSessionRequest true "labels to apply"
// @success  200     {object} schema.Session
// @failure  404     {object} ErrorResponse
// @router   /sessions/{id} [put]
func (a *API) updateSession(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req UpdateSessionRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(a.Log, ftlerr.New("restapi.updateSession", ftlerr.SchemaMismatch, err), rw)
		return
	}
	s, err := a.Registry.UpdateLabels(r.Context(), id, req.ActivityType)
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(s)
}

// @summary  Delete a session and its windows
// @tags     sessions
// @param    id  path string true "session id"
// @success  204
// @failure  404 {object} ErrorResponse
// @router   /sessions/{id} [delete]
func (a *API) deleteSession(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Registry.Delete(r.Context(), id); err != nil {
		handleError(a.Log, err, rw)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// @summary  Stop a recording session, flushing in-flight windows; a no-op if already stopped
// @tags     sessions
// @produce  json
// @param    id  path     string true "session id"
// @success  200 {object} schema.Session
// @failure  404 {object} ErrorResponse
// @router   /sessions/{id}/stop [post]
func (a *API) stopSession(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, err := a.Registry.Stop(r.Context(), id)
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(s)
}

// @summary  Export every window of a session as JSON or CSV, optionally pushed to cold storage
// @tags     sessions
// @produce  json
// @produce  text/csv
// @param    id          path  string true  "session id"
// @param    format      query string false "json (default) or csv"
// @param    include_raw query bool   false "include each window's raw foot/accel readings"
// @success  200 {array} vectorstore.Point
// @failure  400 {object} ErrorResponse
// @failure  404 {object} ErrorResponse
// @router   /sessions/{id}/export [get]
func (a *API) exportSession(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.Registry.Get(r.Context(), id); err != nil {
		handleError(a.Log, err, rw)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		handleError(a.Log, ftlerr.New("restapi.exportSession", ftlerr.SchemaMismatch, fmt.Errorf("unsupported format %q", format)), rw)
		return
	}
	includeRaw := r.URL.Query().Get("include_raw") == "true"

	all, err := a.collectPoints(r.Context(), id)
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}
	if !includeRaw {
		for i := range all {
			all[i].RawFoot = nil
			all[i].RawAccel = nil
		}
	}

	var body []byte
	var contentType string
	if format == "csv" {
		body, err = encodeExportCSV(all, includeRaw)
		contentType = "text/csv"
	} else {
		body, err = json.Marshal(all)
		contentType = "application/json"
	}
	if err != nil {
		handleError(a.Log, ftlerr.New("restapi.exportSession", ftlerr.Fatal, err), rw)
		return
	}

	if a.Archiver != nil {
		if err := a.Archiver.Archive(r.Context(), fmt.Sprintf("sessions/%s.%s", id, format), body); err != nil {
			a.Log.Warnf("restapi: archive session %s failed: %v", id, err)
		}
	}

	rw.Header().Set("Content-Type", contentType)
	rw.Write(body)
}

// collectPoints pages through every point upserted under sessionID.
func (a *API) collectPoints(ctx context.Context, sessionID string) ([]vectorstore.Point, error) {
	filter := sessionFilter(sessionID)
	var all []vectorstore.Point
	cursor := ""
	for {
		page, next, err := a.Vectors.Scroll(ctx, filter, 500, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	return all, nil
}

// encodeExportCSV renders points as CSV: one row per window, with the raw
// foot/accel readings (if requested) embedded as a JSON cell since they
// don't themselves flatten into columns.
func encodeExportCSV(points []vectorstore.Point, includeRaw bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "sessionId", "startTime", "footCount", "accelCount", "label"}
	if includeRaw {
		header = append(header, "rawReadings")
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, p := range points {
		row := []string{
			string(p.ID),
			p.SessionID,
			strconv.FormatInt(p.StartTime, 10),
			strconv.Itoa(p.FootCount),
			strconv.Itoa(p.AccelCount),
			derefLabel(p.Label),
		}
		if includeRaw {
			raw, err := json.Marshal(struct {
				Foot  []*schema.FootReading  `json:"foot,omitempty"`
				Accel []*schema.AccelReading `json:"accel,omitempty"`
			}{p.RawFoot, p.RawAccel})
			if err != nil {
				return nil, err
			}
			row = append(row, string(raw))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func derefLabel(l *string) string {
	if l == nil {
		return ""
	}
	return *l
}

// SimilarQueryRequest model
type SimilarQueryRequest struct {
	PointID schema.PointID `json:"window_id" validate:"required"`
	Limit   int            `json:"limit,omitempty"`
	Filter  string         `json:"filter,omitempty"`
}

// @summary  Find the nearest windows to a reference window by cosine similarity
// @tags     query
// @accept   json
// @produce  json
// @param    request body     SimilarQueryRequest true "query parameters"
// @success  200      {array} vectorstore.Point
// @failure  400      {object} ErrorResponse
// @failure  404      {object} ErrorResponse "reference point not found"
// @router   /query/similar [post]
func (a *API) querySimilar(rw http.ResponseWriter, r *http.Request) {
	var req SimilarQueryRequest
	if err := decode(r.Body, &req); err != nil {
		handleError(a.Log, ftlerr.New("restapi.querySimilar", ftlerr.SchemaMismatch, err), rw)
		return
	}
	if req.PointID == "" {
		handleError(a.Log, ftlerr.New("restapi.querySimilar", ftlerr.SchemaMismatch, fmt.Errorf("window_id is required")), rw)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	matches, err := a.Vectors.Search(r.Context(), req.PointID, limit, vectorstore.Filter(req.Filter))
	if err != nil {
		handleError(a.Log, err, rw)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(matches)
}
