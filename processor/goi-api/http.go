package goiapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
	"github.com/c360studio/goi/goi/collaboration"
	"github.com/c360studio/goi/goi/events"
	"github.com/c360studio/goi/goi/recovery"
	"github.com/c360studio/goi/goi/session"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers all goi-api HTTP handlers under the given
// prefix (e.g. "api/goi"). Every route except health and metrics requires
// the user header.
//
//	POST     <prefix>/agent/start
//	POST     <prefix>/agent/step
//	POST     <prefix>/agent/control
//	GET      <prefix>/agent/status
//	GET      <prefix>/agent/stream
//	GET      <prefix>/checkpoints
//	POST     <prefix>/checkpoints/{id}/respond
//	GET/PUT  <prefix>/checkpoint/rules
//	GET/POST <prefix>/collaboration/mode
//	POST     <prefix>/collaboration/transfer
//	POST     <prefix>/collaboration/actions
//	GET      <prefix>/collaboration/deviation
//	GET/POST <prefix>/failure/report
//	POST     <prefix>/failure/recover
//	GET/POST <prefix>/todo
//	GET/POST <prefix>/events
//	GET      <prefix>/health
//	GET      <prefix>/metrics
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: leading slash, no trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix+"/agent/start", c.authed(c.handleStart))
	mux.HandleFunc("POST "+prefix+"/agent/step", c.authed(c.handleStep))
	mux.HandleFunc("POST "+prefix+"/agent/control", c.authed(c.handleControl))
	mux.HandleFunc("GET "+prefix+"/agent/status", c.authed(c.handleStatus))
	mux.HandleFunc("GET "+prefix+"/agent/stream", c.authed(c.handleStream))

	mux.HandleFunc("GET "+prefix+"/checkpoints", c.authed(c.handleListCheckpoints))
	mux.HandleFunc("POST "+prefix+"/checkpoints/{id}/respond", c.authed(c.handleRespond))
	mux.HandleFunc("GET "+prefix+"/checkpoint/rules", c.authed(c.handleGetRules))
	mux.HandleFunc("PUT "+prefix+"/checkpoint/rules", c.authed(c.handlePutRules))

	mux.HandleFunc("GET "+prefix+"/collaboration/mode", c.authed(c.handleGetMode))
	mux.HandleFunc("POST "+prefix+"/collaboration/mode", c.authed(c.handleSetMode))
	mux.HandleFunc("POST "+prefix+"/collaboration/transfer", c.authed(c.handleTransfer))
	mux.HandleFunc("POST "+prefix+"/collaboration/actions", c.authed(c.handleRecordAction))
	mux.HandleFunc("GET "+prefix+"/collaboration/deviation", c.authed(c.handleDeviation))

	mux.HandleFunc("GET "+prefix+"/failure/report", c.authed(c.handleGetReport))
	mux.HandleFunc("POST "+prefix+"/failure/report", c.authed(c.handleCreateReport))
	mux.HandleFunc("POST "+prefix+"/failure/recover", c.authed(c.handleRecover))

	mux.HandleFunc("GET "+prefix+"/todo", c.authed(c.handleListTodos))
	mux.HandleFunc("POST "+prefix+"/todo", c.authed(c.handleCreateTodo))

	mux.HandleFunc("GET "+prefix+"/events", c.authed(c.handleQueryEvents))
	mux.HandleFunc("POST "+prefix+"/events", c.authed(c.handlePublishEvent))

	mux.HandleFunc("GET "+prefix+"/health", c.handleHealth)
	if c.svc.Gatherer != nil {
		mux.Handle("GET "+prefix+"/metrics", promhttp.HandlerFor(c.svc.Gatherer, promhttp.HandlerOpts{}))
	}
}

// ----------------------------------------------------------------------------
// Envelope
// ----------------------------------------------------------------------------

// Response is the envelope of every JSON response.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ListData is the data of list responses.
type ListData[T any] struct {
	List  []T `json:"list"`
	Total int `json:"total"`
}

// httpStatus derives the HTTP status from a response code.
func httpStatus(code int) int {
	switch code / 1000 {
	case 400:
		return http.StatusBadRequest
	case 401:
		return http.StatusUnauthorized
	case 404:
		return http.StatusNotFound
	case 500:
		return http.StatusInternalServerError
	}
	if code == goi.CodeOK {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func (c *Component) writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Code: goi.CodeOK, Message: "success", Data: data})
}

// writeError maps err to its code. Internal errors are logged and their
// message replaced.
func (c *Component) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := goi.Code(err)
	if code == goi.CodeInternal {
		c.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	writeJSON(w, httpStatus(code), Response{Code: code, Message: goi.PublicMessage(err)})
}

// writeJSON encodes v as JSON to the response writer with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authed rejects requests without the user header before anything else
// runs.
func (c *Component) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(c.config.UserHeader)) == "" {
			writeJSON(w, http.StatusUnauthorized, Response{
				Code:    goi.CodeUnauthenticated,
				Message: c.config.UserHeader + " header is required",
			})
			return
		}
		next(w, r)
	}
}

func (c *Component) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(c.config.UserHeader))
}

// decodeBody reads a JSON body into dst. An empty body leaves dst as is.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return goi.NewValidationError(goi.CodeInvalidParam, "invalid request body: %v", err)
	}
	return nil
}

// requireSessionID rejects an empty session id before any service is
// consulted.
func requireSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return goi.NewValidationError(goi.CodeMissingParam, "sessionId is required")
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, goi.NewValidationError(goi.CodeInvalidParam, "invalid %s %q", name, raw)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// ----------------------------------------------------------------------------
// POST /api/goi/agent/start
// ----------------------------------------------------------------------------

// StartRequest is the request body for POST /agent/start.
type StartRequest struct {
	Goal    string             `json:"goal"`
	Items   []goi.TodoItem     `json:"items,omitempty"`
	Mode    collaboration.Mode `json:"mode,omitempty"`
	AutoRun bool               `json:"autoRun,omitempty"`
}

// StartResponse is the data of POST /agent/start.
type StartResponse struct {
	SessionID string          `json:"sessionId"`
	Status    session.Status  `json:"status"`
	Session   session.Session `json:"session"`
	TodoList  *goi.TodoList   `json:"todoList,omitempty"`
}

func (c *Component) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}

	s, list, err := c.svc.Sessions.Start(r.Context(), session.StartRequest{
		UserID:  c.userID(r),
		Goal:    req.Goal,
		Items:   req.Items,
		Mode:    req.Mode,
		AutoRun: req.AutoRun,
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, StartResponse{SessionID: s.SessionID, Status: s.Status, Session: s, TodoList: list})
}

// ----------------------------------------------------------------------------
// POST /api/goi/agent/step
// ----------------------------------------------------------------------------

// StepRequest is the request body for POST /agent/step. StepCount makes a
// retried request idempotent.
type StepRequest struct {
	SessionID string `json:"sessionId"`
	StepCount *int   `json:"stepCount,omitempty"`
}

func (c *Component) handleStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := requireSessionID(req.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}

	out, err := c.svc.Sessions.Step(r.Context(), req.SessionID, req.StepCount)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, out)
}

// ----------------------------------------------------------------------------
// POST /api/goi/agent/control
// ----------------------------------------------------------------------------

// ControlRequest is the request body for POST /agent/control.
type ControlRequest struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
	AutoRun   bool   `json:"autoRun,omitempty"`
}

// ControlResponse is the data of POST /agent/control.
type ControlResponse struct {
	Message  string         `json:"message"`
	Status   session.Status `json:"status"`
	Deferred bool           `json:"deferred,omitempty"`
}

func (c *Component) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := requireSessionID(req.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}

	switch req.Action {
	case "pause":
		res, err := c.svc.Sessions.Pause(r.Context(), req.SessionID)
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		msg := "session paused"
		if res.Deferred {
			msg = "pause requested; applied after the running step"
		}
		c.writeOK(w, ControlResponse{Message: msg, Status: res.Session.Status, Deferred: res.Deferred})
	case "resume":
		s, err := c.svc.Sessions.Unpause(r.Context(), req.SessionID, req.AutoRun)
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		c.writeOK(w, ControlResponse{Message: "session resumed", Status: s.Status})
	default:
		c.writeError(w, r, goi.NewValidationError(goi.CodeInvalidParam, "invalid action %q: must be pause or resume", req.Action))
	}
}

// ----------------------------------------------------------------------------
// GET /api/goi/agent/status
// ----------------------------------------------------------------------------

// StatusResponse is the data of GET /agent/status for one session.
type StatusResponse struct {
	Status   session.Session `json:"status"`
	TodoList *goi.TodoList   `json:"todoList,omitempty"`
}

// SessionsResponse is the data of GET /agent/status without a session.
type SessionsResponse struct {
	Sessions []session.Session `json:"sessions"`
	Stats    session.Stats     `json:"stats"`
}

// handleStatus returns one session, or every session of the caller with
// registry stats when sessionId is omitted.
func (c *Component) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		c.writeOK(w, SessionsResponse{
			Sessions: c.svc.Sessions.GetAllSessions(c.userID(r)),
			Stats:    c.svc.Sessions.GetStats(),
		})
		return
	}

	s, list, err := c.svc.Sessions.GetStatus(id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, StatusResponse{Status: s, TodoList: list})
}

// ----------------------------------------------------------------------------
// Checkpoints
// ----------------------------------------------------------------------------

func (c *Component) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if err := requireSessionID(id); err != nil {
		c.writeError(w, r, err)
		return
	}
	list, err := c.svc.Checkpoints.List(r.Context(), id, queryBool(r, "pending"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, ListData[*checkpoint.Checkpoint]{List: list, Total: len(list)})
}

// RespondRequest is the request body for POST /checkpoints/{id}/respond.
type RespondRequest struct {
	Action        checkpoint.ResponseAction `json:"action"`
	Modifications map[string]any            `json:"modifications,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
}

func (c *Component) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}

	resp, err := c.svc.Sessions.RespondCheckpoint(r.Context(), session.RespondRequest{
		CheckpointID:  r.PathValue("id"),
		Action:        req.Action,
		Modifications: req.Modifications,
		Reason:        req.Reason,
		UserID:        c.userID(r),
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, resp)
}

// RulesResponse is the data of GET /checkpoint/rules.
type RulesResponse struct {
	Mode    checkpoint.Mode     `json:"mode"`
	Rules   []checkpoint.Rule   `json:"rules"`
	Layers  *checkpoint.RuleSet `json:"layers"`
	Presets []checkpoint.Preset `json:"presets"`
}

func (c *Component) handleGetRules(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if err := requireSessionID(id); err != nil {
		c.writeError(w, r, err)
		return
	}
	rs, err := c.svc.Sessions.GetRules(id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, RulesResponse{
		Mode:    rs.Mode,
		Rules:   rs.Active(),
		Layers:  rs,
		Presets: c.svc.Library.Presets(),
	})
}

// PutRulesRequest is the request body for PUT /checkpoint/rules. Mode
// installs a mode preset; Preset adds the rules of a library preset;
// Rules adds custom rules.
type PutRulesRequest struct {
	SessionID string            `json:"sessionId"`
	Mode      checkpoint.Mode   `json:"mode,omitempty"`
	Preset    string            `json:"preset,omitempty"`
	Rules     []checkpoint.Rule `json:"rules,omitempty"`
}

// PutRulesResponse is the data of PUT /checkpoint/rules.
type PutRulesResponse struct {
	Mode  checkpoint.Mode   `json:"mode,omitempty"`
	Added []string          `json:"added,omitempty"`
	Rules []checkpoint.Rule `json:"rules"`
}

func (c *Component) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var req PutRulesRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := requireSessionID(req.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}

	if req.Mode != "" {
		rs, err := c.svc.Sessions.SwitchRules(r.Context(), req.SessionID, req.Mode)
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		c.writeOK(w, PutRulesResponse{Mode: rs.Mode, Rules: rs.Active()})
		return
	}

	rules := req.Rules
	if req.Preset != "" {
		p, ok := c.svc.Library.Preset(req.Preset)
		if !ok {
			c.writeError(w, r, goi.NewValidationError(goi.CodeInvalidParam, "unknown preset %q", req.Preset))
			return
		}
		rules = append(p.Rules, rules...)
	}
	if len(rules) == 0 {
		c.writeError(w, r, goi.NewValidationError(goi.CodeInvalidState, "mode, preset or rules is required"))
		return
	}

	rs, err := c.svc.Sessions.AddRules(r.Context(), req.SessionID, rules)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	added := make([]string, len(rules))
	for i, rule := range rules {
		added[i] = rule.ID
	}
	c.writeOK(w, PutRulesResponse{Added: added, Rules: rs.Active()})
}

// ----------------------------------------------------------------------------
// Collaboration
// ----------------------------------------------------------------------------

// ModeRequest is the request body for POST /collaboration/mode.
type ModeRequest struct {
	SessionID string             `json:"sessionId"`
	Mode      collaboration.Mode `json:"mode"`
}

// ModeResponse is the data of the collaboration mode endpoints.
type ModeResponse struct {
	Mode       collaboration.Mode       `json:"mode"`
	ModeConfig collaboration.ModeConfig `json:"modeConfig"`
}

func (c *Component) handleGetMode(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if err := requireSessionID(id); err != nil {
		c.writeError(w, r, err)
		return
	}
	cfg, err := c.svc.Sessions.GetMode(id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, ModeResponse{Mode: cfg.Mode, ModeConfig: cfg})
}

func (c *Component) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := requireSessionID(req.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}
	cfg, err := c.svc.Sessions.SetMode(r.Context(), req.SessionID, req.Mode)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, ModeResponse{Mode: cfg.Mode, ModeConfig: cfg})
}

func (c *Component) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req session.TransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := requireSessionID(req.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}
	t, err := c.svc.Sessions.Transfer(r.Context(), req)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, t)
}

// ActionRequest is the request body for POST /collaboration/actions.
type ActionRequest struct {
	SessionID   string `json:"sessionId"`
	ItemID      string `json:"itemId,omitempty"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

func (c *Component) handleRecordAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := requireSessionID(req.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}
	a, err := c.svc.Sessions.RecordAction(r.Context(), req.SessionID, req.ItemID, req.Kind, req.Description)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, a)
}

func (c *Component) handleDeviation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if err := requireSessionID(id); err != nil {
		c.writeError(w, r, err)
		return
	}
	d, err := c.svc.Sessions.Deviation(id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, d)
}

// ----------------------------------------------------------------------------
// Failure recovery
// ----------------------------------------------------------------------------

func (c *Component) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := c.svc.Recovery.Get(r.Context(), r.URL.Query().Get("failureId"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, report)
}

// ReportRequest is the request body for POST /failure/report.
type ReportRequest struct {
	SessionID string         `json:"sessionId"`
	FailureID string         `json:"failureId"`
	Context   map[string]any `json:"context,omitempty"`
}

func (c *Component) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	report, err := c.svc.Recovery.Report(r.Context(), req.SessionID, req.FailureID, req.Context)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, report)
}

// RecoverRequest is the request body for POST /failure/recover.
type RecoverRequest struct {
	SessionID string             `json:"sessionId"`
	FailureID string             `json:"failureId"`
	Selection recovery.Selection `json:"selection"`
}

// handleRecover applies a recovery selection. An unknown action is
// rejected before the session or report is looked at.
func (c *Component) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	res, err := c.svc.Recovery.Recover(r.Context(), req.SessionID, req.FailureID, req.Selection)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, res)
}

// ----------------------------------------------------------------------------
// Todo lists
// ----------------------------------------------------------------------------

// TodoRequest is the request body for POST /todo.
type TodoRequest struct {
	SessionID string         `json:"sessionId"`
	Goal      string         `json:"goal"`
	Items     []goi.TodoItem `json:"items,omitempty"`
}

func (c *Component) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	var req TodoRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	list, err := c.svc.Todos.Create(r.Context(), req.SessionID, req.Goal, req.Items)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, list)
}

// handleListTodos returns the lists of a session, or of every session
// when sessionId is omitted. latest and active select a single list.
func (c *Component) handleListTodos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.URL.Query().Get("sessionId")
	latest, active := queryBool(r, "latest"), queryBool(r, "active")

	if latest || active {
		if err := requireSessionID(id); err != nil {
			c.writeError(w, r, err)
			return
		}
		var (
			list *goi.TodoList
			err  error
		)
		if active {
			list, err = c.svc.Todos.Active(ctx, id)
		} else {
			list, err = c.svc.Todos.Latest(ctx, id)
		}
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		c.writeOK(w, list)
		return
	}

	lists, err := c.svc.Todos.List(ctx, id, false)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, lists)
}

// ----------------------------------------------------------------------------
// Events
// ----------------------------------------------------------------------------

func (c *Component) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{SessionID: q.Get("sessionId")}
	if err := requireSessionID(f.SessionID); err != nil {
		c.writeError(w, r, err)
		return
	}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		c.writeError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		c.writeError(w, r, err)
		return
	}
	if f.Limit == 0 || f.Limit > c.config.MaxEventLimit {
		f.Limit = c.config.MaxEventLimit
	}

	list, total, err := c.svc.Bus.Query(r.Context(), f)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, ListData[goi.Event]{List: list, Total: total})
}

// EventRequest is the request body for POST /events. Events published
// over HTTP always carry the user source.
type EventRequest struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (c *Component) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, r, err)
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	e, err := c.svc.Bus.Publish(r.Context(), req.SessionID, req.Type, goi.SourceUser, payload)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeOK(w, e)
}

// ----------------------------------------------------------------------------
// GET /api/goi/health
// ----------------------------------------------------------------------------

func (c *Component) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := c.Health()
	stats := c.svc.Sessions.GetStats()
	c.writeOK(w, map[string]any{
		"status":   h.Status,
		"healthy":  h.Healthy,
		"sessions": stats.Total,
		"streams":  c.streams.Load(),
	})
}
