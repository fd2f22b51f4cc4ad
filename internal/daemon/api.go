package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/db"
	"github.com/lockerfleet/lockerfleet/internal/models"
)

// Maximum size for JSON request bodies.
const maxJSONBytes = 1 << 20

// API serves the v1 control surface for apps and operators.
//
// Endpoints:
//   - POST   /v1/sessions                          - Create a session
//   - GET    /v1/sessions/{id}                     - Session details
//   - GET    /v1/sessions/{id}/history             - Session state history
//   - POST   /v1/sessions/{id}/payment/select      - Select payment method
//   - POST   /v1/sessions/{id}/verification        - Request verification
//   - POST   /v1/sessions/{id}/verification/complete - Complete app verification
//   - POST   /v1/sessions/{id}/hold                - Re-open the locker mid-rental
//   - POST   /v1/sessions/{id}/payment             - Request payment
//   - POST   /v1/sessions/{id}/payment/complete    - Complete app payment
//   - POST   /v1/sessions/{id}/cancel              - Cancel the session
//   - GET    /v1/stations                          - List stations
//   - POST   /v1/stations                          - Register a station
//   - GET    /v1/stations/{callsign}               - Station details
//   - POST   /v1/stations/{callsign}/state         - Set station availability
//   - POST   /v1/stations/{callsign}/reset_queue   - Reset the terminal queue
//   - GET    /v1/stations/{callsign}/lockers       - List a station's lockers
//   - POST   /v1/stations/{callsign}/lockers       - Register a locker
//   - GET    /v1/ws                                - Session state websocket
type API struct {
	store   *db.Store
	engine  *Engine
	hub     *Hub
	cfg     apiConfig
	limiter *IPRateLimiter
	logger  *zap.Logger
}

type apiConfig struct {
	lockerTypes []string
}

// NewAPI constructs the HTTP API around the engine.
func NewAPI(store *db.Store, engine *Engine, hub *Hub, lockerTypes []string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		store:   store,
		engine:  engine,
		hub:     hub,
		cfg:     apiConfig{lockerTypes: lockerTypes},
		limiter: NewIPRateLimiter(sessionCreateQPS, sessionCreateBurst),
		logger:  logger,
	}
}

// Router builds the chi router for the API.
func (api *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", limitRate(api.limiter, api.handleCreateSession))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", api.handleSessionDetails)
				r.Get("/history", api.handleSessionHistory)
				r.Post("/payment/select", api.handleSelectPayment)
				r.Post("/verification", api.handleRequestVerification)
				r.Post("/verification/complete", api.handleCompleteVerification)
				r.Post("/hold", api.handleRequestHold)
				r.Post("/payment", api.handleRequestPayment)
				r.Post("/payment/complete", api.handleCompletePayment)
				r.Post("/cancel", api.handleCancelSession)
			})
		})
		r.Route("/stations", func(r chi.Router) {
			r.Get("/", api.handleListStations)
			r.Post("/", api.handleCreateStation)
			r.Route("/{callsign}", func(r chi.Router) {
				r.Get("/", api.handleStationDetails)
				r.Post("/state", api.handleSetStationState)
				r.Post("/reset_queue", api.handleResetQueue)
				r.Get("/lockers", api.handleListLockers)
				r.Post("/lockers", api.handleCreateLocker)
			})
		})
	})

	if api.hub != nil {
		r.Get("/v1/ws", api.hub.ServeHTTP)
	}
	return r
}

// sessionResponse is the wire shape of a session.
type sessionResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	StationID      string    `json:"station_id"`
	LockerID       string    `json:"locker_id"`
	State          string    `json:"state"`
	PaymentMethod  string    `json:"payment_method,omitempty"`
	WebsocketToken string    `json:"websocket_token,omitempty"`
	TimeoutCount   int       `json:"timeout_count"`
	CreatedAt      time.Time `json:"created_at"`
	ConcludedAt    time.Time `json:"concluded_at,omitzero"`
	ActiveSeconds  float64   `json:"active_seconds"`
	TotalSeconds   float64   `json:"total_seconds"`
}

func toSessionResponse(session models.Session, includeToken bool) sessionResponse {
	resp := sessionResponse{
		ID:            session.ID,
		UserID:        session.UserID,
		StationID:     session.StationID,
		LockerID:      session.LockerID,
		State:         string(session.State),
		TimeoutCount:  session.TimeoutCount,
		CreatedAt:     session.CreatedAt,
		ConcludedAt:   session.ConcludedAt,
		ActiveSeconds: session.ActiveDuration.Seconds(),
		TotalSeconds:  session.TotalDuration.Seconds(),
	}
	if session.PaymentMethod != nil {
		resp.PaymentMethod = string(*session.PaymentMethod)
	}
	if includeToken {
		resp.WebsocketToken = session.WebsocketToken
	}
	return resp
}

func (api *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StationCallsign string `json:"station_callsign"`
		UserID          string `json:"user_id"`
		LockerType      string `json:"locker_type"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.StationCallsign) == "" {
		writeError(w, http.StatusBadRequest, "station_callsign is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !api.knownLockerType(req.LockerType) {
		writeError(w, http.StatusBadRequest, "unknown locker type "+req.LockerType)
		return
	}
	session, err := api.engine.CreateSession(r.Context(), CreateSessionRequest{
		StationCallsign: req.StationCallsign,
		UserID:          req.UserID,
		LockerType:      req.LockerType,
	})
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session, true))
}

func (api *API) knownLockerType(lockerType string) bool {
	for _, known := range api.cfg.lockerTypes {
		if known == lockerType {
			return true
		}
	}
	return false
}

func (api *API) handleSessionDetails(w http.ResponseWriter, r *http.Request) {
	session, err := api.engine.SessionDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session, false))
}

func (api *API) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	snapshots, err := api.engine.SessionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	type entry struct {
		State     string    `json:"state"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]entry, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, entry{State: string(snap.State), Timestamp: snap.Timestamp})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (api *API) handleSelectPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string `json:"method"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	session, err := api.engine.SelectPayment(r.Context(), chi.URLParam(r, "id"), models.PaymentMethod(strings.ToUpper(req.Method)))
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session, false))
}

func (api *API) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	api.sessionAction(w, r, api.engine.RequestVerification)
}

func (api *API) handleCompleteVerification(w http.ResponseWriter, r *http.Request) {
	api.sessionAction(w, r, api.engine.CompleteVerification)
}

func (api *API) handleRequestHold(w http.ResponseWriter, r *http.Request) {
	api.sessionAction(w, r, api.engine.RequestHold)
}

func (api *API) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	api.sessionAction(w, r, api.engine.RequestPayment)
}

func (api *API) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	api.sessionAction(w, r, api.engine.CompletePayment)
}

func (api *API) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	api.sessionAction(w, r, api.engine.CancelSession)
}

func (api *API) sessionAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) (models.Session, error)) {
	session, err := action(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session, false))
}

type stationResponse struct {
	ID            string `json:"id"`
	Callsign      string `json:"callsign"`
	Name          string `json:"name"`
	State         string `json:"state"`
	TerminalState string `json:"terminal_state"`
	SessionCount  int    `json:"total_session_count"`
}

func toStationResponse(station models.Station) stationResponse {
	return stationResponse{
		ID:            station.ID,
		Callsign:      station.Callsign,
		Name:          station.Name,
		State:         string(station.State),
		TerminalState: string(station.TerminalState),
		SessionCount:  station.TotalSessionCount,
	}
}

func (api *API) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := api.store.ListStations(r.Context())
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	out := make([]stationResponse, 0, len(stations))
	for _, station := range stations {
		out = append(out, toStationResponse(station))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": out})
}

func (api *API) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Callsign string `json:"callsign"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Callsign) == "" {
		writeError(w, http.StatusBadRequest, "callsign is required")
		return
	}
	now := time.Now().UTC()
	station := models.Station{
		ID:            newID(),
		Callsign:      strings.ToUpper(strings.TrimSpace(req.Callsign)),
		Name:          req.Name,
		State:         models.StationAvailable,
		TerminalState: models.TerminalIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := api.store.CreateStation(r.Context(), station); err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStationResponse(station))
}

func (api *API) handleStationDetails(w http.ResponseWriter, r *http.Request) {
	station, err := api.store.GetStationByCallsign(r.Context(), chi.URLParam(r, "callsign"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStationResponse(station))
}

func (api *API) handleSetStationState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	station, err := api.engine.SetStationState(r.Context(), chi.URLParam(r, "callsign"), models.StationState(strings.ToUpper(req.State)))
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStationResponse(station))
}

func (api *API) handleResetQueue(w http.ResponseWriter, r *http.Request) {
	station, err := api.store.GetStationByCallsign(r.Context(), chi.URLParam(r, "callsign"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	if err := api.engine.ResetStationQueue(r.Context(), station.ID); err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queue reset"})
}

type lockerResponse struct {
	ID            string `json:"id"`
	Callsign      string `json:"callsign"`
	StationIndex  int    `json:"station_index"`
	LockerType    string `json:"locker_type"`
	ReportedState string `json:"reported_state"`
}

func (api *API) handleListLockers(w http.ResponseWriter, r *http.Request) {
	station, err := api.store.GetStationByCallsign(r.Context(), chi.URLParam(r, "callsign"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	lockers, err := api.store.ListLockersByStation(r.Context(), station.ID)
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	out := make([]lockerResponse, 0, len(lockers))
	for _, locker := range lockers {
		out = append(out, lockerResponse{
			ID:            locker.ID,
			Callsign:      locker.Callsign,
			StationIndex:  locker.StationIndex,
			LockerType:    locker.LockerType,
			ReportedState: string(locker.ReportedState),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"lockers": out})
}

func (api *API) handleCreateLocker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Callsign     string `json:"callsign"`
		StationIndex int    `json:"station_index"`
		LockerType   string `json:"locker_type"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Callsign) == "" {
		writeError(w, http.StatusBadRequest, "callsign is required")
		return
	}
	if !api.knownLockerType(req.LockerType) {
		writeError(w, http.StatusBadRequest, "unknown locker type "+req.LockerType)
		return
	}
	station, err := api.store.GetStationByCallsign(r.Context(), chi.URLParam(r, "callsign"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		api.writeEngineError(w, err)
		return
	}
	now := time.Now().UTC()
	locker := models.Locker{
		ID:            newID(),
		StationID:     station.ID,
		Callsign:      strings.ToUpper(strings.TrimSpace(req.Callsign)),
		StationIndex:  req.StationIndex,
		LockerType:    req.LockerType,
		ReportedState: models.LockerLocked,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := api.store.CreateLocker(r.Context(), locker); err != nil {
		api.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lockerResponse{
		ID:            locker.ID,
		Callsign:      locker.Callsign,
		StationIndex:  locker.StationIndex,
		LockerType:    locker.LockerType,
		ReportedState: string(locker.ReportedState),
	})
}

// writeEngineError maps engine errors to HTTP statuses: not-found lookups to
// 404, state precondition failures to 409, everything else to 500.
func (api *API) writeEngineError(w http.ResponseWriter, err error) {
	var precondition *models.PreconditionError
	var transition *models.InvalidTransitionError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &precondition), errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		api.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is required")
			return err
		}
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, errs ...error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]string{
		"error": msg,
		"code":  apiErrorCode(status, msg),
	}
	if len(errs) > 0 {
		payload["details"] = errs[0].Error()
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
