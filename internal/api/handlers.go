package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/school-distance/internal/calculator"
	"github.com/stuartshay/school-distance/internal/distance"
	"github.com/stuartshay/school-distance/internal/geocode"
	"github.com/stuartshay/school-distance/internal/model"
	"github.com/stuartshay/school-distance/internal/report"
)

const maxBodyBytes = 1 << 16

var errBadRequest = errors.New("bad request")

type coordinateJSON struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type distanceJSON struct {
	SchoolID        int64    `json:"schoolId"`
	SchoolName      string   `json:"schoolName,omitempty"`
	DistanceKM      float64  `json:"distanceKm"`
	DurationMinutes *float64 `json:"durationMinutes,omitempty"`
	Source          string   `json:"source"`
}

type distancesResponse struct {
	Home        coordinateJSON `json:"home"`
	Calculating bool           `json:"calculating"`
	Distances   []distanceJSON `json:"distances"`
}

type sessionResponse struct {
	ID          string          `json:"id"`
	Home        *coordinateJSON `json:"home,omitempty"`
	Calculating bool            `json:"calculating"`
	Distances   []distanceJSON  `json:"distances"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type homeRequest struct {
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type healthStatus struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Environment string `json:"environment,omitempty"`
	Version     string `json:"version,omitempty"`
}

func (a *API) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{
		Status:      "healthy",
		Service:     a.cfg.ServiceName,
		Environment: a.cfg.Environment,
		Version:     a.cfg.Version,
	})
}

func (a *API) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.cfg.DB.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "unavailable", Service: a.cfg.ServiceName})
		return
	}
	writeJSON(w, http.StatusOK, healthStatus{Status: "ready", Service: a.cfg.ServiceName})
}

// distancesHandler answers GET /v1/distances?address=... or ?lat=..&lng=..
// synchronously.
func (a *API) distancesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := homeRequest{Address: q.Get("address")}
	var err error
	if req.Latitude, err = optionalFloat(q.Get("lat")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lat")
		return
	}
	if req.Longitude, err = optionalFloat(q.Get("lng")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lng")
		return
	}

	home, err := a.resolveHome(r.Context(), req)
	if err != nil {
		a.writeHomeError(w, r, err)
		return
	}

	schools, err := a.cfg.Roster.ListSchools(r.Context())
	if err != nil {
		a.serverError(w, r, fmt.Errorf("list schools: %w", err))
		return
	}

	distances := a.cfg.Distances.EnsureDistances(r.Context(), home, schools)
	writeJSON(w, http.StatusOK, distancesResponse{
		Home:        coordinateJSON(home),
		Calculating: a.cfg.Distances.IsCalculating(),
		Distances:   distanceList(distances, model.NamesBySchool(schools)),
	})
}

func (a *API) createSessionHandler(w http.ResponseWriter, _ *http.Request) {
	s := a.cfg.Sessions.Create()
	log.Debug().Str("session_id", s.ID()).Msg("Session created")
	writeJSON(w, http.StatusCreated, sessionJSON(s.Snapshot()))
}

func (a *API) getSessionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s, err := a.cfg.Sessions.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(s.Snapshot()))
}

// setSessionHomeHandler starts a background resolution for the new home and
// returns immediately; clients poll the session until calculating is false.
func (a *API) setSessionHomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s, err := a.cfg.Sessions.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req homeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	home, err := a.resolveHome(r.Context(), req)
	if err != nil {
		a.writeHomeError(w, r, err)
		return
	}

	schools, err := a.cfg.Roster.ListSchools(r.Context())
	if err != nil {
		a.serverError(w, r, fmt.Errorf("list schools: %w", err))
		return
	}

	s.SetHome(r.Context(), home, schools)
	writeJSON(w, http.StatusAccepted, sessionJSON(s.Snapshot()))
}

func (a *API) resolveHome(ctx context.Context, req homeRequest) (calculator.Coordinate, error) {
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return calculator.Coordinate{}, fmt.Errorf("%w: latitude and longitude must be given together", errBadRequest)
	}
	var given *calculator.Coordinate
	if req.Latitude != nil {
		given = &calculator.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}
	return geocode.ResolveHome(ctx, a.cfg.Geocoder, req.Address, given)
}

func (a *API) writeHomeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, calculator.ErrInvalidCoordinate),
		errors.Is(err, geocode.ErrMissingAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, geocode.ErrNoResults):
		writeError(w, http.StatusNotFound, "address not found")
	case errors.Is(err, geocode.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "geocoding is not configured")
	default:
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Geocoding failed")
		writeError(w, http.StatusBadGateway, "geocoding failed")
	}
}

func (a *API) serverError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	report.ReportErrorWithOptions(err, report.Options{
		Tags: map[string]string{"method": r.Method, "path": r.URL.Path},
	})
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func sessionJSON(snap distance.Snapshot) sessionResponse {
	resp := sessionResponse{
		ID:          snap.ID,
		Calculating: snap.Calculating,
		Distances:   distanceList(snap.Distances, snap.SchoolNames),
		UpdatedAt:   snap.UpdatedAt.UTC(),
	}
	if snap.Home != nil {
		h := coordinateJSON(*snap.Home)
		resp.Home = &h
	}
	return resp
}

// distanceList renders records nearest first, ties by school ID.
func distanceList(d model.Distances, names map[int64]string) []distanceJSON {
	out := make([]distanceJSON, 0, len(d))
	for _, rec := range d {
		out = append(out, distanceJSON{
			SchoolID:        rec.SchoolID,
			SchoolName:      names[rec.SchoolID],
			DistanceKM:      rec.DistanceKM,
			DurationMinutes: rec.DurationMinutes,
			Source:          string(rec.Source),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM == out[j].DistanceKM {
			return out[i].SchoolID < out[j].SchoolID
		}
		return out[i].DistanceKM < out[j].DistanceKM
	})
	return out
}

func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
