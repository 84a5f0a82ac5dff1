package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/firewatch-iot/firewatch/pkg/classify"
	"github.com/firewatch-iot/firewatch/pkg/liveness"
	"github.com/firewatch-iot/firewatch/pkg/models"
)

// maxHistoryLimit caps a single /api/history page regardless of what
// the client asks for.
const maxHistoryLimit = 200

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr emits the {ok:false, error} failure shape shared by every
// endpoint.
func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"server_time": time.Now().Unix(),
	})
}

// makeSensorHandler serves POST /api/sensor: coerce the payload, stamp
// the server-side timestamp, classify, and ingest. A store failure is
// fatal to the request and never reported as success.
func makeSensorHandler(st store, tr *trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			ingestRejected.Inc()
			writeErr(w, http.StatusBadRequest, "invalid json body")
			return
		}

		reading, err := models.ReadingFromPayload(payload)
		if err != nil {
			ingestRejected.Inc()
			if errors.Is(err, models.ErrBadPayload) {
				writeErr(w, http.StatusBadRequest, err.Error())
				return
			}
			writeErr(w, http.StatusBadRequest, "invalid payload")
			return
		}
		// Stamp at acceptance, after validation, so a retried request
		// never carries a stale arrival time.
		reading.Timestamp = time.Now().Unix()

		cr := classify.Apply(reading)

		if err := st.Ingest(r.Context(), cr); err != nil {
			logger.Error("ingest failed", "error", err)
			storeWriteFail.Inc()
			storeUp.Set(0)
			writeErr(w, http.StatusInternalServerError, "store write failed")
			return
		}
		storeUp.Set(1)
		lastIngestUnix.Set(float64(reading.Timestamp))

		tr.Observe(reading)
		if z, anomalous := tr.Anomalous(reading); anomalous {
			logger.Warn("reading deviates from trained baseline",
				"z_score", z,
				"smoke", reading.Smoke,
				"temperature", reading.Temperature,
				"status", cr.Status,
			)
		}

		logger.Info("accepted reading",
			"smoke", reading.Smoke,
			"temperature", reading.Temperature,
			"humidity", reading.Humidity,
			"status", cr.Status,
			"level", cr.Level,
		)

		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"status": cr.Status,
			"level":  cr.Level,
		})
	}
}

// currentResponse is the /api/current body: the snapshot plus a
// liveness flag recomputed on every call.
type currentResponse struct {
	models.ClassifiedReading
	Online bool `json:"online"`
}

// makeCurrentHandler serves GET /api/current. Before the first ingest
// it answers with an explicit absent shape rather than an error.
func makeCurrentHandler(st store, window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cr, err := st.Current(r.Context())
		if err != nil {
			logger.Error("read current failed", "error", err)
			writeErr(w, http.StatusInternalServerError, "store read failed")
			return
		}
		if cr == nil {
			writeJSON(w, http.StatusOK, map[string]any{"online": false})
			return
		}
		writeJSON(w, http.StatusOK, currentResponse{
			ClassifiedReading: *cr,
			Online:            liveness.Online(cr.Timestamp, time.Now(), window),
		})
	}
}

// makeHistoryHandler serves GET /api/history?limit=N&order=asc|desc.
// Default is newest-first for tabular display; order=asc serves charts.
// The service fixes the ordering so clients never re-sort.
func makeHistoryHandler(st store, defaultLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := clampQueryInt(r, "limit", defaultLimit, 1, maxHistoryLimit)

		ord := orderDescending
		if r.URL.Query().Get("order") == "asc" {
			ord = orderAscending
		}

		items, err := st.History(r.Context(), limit, ord)
		if err != nil {
			logger.Error("read history failed", "error", err)
			writeErr(w, http.StatusInternalServerError, "store read failed")
			return
		}
		if items == nil {
			items = []models.ClassifiedReading{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
	}
}

// clampQueryInt reads an integer query parameter, falling back to
// defaultVal on absence or garbage and clamping into [min, max].
func clampQueryInt(r *http.Request, key string, defaultVal, min, max int) int {
	n := defaultVal
	if s := r.URL.Query().Get(key); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			n = parsed
		}
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}
