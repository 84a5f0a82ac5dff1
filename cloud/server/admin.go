package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// makeDeleteHistoryHandler serves POST /api/admin/delete_history.
// mode "all" clears history; mode "older_than" removes entries at or
// before the given timestamp. Neither touches the current snapshot:
// the last-known value stays visible until the next ingest.
func makeDeleteHistoryHandler(st store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

		var body struct {
			Mode      string `json:"mode"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json body")
			return
		}

		switch body.Mode {
		case "all":
			deleted, err := st.DeleteAll(r.Context())
			if err != nil {
				logger.Error("delete history failed", "error", err)
				writeErr(w, http.StatusInternalServerError, "store delete failed")
				return
			}
			logger.Info("history cleared", "deleted", deleted)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted})

		case "older_than":
			if body.Timestamp <= 0 {
				writeErr(w, http.StatusBadRequest, "timestamp must be positive")
				return
			}
			deleted, err := st.DeleteBefore(r.Context(), body.Timestamp)
			if err != nil {
				logger.Error("delete history failed", "cutoff", body.Timestamp, "error", err)
				writeErr(w, http.StatusInternalServerError, "store delete failed")
				return
			}
			logger.Info("history trimmed", "deleted", deleted, "cutoff", body.Timestamp)
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":        true,
				"deleted":   deleted,
				"mode":      "older_than",
				"timestamp": body.Timestamp,
			})

		default:
			writeErr(w, http.StatusBadRequest, "unknown delete mode")
		}
	}
}

// makeExportHandler serves GET /api/admin/export_excel?limit=N. The
// response is a spreadsheet attachment, which is why this endpoint also
// accepts the token as a query parameter.
func makeExportHandler(st store, defaultLimit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := clampQueryInt(r, "limit", defaultLimit, 1, 5000)

		items, err := st.History(r.Context(), limit, orderDescending)
		if err != nil {
			logger.Error("export query failed", "error", err)
			writeErr(w, http.StatusInternalServerError, "store read failed")
			return
		}

		filename := fmt.Sprintf("firewatch_history_%d.xlsx", time.Now().Unix())
		w.Header().Set("Content-Type",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

		if err := writeHistoryWorkbook(w, items); err != nil {
			// Headers are already out; all we can do is log and cut the
			// stream short.
			logger.Error("export write failed", "error", err)
		}
	}
}

// makeTrainHandler serves POST /api/admin/train_ai: it hands the last
// N history rows to the trainer and reports the resulting sample count.
func makeTrainHandler(st store, tr *trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

		var body struct {
			Limit int `json:"limit"`
		}
		// An empty or malformed body just means "use the default".
		_ = json.NewDecoder(r.Body).Decode(&body)

		limit := body.Limit
		if limit <= 0 {
			limit = 1500
		}
		if limit < 50 {
			limit = 50
		}
		if limit > maxSamples {
			limit = maxSamples
		}

		items, err := st.History(r.Context(), limit, orderAscending)
		if err != nil {
			logger.Error("train query failed", "error", err)
			writeErr(w, http.StatusInternalServerError, "store read failed")
			return
		}

		count := tr.Train(items)
		logger.Info("model retrained", "requested_limit", limit, "real_rows", len(items), "trained_samples", count)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "trained_samples": count})
	}
}
