package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/curator/internal/notify"
	"github.com/pitabwire/curator/internal/workflow"
	"github.com/pitabwire/curator/model"
)

func handleDashboard(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		d, err := engine.Dashboard(r.Context(), p.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

func handleActivity(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 20, 200)
		if err != nil {
			respondError(w, r, err)
			return
		}
		entries, err := engine.RecentActivity(r.Context(), limit)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"activity": entries})
	}
}

// handleExport renders the export into memory first so a failing source
// still produces a proper error response.
func handleExport(exporter *workflow.Exporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if err := requireCapability(p, model.CapTasksExport); err != nil {
			respondError(w, r, err)
			return
		}
		exportType := r.URL.Query().Get("type")
		if exportType == "" {
			exportType = workflow.ExportWorkflow
		}
		format := r.URL.Query().Get("format")
		if format == "" {
			format = workflow.FormatCSV
		}

		var buf bytes.Buffer
		if err := exporter.Write(r.Context(), &buf, exportType, format); err != nil {
			respondError(w, r, err)
			return
		}
		ext := "csv"
		if format == workflow.FormatJSON {
			ext = "json"
		}
		name := fmt.Sprintf("%s_export_%s.%s", exportType, time.Now().UTC().Format("2006-01-02"), ext)
		w.Header().Set("Content-Type", workflow.ContentType(format))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}

func handleListNotifications(store notify.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit", 0, 200)
		if err != nil {
			respondError(w, r, err)
			return
		}
		items, err := store.ListForUser(r.Context(), p.ID, queryBool(r, "unread"), limit)
		if err != nil {
			respondError(w, r, err)
			return
		}
		unread, err := store.UnreadCount(r.Context(), p.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if items == nil {
			items = []model.Notification{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"notifications": items, "unread": unread})
	}
}

func handleMarkRead(store notify.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		n, err := store.MarkRead(r.Context(), chi.URLParam(r, "id"), p.ID, time.Now().UTC())
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}
