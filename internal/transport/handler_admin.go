package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/model"
)

type addStepRequest struct {
	model.WorkflowStep
	// InsertAt places the step at that sequence, shifting later steps.
	InsertAt *int `json:"insert_at"`
}

type reorderRequest struct {
	StepIDs []string `json:"step_ids" validate:"required,min=1,dive,required"`
}

// requireAdmin gates the definition and procedure administration routes on
// the workflows:admin capability.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err == nil {
			err = requireCapability(p, model.CapWorkflowsAdmin)
		}
		if err != nil {
			respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleListWorkflows(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := definition.WorkflowFilter{
			ScopeType:  q.Get("scope_type"),
			ScopeID:    q.Get("scope_id"),
			ObjectType: q.Get("applies_to"),
		}
		if raw := q.Get("active"); raw != "" {
			active, err := strconv.ParseBool(raw)
			if err != nil {
				respondError(w, r, model.NewBadRequestError("active must be a boolean"))
				return
			}
			filter.Active = &active
		}
		wfs, err := defs.ListWorkflows(r.Context(), filter)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if wfs == nil {
			wfs = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
	}
}

func handleCreateWorkflow(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := caller(r)
		var body model.WorkflowDefinition
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		wf, err := defs.CreateWorkflow(r.Context(), body, p.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, wf)
	}
}

func handleGetWorkflow(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := defs.GetWorkflow(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleUpdateWorkflow(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body model.WorkflowDefinition
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		wf, err := defs.UpdateWorkflow(r.Context(), chi.URLParam(r, "workflowId"), body)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleDeactivateWorkflow(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := defs.DeactivateWorkflow(r.Context(), chi.URLParam(r, "workflowId")); err != nil {
			respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddStep(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body addStepRequest
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		st, err := defs.AddStep(r.Context(), chi.URLParam(r, "workflowId"), body.WorkflowStep, body.InsertAt)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, st)
	}
}

func handleReorderSteps(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reorderRequest
		if err := decodeBody(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		id := chi.URLParam(r, "workflowId")
		if err := defs.ReorderSteps(r.Context(), id, body.StepIDs); err != nil {
			respondError(w, r, err)
			return
		}
		steps, err := defs.GetSteps(r.Context(), id)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"steps": steps})
	}
}

func handleUpdateStep(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body model.WorkflowStep
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		st, err := defs.UpdateStep(r.Context(), chi.URLParam(r, "stepId"), body)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleDeactivateStep(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := defs.DeactivateStep(r.Context(), chi.URLParam(r, "stepId")); err != nil {
			respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetProcedure(configs *definition.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pt := chi.URLParam(r, "procedureType")
		cfg, err := configs.GetActiveConfig(r.Context(), pt)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if !queryBool(r, "history") {
			WriteJSON(w, http.StatusOK, cfg)
			return
		}
		versions, err := configs.History(r.Context(), pt)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"active": cfg, "versions": versions})
	}
}

func handleActivateProcedure(configs *definition.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := caller(r)
		var body model.ProcedureDefinition
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		cfg, err := configs.Activate(r.Context(), chi.URLParam(r, "procedureType"), body, p.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, cfg)
	}
}

func handleClearCache(configs *definition.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configs.ClearCache()
		WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}
