package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/curator/internal/workflow"
	"github.com/pitabwire/curator/model"
)

type startWorkflowRequest struct {
	WorkflowID string           `json:"workflow_id"`
	Scope      model.ScopeChain `json:"scope"`
	Priority   string           `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	DueDate    *time.Time       `json:"due_date"`
	Comment    string           `json:"comment" validate:"max=4000"`
}

type startProcedureRequest struct {
	AssignedTo string `json:"assigned_to"`
}

type transitionRequest struct {
	Transition string         `json:"transition" validate:"required"`
	FromState  string         `json:"from_state"`
	AssignedTo string         `json:"assigned_to"`
	Comment    string         `json:"comment" validate:"max=4000"`
	Priority   string         `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	DueDate    *time.Time     `json:"due_date"`
	Metadata   map[string]any `json:"metadata"`
}

func handleStartWorkflow(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		var body startWorkflowRequest
		if err := decodeBody(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		task, err := engine.StartWorkflow(r.Context(), p, workflow.StartRequest{
			ObjectType: chi.URLParam(r, "objectType"),
			ObjectID:   chi.URLParam(r, "objectId"),
			WorkflowID: body.WorkflowID,
			Scope:      body.Scope,
			Priority:   body.Priority,
			DueDate:    body.DueDate,
			Comment:    body.Comment,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, task)
	}
}

func handleObjectHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := engine.ObjectHistory(r.Context(), chi.URLParam(r, "objectType"), chi.URLParam(r, "objectId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"history": entries})
	}
}

func handleProcedureProgress(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		progress, err := engine.ProcedureProgress(r.Context(), chi.URLParam(r, "objectType"), chi.URLParam(r, "objectId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, progress)
	}
}

func handleProcedureState(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.ProcedureState(r.Context(),
			chi.URLParam(r, "objectType"), chi.URLParam(r, "objectId"), chi.URLParam(r, "procedureType"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleStartProcedure(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		var body startProcedureRequest
		if err := decodeBody(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		task, err := engine.StartProcedure(r.Context(), p,
			chi.URLParam(r, "objectType"), chi.URLParam(r, "objectId"), chi.URLParam(r, "procedureType"), body.AssignedTo)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, task)
	}
}

func handleApplyTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		var body transitionRequest
		if err := decodeBody(r, &body); err != nil {
			respondError(w, r, err)
			return
		}
		result, err := engine.ApplyTransition(r.Context(), p, workflow.TransitionRequest{
			ObjectType:    chi.URLParam(r, "objectType"),
			ObjectID:      chi.URLParam(r, "objectId"),
			ProcedureType: chi.URLParam(r, "procedureType"),
			TransitionKey: body.Transition,
			FromState:     body.FromState,
			AssignedTo:    body.AssignedTo,
			Comment:       body.Comment,
			Priority:      body.Priority,
			DueDate:       body.DueDate,
			Metadata:      body.Metadata,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
