package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/curator/internal/workflow"
	"github.com/pitabwire/curator/model"
)

type commentRequest struct {
	Comment string `json:"comment" validate:"max=4000"`
}

type decisionRequest struct {
	Comment            string   `json:"comment" validate:"max=4000"`
	ChecklistCompleted bool     `json:"checklist_completed"`
	Checklist          []string `json:"checklist" validate:"dive,required"`
}

func (d decisionRequest) decision() workflow.Decision {
	return workflow.Decision{
		Comment:            d.Comment,
		ChecklistCompleted: d.ChecklistCompleted,
		Checklist:          d.Checklist,
	}
}

func handleMyTasks(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit", 0, 500)
		if err != nil {
			respondError(w, r, err)
			return
		}
		q := r.URL.Query()
		tasks, err := engine.ListMyTasks(r.Context(), p.ID, workflow.MyTasksFilter{
			Status:        q.Get("status"),
			Kind:          q.Get("kind"),
			ProcedureType: q.Get("procedure_type"),
			Limit:         limit,
		})
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
	}
}

func handlePool(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		tasks, err := engine.ListPool(r.Context(), p)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
	}
}

// handleOverdue lists overdue tasks. Callers without admin rights only see
// their own.
func handleOverdue(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit", 0, 0)
		if err != nil {
			respondError(w, r, err)
			return
		}
		q := r.URL.Query()
		scope := workflow.OverdueScope{
			ProcedureType: q.Get("procedure_type"),
			WorkflowID:    q.Get("workflow_id"),
			AssignedTo:    q.Get("assigned_to"),
			Limit:         limit,
		}
		if !p.IsAdministrator() {
			scope.AssignedTo = p.ID
		}
		tasks, err := engine.ListOverdue(r.Context(), scope)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
	}
}

func handleGetTask(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := engine.GetTask(r.Context(), chi.URLParam(r, "taskId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

// taskAction adapts one of the engine's task mutations to a handler.
func taskAction(act func(r *http.Request, p *model.Principal, taskID string) (*model.TaskInstance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := caller(r)
		if err != nil {
			respondError(w, r, err)
			return
		}
		task, err := act(r, p, chi.URLParam(r, "taskId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleClaim(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		return engine.Claim(r.Context(), p, id)
	})
}

func handleRelease(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		var body commentRequest
		if err := decodeBody(r, &body); err != nil {
			return nil, err
		}
		return engine.Release(r.Context(), p, id, body.Comment)
	})
}

func handleStart(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		return engine.Start(r.Context(), p, id)
	})
}

func handleApprove(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		var body decisionRequest
		if err := decodeBody(r, &body); err != nil {
			return nil, err
		}
		return engine.Approve(r.Context(), p, id, body.decision())
	})
}

func handleReject(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		var body decisionRequest
		if err := decodeBody(r, &body); err != nil {
			return nil, err
		}
		return engine.Reject(r.Context(), p, id, body.decision())
	})
}

func handleReturn(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		var body decisionRequest
		if err := decodeBody(r, &body); err != nil {
			return nil, err
		}
		return engine.Return(r.Context(), p, id, body.decision())
	})
}

func handleResubmit(engine *workflow.Engine) http.HandlerFunc {
	return taskAction(func(r *http.Request, p *model.Principal, id string) (*model.TaskInstance, error) {
		var body commentRequest
		if err := decodeBody(r, &body); err != nil {
			return nil, err
		}
		return engine.Resubmit(r.Context(), p, id, body.Comment)
	})
}
