package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/model"
)

// notice is a notification waiting for its transition to commit.
type notice struct {
	userID string
	kind   string
	text   string
}

// deliver sends notices for task after commit. Failures are logged and
// counted, never returned.
func (e *Engine) deliver(ctx context.Context, task *model.TaskInstance, pos Position, notices []notice) {
	if e.notifier == nil {
		return
	}
	sent := make(map[string]bool, len(notices))
	for _, n := range notices {
		if n.userID == "" || sent[n.userID] {
			continue
		}
		sent[n.userID] = true

		msg := model.Notification{
			UserID:        n.userID,
			TaskID:        task.ID,
			ObjectID:      task.ObjectID,
			ObjectType:    task.ObjectType,
			ProcedureType: task.ProcedureType,
			Type:          n.kind,
			Subject:       subjectFor(n.kind, pos),
			Body:          e.bodyFor(ctx, task, pos, n.text),
			Link:          e.taskLink(task),
			Status:        model.NotificationPending,
			CreatedAt:     e.now(),
		}
		if p, err := e.directory.Lookup(ctx, n.userID); err == nil {
			msg.Email = p.Email
		}
		if err := e.notifier.Notify(ctx, msg); err != nil {
			e.metrics.RecordNotification(n.kind, "failed")
			e.log(ctx).Warn("notification failed",
				zap.String("task_id", task.ID),
				zap.String("user_id", n.userID),
				zap.String("type", n.kind),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordNotification(n.kind, "sent")
	}
}

// quiesce resolves pending notifications for a procedure that reached a
// final state.
func (e *Engine) quiesce(ctx context.Context, task *model.TaskInstance) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.ResolvePending(ctx, task.ObjectType, task.ObjectID, task.ProcedureType); err != nil {
		e.log(ctx).Warn("resolve pending notifications failed", append(taskFields(task), zap.Error(err))...)
	}
}

func subjectFor(kind string, pos Position) string {
	switch kind {
	case model.NotifyTaskAssigned:
		return fmt.Sprintf("%s: %s assigned to you", pos.Process, pos.Stage)
	case model.NotifyTaskAvailable:
		return fmt.Sprintf("%s: %s is waiting in the pool", pos.Process, pos.Stage)
	case model.NotifyTaskRejected:
		return fmt.Sprintf("%s rejected at %s", pos.Process, pos.Stage)
	case model.NotifyTaskReturned:
		return fmt.Sprintf("%s returned for changes at %s", pos.Process, pos.Stage)
	case model.NotifyWorkflowCompleted:
		return fmt.Sprintf("%s completed", pos.Process)
	default:
		return fmt.Sprintf("%s moved to %s", pos.Process, pos.Stage)
	}
}

func (e *Engine) bodyFor(ctx context.Context, task *model.TaskInstance, pos Position, text string) string {
	var b strings.Builder
	b.WriteString(e.objectLabel(ctx, task))
	b.WriteString(" is at ")
	b.WriteString(pos.Stage)
	b.WriteString(" in ")
	b.WriteString(pos.Process)
	b.WriteString(".")
	if text != "" {
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	return b.String()
}

// objectLabel names the domain object, preferring the resolver's title.
func (e *Engine) objectLabel(ctx context.Context, task *model.TaskInstance) string {
	if e.objects != nil {
		if title, ok := e.objects.ObjectTitle(ctx, task.ObjectType, task.ObjectID); ok && title != "" {
			return title
		}
	}
	return model.Humanize(task.ObjectType) + " " + task.ObjectID
}

func (e *Engine) taskLink(task *model.TaskInstance) string {
	if e.baseURL == "" {
		return ""
	}
	return strings.TrimRight(e.baseURL, "/") + "/tasks/" + task.ID
}

// poolNotices tells every eligible user that a task is waiting.
func (e *Engine) poolNotices(ctx context.Context, req Requirement, except string) []notice {
	var out []notice
	for _, p := range e.eligible(ctx, req) {
		if p.ID != except {
			out = append(out, notice{userID: p.ID, kind: model.NotifyTaskAvailable})
		}
	}
	return out
}
