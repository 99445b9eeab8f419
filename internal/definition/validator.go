package definition

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/curator/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions, steps, and procedure state graphs.
// Struct-level rules come from validate tags; graph rules are checked here.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateWorkflow checks a definition and its embedded steps.
func (v *Validator) ValidateWorkflow(prefix string, wf *model.WorkflowDefinition) []VError {
	errs := v.structErrors(prefix, wf)

	sequences := make(map[int]int)
	for i, st := range wf.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.stepRules(sp, &st)...)
		if j, dup := sequences[st.Sequence]; dup {
			errs = append(errs, VError{
				Path:    sp + ".sequence",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("sequence %d already used by steps[%d]", st.Sequence, j),
			})
			continue
		}
		sequences[st.Sequence] = i
	}
	return errs
}

// ValidateStep checks a single step.
func (v *Validator) ValidateStep(prefix string, st *model.WorkflowStep) []VError {
	return append(v.structErrors(prefix, st), v.stepRules(prefix, st)...)
}

func (v *Validator) stepRules(prefix string, st *model.WorkflowStep) []VError {
	var errs []VError
	if st.AutoAssignUserID != "" && !st.AllowsUser(st.AutoAssignUserID) {
		errs = append(errs, VError{
			Path:    prefix + ".auto_assign_user_id",
			Code:    "NOT_ALLOWED",
			Message: fmt.Sprintf("user %q is not in allowed_user_ids", st.AutoAssignUserID),
		})
	}
	if !st.PoolEnabled && st.AutoAssignUserID == "" && len(st.AllowedUserIDs) != 1 && st.RequiredRole == "" {
		errs = append(errs, VError{
			Path:    prefix + ".pool_enabled",
			Code:    "UNASSIGNABLE",
			Message: "a step outside the pool needs auto_assign_user_id, a single allowed user, or a required role",
		})
	}
	return errs
}

// ValidateProcedure checks a procedure state graph.
func (v *Validator) ValidateProcedure(prefix, procedureType string, def *model.ProcedureDefinition) []VError {
	var errs []VError
	add := func(path, code, format string, args ...any) {
		errs = append(errs, VError{Path: prefix + path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(procedureType) == "" {
		add(".procedure_type", "REQUIRED", "procedure type is required")
	}
	if len(def.States) == 0 {
		add(".states", "REQUIRED", "at least one state is required")
	}

	declared := make(map[string]bool, len(def.States))
	for i, s := range def.States {
		switch {
		case strings.TrimSpace(s) == "":
			add(fmt.Sprintf(".states[%d]", i), "REQUIRED", "state name is required")
		case declared[s]:
			add(fmt.Sprintf(".states[%d]", i), "DUPLICATE", "state %q is declared twice", s)
		}
		declared[s] = true
	}

	if def.InitialState != "" && !declared[def.InitialState] {
		add(".initial_state", "UNDECLARED_STATE", "initial state %q is not declared", def.InitialState)
	}

	keys := make([]string, 0, len(def.Transitions))
	for k := range def.Transitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		t := def.Transitions[key]
		tp := fmt.Sprintf(".transitions[%s]", key)
		if strings.TrimSpace(key) == "" {
			add(tp, "REQUIRED", "transition key is required")
		}
		if !declared[t.To] {
			add(tp+".to", "UNDECLARED_STATE", "target state %q is not declared", t.To)
		}
		if len(t.From) == 0 {
			add(tp+".from", "REQUIRED", "at least one source state is required")
		}
		for _, from := range t.From {
			if !declared[from] {
				add(tp+".from", "UNDECLARED_STATE", "source state %q is not declared", from)
			}
		}
		if t.RequiredClearance != nil && *t.RequiredClearance < 0 {
			add(tp+".required_clearance", "RANGE", "required clearance must not be negative")
		}
	}

	for i, s := range def.FinalStates {
		fp := fmt.Sprintf(".final_states[%d]", i)
		if !declared[s] {
			add(fp, "UNDECLARED_STATE", "final state %q is not declared", s)
			continue
		}
		if def.HasOutgoing(s) {
			add(fp, "FINAL_HAS_OUTGOING", "final state %q has outgoing transitions", s)
		}
	}

	for s := range def.StateLabels {
		if !declared[s] {
			add(".state_labels", "UNDECLARED_STATE", "label given for undeclared state %q", s)
		}
	}
	for i, k := range def.NotifyOnTransitions {
		if _, ok := def.Transitions[k]; !ok {
			add(fmt.Sprintf(".notify_on_transitions[%d]", i), "UNKNOWN_TRANSITION", "transition %q is not defined", k)
		}
	}
	for k, source := range def.ReassignOn {
		if _, ok := def.Transitions[k]; !ok {
			add(".reassign_on", "UNKNOWN_TRANSITION", "transition %q is not defined", k)
		}
		if _, ok := def.Transitions[source]; !ok {
			add(".reassign_on", "UNKNOWN_TRANSITION", "transition %q is not defined", source)
		}
	}
	if def.RequiredClearance != nil && *def.RequiredClearance < 0 {
		add(".required_clearance", "RANGE", "required clearance must not be negative")
	}

	return errs
}

// ValidateBundle checks every workflow and procedure of a seed bundle.
func (v *Validator) ValidateBundle(b *Bundle) []VError {
	prefix := b.SourceFile
	if prefix == "" {
		prefix = "bundle"
	}

	var errs []VError
	for i := range b.Workflows {
		errs = append(errs, v.ValidateWorkflow(fmt.Sprintf("%s:workflows[%d]", prefix, i), &b.Workflows[i])...)
	}

	types := make([]string, 0, len(b.Procedures))
	for pt := range b.Procedures {
		types = append(types, pt)
	}
	sort.Strings(types)
	for _, pt := range types {
		def := b.Procedures[pt]
		errs = append(errs, v.ValidateProcedure(fmt.Sprintf("%s:procedures[%s]", prefix, pt), pt, &def)...)
	}
	return errs
}

// Struct applies the validate tags of s, naming fields by their JSON
// names. It serves request bodies that carry no graph rules.
func (v *Validator) Struct(s any) []VError {
	errs := v.structErrors("", s)
	for i := range errs {
		errs[i].Path = strings.TrimPrefix(errs[i].Path, ".")
	}
	return errs
}

func (v *Validator) structErrors(prefix string, s any) []VError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []VError{{Path: prefix, Code: "INVALID", Message: err.Error()}}
	}

	out := make([]VError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i:]
		} else {
			path = ""
		}
		out = append(out, VError{
			Path:    prefix + path,
			Code:    tagCode(fe.Tag()),
			Message: tagMessage(fe),
		})
	}
	return out
}

func tagCode(tag string) string {
	switch tag {
	case "required", "required_unless":
		return "REQUIRED"
	case "oneof":
		return "INVALID_ENUM"
	case "gte", "lte", "max", "min":
		return "RANGE"
	default:
		return strings.ToUpper(tag)
	}
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_unless":
		return fmt.Sprintf("%s is required unless %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// AsError converts validation errors to a VALIDATION_ERROR envelope, or nil.
func AsError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}
