package model

import (
	"sort"
	"strings"
	"time"
)

// Transition is one edge of a procedure state graph.
type Transition struct {
	From              []string `json:"from" yaml:"from"`
	To                string   `json:"to" yaml:"to"`
	Label             string   `json:"label,omitempty" yaml:"label"`
	RequiredRole      string   `json:"required_role,omitempty" yaml:"required_role"`
	RequiredClearance *int     `json:"required_clearance,omitempty" yaml:"required_clearance"`
}

// AllowsFrom reports whether the transition may fire from state.
func (t Transition) AllowsFrom(state string) bool {
	for _, s := range t.From {
		if s == state {
			return true
		}
	}
	return false
}

// ProcedureDefinition is the state graph stored as a procedure's config JSON.
type ProcedureDefinition struct {
	Label               string                `json:"label,omitempty" yaml:"label"`
	States              []string              `json:"states" yaml:"states"`
	StateLabels         map[string]string     `json:"state_labels,omitempty" yaml:"state_labels"`
	InitialState        string                `json:"initial_state,omitempty" yaml:"initial_state"`
	Transitions         map[string]Transition `json:"transitions" yaml:"transitions"`
	FinalStates         []string              `json:"final_states,omitempty" yaml:"final_states"`
	RequiredRole        string                `json:"required_role,omitempty" yaml:"required_role"`
	RequiredClearance   *int                  `json:"required_clearance,omitempty" yaml:"required_clearance"`
	NotifyOnTransitions []string              `json:"notify_on_transitions,omitempty" yaml:"notify_on_transitions"`
	ReassignOn          map[string]string     `json:"reassign_on,omitempty" yaml:"reassign_on"`
}

// ProcedureConfig is one stored version of a procedure's state graph.
type ProcedureConfig struct {
	ID            string              `json:"id"`
	ProcedureType string              `json:"procedure_type"`
	Version       int                 `json:"version"`
	IsActive      bool                `json:"is_active"`
	Config        ProcedureDefinition `json:"config"`
	CreatedBy     string              `json:"created_by,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	ActivatedAt   *time.Time          `json:"activated_at,omitempty"`
}

// Initial returns the state new procedure tasks start in.
func (d *ProcedureDefinition) Initial() string {
	if d.InitialState != "" {
		return d.InitialState
	}
	if len(d.States) > 0 {
		return d.States[0]
	}
	return ""
}

// IsDeclared reports whether state is one of the graph's states.
func (d *ProcedureDefinition) IsDeclared(state string) bool {
	for _, s := range d.States {
		if s == state {
			return true
		}
	}
	return false
}

// HasOutgoing reports whether any transition leaves state.
func (d *ProcedureDefinition) HasOutgoing(state string) bool {
	for _, t := range d.Transitions {
		if t.AllowsFrom(state) {
			return true
		}
	}
	return false
}

// Finals returns the explicit final states, or the declared states without
// outgoing transitions when none were listed.
func (d *ProcedureDefinition) Finals() []string {
	if len(d.FinalStates) > 0 {
		return append([]string(nil), d.FinalStates...)
	}
	var out []string
	for _, s := range d.States {
		if !d.HasOutgoing(s) {
			out = append(out, s)
		}
	}
	return out
}

// StateLabel returns the display label for a state.
func (d *ProcedureDefinition) StateLabel(state string) string {
	if l, ok := d.StateLabels[state]; ok && l != "" {
		return l
	}
	return Humanize(state)
}

// TransitionOption is a transition available from a given state.
type TransitionOption struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	To    string `json:"to"`
}

// Available lists the transitions that may fire from state, ordered by key.
func (d *ProcedureDefinition) Available(state string) []TransitionOption {
	var out []TransitionOption
	for key, t := range d.Transitions {
		if !t.AllowsFrom(state) {
			continue
		}
		label := t.Label
		if label == "" {
			label = Humanize(key)
		}
		out = append(out, TransitionOption{Key: key, Label: label, To: t.To})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// NotifiesAdmins reports whether applying key should alert administrators
// when no individual recipient exists.
func (d *ProcedureDefinition) NotifiesAdmins(key string) bool {
	for _, k := range d.NotifyOnTransitions {
		if k == key {
			return true
		}
	}
	return false
}

// Humanize turns a key such as "loans_in" into "Loans In".
func Humanize(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
