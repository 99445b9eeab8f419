package model

import "testing"

func TestCapabilitySet_Has_exact(t *testing.T) {
	cs := CapabilitySet{
		"procedures:acquisition:transition": true,
		CapTasksExport:                      true,
	}
	if !cs.Has("procedures:acquisition:transition") {
		t.Error("Has(procedures:acquisition:transition) = false, want true")
	}
	if cs.Has("procedures:deaccession:transition") {
		t.Error("Has(procedures:deaccession:transition) = true, want false")
	}
}

func TestCapabilitySet_Has_wildcards(t *testing.T) {
	tests := []struct {
		name string
		set  CapabilitySet
		cap  string
		want bool
	}{
		{"star", CapabilitySet{"*": true}, "procedures:loans_in:transition", true},
		{"namespace", CapabilitySet{"procedures:*": true}, "procedures:loans_in:transition", true},
		{"namespace other", CapabilitySet{"procedures:*": true}, "workflows:admin", false},
		{"resource", CapabilitySet{"procedures:loans_in:*": true}, "procedures:loans_in:transition", true},
		{"resource other", CapabilitySet{"procedures:loans_in:*": true}, "procedures:loans_out:transition", false},
		{"partial segment", CapabilitySet{"procedures:loans_*": true}, "procedures:loans_out:transition", false},
		{"empty", CapabilitySet{}, "workflows:admin", false},
		{"nil", nil, "workflows:admin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_HasAll_HasAny(t *testing.T) {
	cs := CapabilitySet{"procedures:*": true}
	if !cs.HasAll(TransitionCapability("acquisition"), TransitionCapability("loans_in")) {
		t.Error("HasAll with wildcard should match all under namespace")
	}
	if cs.HasAll(TransitionCapability("acquisition"), CapWorkflowsAdmin) {
		t.Error("HasAll should be false when one missing")
	}
	if !cs.HasAll() {
		t.Error("HasAll with no args should be true")
	}
	if !cs.HasAny(CapWorkflowsAdmin, TransitionCapability("acquisition")) {
		t.Error("HasAny should be true when one matches")
	}
	if cs.HasAny() {
		t.Error("HasAny with no args should be false")
	}
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		cap     string
		want    bool
	}{
		{"*", "workflows:admin", true},
		{"procedures:*", "procedures:acquisition:transition", true},
		{"procedures:acquisition:*", "procedures:acquisition:transition", true},
		{"procedures:acquisition:*", "procedures:loans_in:transition", false},
		{"procedures:acquisition", "procedures:acquisition:transition", false},
		{"workflows:admin", "workflows:admin", false}, // exact match is a map lookup
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_vs_"+tt.cap, func(t *testing.T) {
			if got := matchWildcard(tt.pattern, tt.cap); got != tt.want {
				t.Errorf("matchWildcard(%q, %q) = %v, want %v", tt.pattern, tt.cap, got, tt.want)
			}
		})
	}
}

func TestPrincipal_IsAdministrator(t *testing.T) {
	tests := []struct {
		name string
		p    *Principal
		want bool
	}{
		{"role", &Principal{ID: "u", Roles: []string{RoleAdministrator}}, true},
		{"capability", &Principal{ID: "u", Capabilities: CapabilitySet{CapWorkflowsAdmin: true}}, true},
		{"wildcard capability", &Principal{ID: "u", Capabilities: CapabilitySet{"*": true}}, true},
		{"plain user", &Principal{ID: "u", Roles: []string{"registrar"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.IsAdministrator(); got != tt.want {
				t.Errorf("IsAdministrator() = %v, want %v", got, tt.want)
			}
		})
	}
}
