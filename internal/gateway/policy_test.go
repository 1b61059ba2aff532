package gateway

import (
	"sort"
	"testing"

	"github.com/haasonsaas/relay/internal/auth"
)

func TestPolicyDeniesUnknownMethods(t *testing.T) {
	p := DefaultAccessPolicy()
	admin := auth.Identity{Subject: "op", Role: auth.RoleOperator, Scopes: []string{"*"}}
	if p.Allowed(admin, "no.such.method") {
		t.Error("Allowed(admin, unknown) = true, want false")
	}
	if p.Known("no.such.method") {
		t.Error("Known(unknown) = true, want false")
	}
}

func TestPolicyRoleTable(t *testing.T) {
	p := DefaultAccessPolicy()
	operator := auth.Identity{Subject: "op", Role: auth.RoleOperator, Scopes: []string{"*"}}
	device := auth.Identity{Subject: "dev_1", Role: auth.RoleDevice}
	node := auth.Identity{Subject: "node_1", Role: auth.RoleNode}
	guest := auth.Identity{Subject: "guest", Role: auth.RoleGuest}

	tests := []struct {
		id     auth.Identity
		method string
		want   bool
	}{
		{operator, "agent", true},
		{operator, "config.set", true},
		{operator, "system.shutdown", true},
		{device, "agent", true},
		{device, "chat.send", true},
		{device, "memory.search", true},
		{device, "config.get", false},
		{device, "channels.send", false},
		{device, "system.shutdown", false},
		{node, "node.status", true},
		{node, "node.register", true},
		{node, "exec.approval.request", true},
		{node, "exec.approval.approve", false},
		{node, "agent", false},
		{guest, "device.pair.request", true},
		{guest, "system.presence", true},
		{guest, "agent", false},
		{guest, "sessions.list", false},
	}
	for _, tt := range tests {
		if got := p.Allowed(tt.id, tt.method); got != tt.want {
			t.Errorf("Allowed(%s, %q) = %v, want %v", tt.id.Role, tt.method, got, tt.want)
		}
	}
}

func TestPolicyAdminScope(t *testing.T) {
	p := DefaultAccessPolicy()
	plain := auth.Identity{Subject: "op", Role: auth.RoleOperator}
	scoped := auth.Identity{Subject: "op", Role: auth.RoleOperator, Scopes: []string{auth.ScopeAdmin}}
	wildcard := auth.Identity{Subject: "op", Role: auth.RoleOperator, Scopes: []string{"*"}}

	if p.Allowed(plain, "config.set") {
		t.Error("Allowed(operator without admin, config.set) = true, want false")
	}
	if !p.Allowed(scoped, "config.set") {
		t.Error("Allowed(operator with admin, config.set) = false, want true")
	}
	if !p.Allowed(wildcard, "system.restart") {
		t.Error("Allowed(operator with wildcard, system.restart) = false, want true")
	}
	// Unscoped methods still work for the plain operator.
	if !p.Allowed(plain, "config.schema") {
		t.Error("Allowed(operator without admin, config.schema) = false, want true")
	}
}

func TestMethodsForIsSortedSubset(t *testing.T) {
	p := DefaultAccessPolicy()
	device := auth.Identity{Subject: "dev_1", Role: auth.RoleDevice}
	methods := p.MethodsFor(device)
	if len(methods) == 0 {
		t.Fatal("MethodsFor(device) returned no methods")
	}
	if !sort.StringsAreSorted(methods) {
		t.Errorf("MethodsFor(device) not sorted: %v", methods)
	}
	for _, m := range methods {
		if !p.Allowed(device, m) {
			t.Errorf("MethodsFor listed %q but Allowed = false", m)
		}
	}
	for _, m := range methods {
		if m == "config.set" || m == "channels.send" {
			t.Errorf("MethodsFor(device) includes operator method %q", m)
		}
	}
}
