package gateway

import (
	"sort"

	"github.com/haasonsaas/relay/internal/auth"
)

// rule is the access requirement for one method: the roles that may call
// it and the scope the identity must hold. An empty scope means any
// authenticated member of an allowed role.
type rule struct {
	roles map[auth.Role]bool
	scope string
}

// AccessPolicy maps method names to access rules. Methods without a rule
// are denied for everyone.
type AccessPolicy struct {
	rules map[string]rule
}

func roles(rs ...auth.Role) map[auth.Role]bool {
	m := make(map[auth.Role]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

// DefaultAccessPolicy is the gateway's method access table. Operators
// reach everything; admin-scoped methods additionally require the admin
// scope (the wildcard scope satisfies it). Devices get the conversation
// surface, nodes get their own lifecycle, guests may only request
// pairing and probe presence.
func DefaultAccessPolicy() *AccessPolicy {
	operator := roles(auth.RoleOperator)
	operatorNode := roles(auth.RoleOperator, auth.RoleNode)
	conversational := roles(auth.RoleOperator, auth.RoleDevice)
	open := roles(auth.RoleOperator, auth.RoleNode, auth.RoleDevice, auth.RoleGuest)

	p := &AccessPolicy{rules: map[string]rule{
		"agent":        {roles: conversational},
		"chat.send":    {roles: conversational},
		"chat.history": {roles: conversational},
		"chat.abort":   {roles: conversational},
		"chat.inject":  {roles: conversational},

		"sessions.list":    {roles: conversational},
		"sessions.preview": {roles: conversational},
		"sessions.resolve": {roles: conversational},
		"sessions.patch":   {roles: operator},
		"sessions.reset":   {roles: operator},
		"sessions.delete":  {roles: operator},
		"sessions.compact": {roles: operator},

		"channels.list":       {roles: operator},
		"channels.status":     {roles: operator},
		"channels.connect":    {roles: operator},
		"channels.disconnect": {roles: operator},
		"channels.send":       {roles: operator},
		"channels.logout":     {roles: operator},

		"cron.status": {roles: operator},
		"cron.list":   {roles: operator},
		"cron.add":    {roles: operator},
		"cron.update": {roles: operator},
		"cron.remove": {roles: operator},
		"cron.run":    {roles: operator},
		"cron.runs":   {roles: operator},

		"device.pair.request": {roles: open},
		"device.pair.list":    {roles: operator},
		"device.pair.approve": {roles: operator},
		"device.pair.reject":  {roles: operator},
		"device.token.rotate": {roles: operator},
		"device.token.revoke": {roles: operator},

		"exec.approval.request": {roles: operatorNode},
		"exec.approval.resolve": {roles: operator},
		"exec.approval.list":    {roles: operator},
		"exec.approval.approve": {roles: operator},
		"exec.approval.deny":    {roles: operator},
		"exec.approval.timeout": {roles: operator},

		"node.list":         {roles: operator},
		"node.describe":     {roles: operator},
		"node.invoke":       {roles: operatorNode},
		"node.register":     {roles: operatorNode},
		"node.unregister":   {roles: operatorNode},
		"node.status":       {roles: operatorNode},
		"node.pair.approve": {roles: operator},
		"node.pair.reject":  {roles: operator},

		"memory.search": {roles: conversational},
		"memory.add":    {roles: conversational},
		"memory.sync":   {roles: conversational},

		"config.get":    {roles: operator, scope: auth.ScopeAdmin},
		"config.set":    {roles: operator, scope: auth.ScopeAdmin},
		"config.patch":  {roles: operator, scope: auth.ScopeAdmin},
		"config.schema": {roles: operator},
		"config.apply":  {roles: operator, scope: auth.ScopeAdmin},

		"system.presence": {roles: open},
		"system.event":    {roles: operator},
		"system.shutdown": {roles: operator, scope: auth.ScopeAdmin},
		"system.restart":  {roles: operator, scope: auth.ScopeAdmin},
	}}
	return p
}

// Allowed reports whether the identity may call the method. Unknown
// methods are denied regardless of identity.
func (p *AccessPolicy) Allowed(id auth.Identity, method string) bool {
	r, ok := p.rules[method]
	if !ok {
		return false
	}
	if !r.roles[id.Role] {
		return false
	}
	if r.scope != "" && !id.HasScope(r.scope) {
		return false
	}
	return true
}

// Known reports whether the method exists in the table at all, used to
// distinguish METHOD_NOT_FOUND from PERMISSION_DENIED.
func (p *AccessPolicy) Known(method string) bool {
	_, ok := p.rules[method]
	return ok
}

// MethodsFor lists the methods the identity may call, sorted, for the
// connect hello.
func (p *AccessPolicy) MethodsFor(id auth.Identity) []string {
	out := make([]string, 0, len(p.rules))
	for method := range p.rules {
		if p.Allowed(id, method) {
			out = append(out, method)
		}
	}
	sort.Strings(out)
	return out
}
