// Package api exposes the REST surface of the control plane: agent
// registration and lifecycle, role and policy administration, escalation
// approvals, agent sessions and workflow orchestration. Management routes
// accept either an operator JWT or an agent credential; both paths resolve
// through the gateway choke point before a handler runs.
package api
