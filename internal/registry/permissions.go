package registry

import (
	"fmt"
	"sort"
	"strings"

	xerrors "AgentPlane/internal/errors"
)

// Permission strings follow a "resource:action" shape. Role assignment only
// accepts entries from this catalogue so that policy rules and gateway checks
// share one vocabulary.
const (
	PermAgentsCreate         = "agents:create"
	PermAgentsRead           = "agents:read"
	PermAgentsUpdate         = "agents:update"
	PermAgentsDelete         = "agents:delete"
	PermAgentsExecute        = "agents:execute"
	PermRolesManage          = "roles:manage"
	PermPoliciesManage       = "policies:manage"
	PermPoliciesCheck        = "policies:check"
	PermApprovalsResolve     = "approvals:resolve"
	PermWorkflowsCreate      = "workflows:create"
	PermWorkflowsRead        = "workflows:read"
	PermWorkflowsOrchestrate = "workflows:orchestrate"
	PermSessionsRevoke       = "sessions:revoke"
	PermToolsInvoke          = "tools:invoke"
	PermDataRead             = "data:read"
	PermDataWrite            = "data:write"
	PermDataDelete           = "data:delete"
	PermSystemAdmin          = "system:admin"
)

var permissionCatalogue = map[string]struct{}{
	PermAgentsCreate:         {},
	PermAgentsRead:           {},
	PermAgentsUpdate:         {},
	PermAgentsDelete:         {},
	PermAgentsExecute:        {},
	PermRolesManage:          {},
	PermPoliciesManage:       {},
	PermPoliciesCheck:        {},
	PermApprovalsResolve:     {},
	PermWorkflowsCreate:      {},
	PermWorkflowsRead:        {},
	PermWorkflowsOrchestrate: {},
	PermSessionsRevoke:       {},
	PermToolsInvoke:          {},
	PermDataRead:             {},
	PermDataWrite:            {},
	PermDataDelete:           {},
	PermSystemAdmin:          {},
}

// KnownPermission reports whether the permission belongs to the catalogue.
func KnownPermission(permission string) bool {
	_, ok := permissionCatalogue[normalizePermission(permission)]
	return ok
}

// NormalizePermissions trims, lowercases, dedupes and validates the provided
// permission strings. Unknown entries fail the whole set.
func NormalizePermissions(permissions []string) ([]string, error) {
	seen := make(map[string]struct{}, len(permissions))
	result := make([]string, 0, len(permissions))
	for _, permission := range permissions {
		normalized := normalizePermission(permission)
		if normalized == "" {
			continue
		}
		if _, ok := permissionCatalogue[normalized]; !ok {
			return nil, xerrors.New(xerrors.CodeValidationFailed,
				fmt.Sprintf("unknown permission %q", permission))
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	sort.Strings(result)
	return result, nil
}

// PermissionCatalogue returns the full vocabulary in stable order.
func PermissionCatalogue() []string {
	result := make([]string, 0, len(permissionCatalogue))
	for permission := range permissionCatalogue {
		result = append(result, permission)
	}
	sort.Strings(result)
	return result
}

func normalizePermission(permission string) string {
	return strings.ToLower(strings.TrimSpace(permission))
}
