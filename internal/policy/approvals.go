package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ApprovalStatus tracks the lifecycle of an escalation request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval records an ESCALATE decision waiting for (or resolved by) a
// human operator. Requests are keyed by fingerprint so repeated calls
// with the same agent, permission and context share one record.
type Approval struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	AgentID     string            `json:"agent_id"`
	Permission  string            `json:"permission"`
	Context     map[string]string `json:"context,omitempty"`
	RuleID      string            `json:"rule_id,omitempty"`
	Status      ApprovalStatus    `json:"status"`
	Note        string            `json:"note,omitempty"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	ResolvedAt  int64             `json:"resolved_at,omitempty"`
	// ExpiresAt bounds how long an APPROVED grant stays usable.
	// Zero means no expiry; REJECTED records never expire.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Resolved reports whether the approval has left the PENDING state.
func (a *Approval) Resolved() bool {
	return a.Status != ApprovalPending
}

// GrantActive reports whether an APPROVED record still authorizes the
// fingerprint at the given unix time.
func (a *Approval) GrantActive(now int64) bool {
	if a.Status != ApprovalApproved {
		return false
	}
	return a.ExpiresAt == 0 || now <= a.ExpiresAt
}

// Fingerprint derives the stable identity of an escalation request
// from the agent, the requested permission and the call context.
// Context keys are sorted so map iteration order never leaks in.
func Fingerprint(agentID, permission string, context map[string]string) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(permission))))
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(context[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cloneApproval(approval *Approval) *Approval {
	if approval == nil {
		return nil
	}
	clone := *approval
	if approval.Context != nil {
		clone.Context = make(map[string]string, len(approval.Context))
		for k, v := range approval.Context {
			clone.Context[k] = v
		}
	}
	return &clone
}
