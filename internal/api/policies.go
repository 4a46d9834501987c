package api

import (
	"net/http"
	"strings"

	"AgentPlane/internal/gateway"
	"AgentPlane/internal/operator"
	"AgentPlane/internal/policy"
)

// ruleRequest 是创建或替换规则的请求体。
type ruleRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Effect      string             `json:"effect"`
	Priority    int                `json:"priority"`
	Predicates  []policy.Predicate `json:"predicates"`
	RoleIDs     []string           `json:"role_ids"`
	AgentIDs    []string           `json:"agent_ids"`
	NotBefore   int64              `json:"not_before"`
	NotAfter    int64              `json:"not_after"`
}

func (req ruleRequest) toRule() *policy.Rule {
	return &policy.Rule{
		Name:        req.Name,
		Description: req.Description,
		Effect:      policy.Effect(strings.ToUpper(strings.TrimSpace(req.Effect))),
		Priority:    req.Priority,
		Predicates:  req.Predicates,
		RoleIDs:     req.RoleIDs,
		AgentIDs:    req.AgentIDs,
		NotBefore:   req.NotBefore,
		NotAfter:    req.NotAfter,
	}
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req ruleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		rule, err := s.policies.CreateRule(r.Context(), req.toRule())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	case http.MethodGet:
		includeDisabled := strings.EqualFold(r.URL.Query().Get("include_disabled"), "true")
		rules, err := s.policies.ListRules(r.Context(), includeDisabled)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handlePolicyItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/policies/")
	if len(segments) != 1 {
		notFound(w)
		return
	}
	id := segments[0]
	switch r.Method {
	case http.MethodGet:
		rule, err := s.policies.GetRule(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPut:
		var req ruleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		rule, err := s.policies.ReplaceRule(r.Context(), id, req.toRule())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		// 被审计记录引用的规则不可删除，DELETE 映射为停用。
		if _, err := s.policies.DisableRule(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// policyCheckRequest 描述一次假设性授权判定。AgentID 为空时
// 针对当前调用方身份判定。
type policyCheckRequest struct {
	AgentID    string            `json:"agent_id"`
	Permission string            `json:"permission"`
	Context    map[string]string `json:"context"`
}

func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req policyCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	input := policy.Input{
		Permission: strings.TrimSpace(req.Permission),
		Context:    req.Context,
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		if ident := gateway.IdentityFromContext(r.Context()); ident != nil && ident.Agent != nil {
			agentID = ident.Agent.ID
		}
	}
	if agentID != "" {
		agent, err := s.agents.Get(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		input.AgentID = agent.ID
		input.AgentType = agent.Type
		input.RoleIDs = agent.RoleIDs
	}

	decision, err := s.policies.Check(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	status := policy.ApprovalStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	approvals, err := s.policies.ListApprovals(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) handleApprovalItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/approvals/")
	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		approval, err := s.policies.GetApproval(r.Context(), segments[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, approval)
	case len(segments) == 2 && r.Method == http.MethodPost:
		s.handleApprovalResolve(w, r, segments[0], segments[1])
	default:
		notFound(w)
	}
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request, id, action string) {
	var approve bool
	switch action {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		notFound(w)
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	// 审批动作允许空请求体。
	_ = decodeJSON(r, &req)

	resolvedBy := "operator"
	if subject := operator.SubjectFromContext(r.Context()); subject != nil {
		resolvedBy = subject.Username
	} else if ident := gateway.IdentityFromContext(r.Context()); ident != nil && ident.Agent != nil {
		resolvedBy = ident.Agent.ID
	}
	approval, err := s.policies.ResolveApproval(r.Context(), id, approve, resolvedBy, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}
