// Package agentplane provides a thin Go client for the AgentPlane REST API.
// It covers the operator surface (agents, roles, policies, approvals) and the
// gateway surface (agent sessions, workflow submission).
package agentplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPlane REST API. A single
// client carries one bearer token at a time: either an operator access token
// or an agent session token.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ErrNoToken is returned for authenticated calls made before a login.
var ErrNoToken = errors.New("agentplane: access token is not set")

// APIError represents server side validation or policy errors. RuleID and
// ApprovalID carry the policy context on 403 responses when present.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	RuleID     string `json:"rule_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentplane api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentplane api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPlane API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// TokenPair contains an issued operator access token and optional refresh
// token.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// OperatorLogin exchanges operator credentials for a token pair and stores the
// access token for subsequent calls.
func (c *Client) OperatorLogin(ctx context.Context, username, password string) (TokenPair, error) {
	payload := map[string]string{
		"grant_type": "password",
		"username":   username,
		"password":   password,
	}
	var pair TokenPair
	if err := c.post(ctx, "/token", payload, &pair, false); err != nil {
		return TokenPair{}, err
	}
	c.SetAccessToken(pair.AccessToken)
	return pair, nil
}

// RefreshOperatorToken exchanges a refresh token for a fresh token pair.
func (c *Client) RefreshOperatorToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var pair TokenPair
	if err := c.post(ctx, "/token", payload, &pair, false); err != nil {
		return TokenPair{}, err
	}
	c.SetAccessToken(pair.AccessToken)
	return pair, nil
}

// AgentSession describes an issued agent session.
type AgentSession struct {
	SessionID string `json:"session_id"`
	Token     string `json:"access_token"`
	AgentID   string `json:"agent_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// AgentLogin exchanges an agent identity secret for a session token and
// stores the token for subsequent calls.
func (c *Client) AgentLogin(ctx context.Context, agentID, identitySecret string) (AgentSession, error) {
	payload := map[string]string{
		"agent_id":        agentID,
		"identity_secret": identitySecret,
	}
	var session AgentSession
	if err := c.post(ctx, "/gateway/auth/login", payload, &session, false); err != nil {
		return AgentSession{}, err
	}
	c.SetAccessToken(session.Token)
	return session, nil
}

// Logout revokes the stored session token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.post(ctx, "/gateway/auth/logout", nil, nil, true); err != nil {
		return err
	}
	c.SetAccessToken("")
	return nil
}

// Agent mirrors the registry record returned by the API.
type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"agent_type"`
	Version     string         `json:"version"`
	Status    string         `json:"status"`
	PublicKey string         `json:"public_key"`
	Address   string         `json:"address"`
	RoleIDs   []string       `json:"role_ids"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// RegisteredAgent carries the one-time credentials issued at registration.
// The identity secret and private key are never returned again.
type RegisteredAgent struct {
	Agent
	IdentitySecret string `json:"identity_secret"`
	PrivateKey     string `json:"private_key"`
}

// RegisterAgentRequest is the payload for creating a new agent.
type RegisterAgentRequest struct {
	Name     string         `json:"name"`
	Type     string         `json:"agent_type"`
	Version  string         `json:"version"`
	RoleIDs  []string       `json:"role_ids,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegisterAgent creates a new agent and returns its one-time credentials.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisteredAgent, error) {
	var registered RegisteredAgent
	if err := c.post(ctx, "/api/v1/agents", req, &registered, true); err != nil {
		return RegisteredAgent{}, err
	}
	return registered, nil
}

// GetAgent fetches a single agent by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &agent, true); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// ListAgents returns agents matching the optional filters.
func (c *Client) ListAgents(ctx context.Context, types, statuses []string) ([]Agent, error) {
	values := url.Values{}
	if len(types) > 0 {
		values.Set("agent_type", strings.Join(types, ","))
	}
	if len(statuses) > 0 {
		values.Set("status", strings.Join(statuses, ","))
	}
	endpoint := "/api/v1/agents"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var agents []Agent
	if err := c.get(ctx, endpoint, &agents, true); err != nil {
		return nil, err
	}
	return agents, nil
}

// PauseAgent suspends the agent: sessions are revoked and in-flight tasks
// fail over immediately.
func (c *Client) PauseAgent(ctx context.Context, agentID string) error {
	return c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/pause", nil, nil, true)
}

// ResumeAgent reactivates a paused agent.
func (c *Client) ResumeAgent(ctx context.Context, agentID string) error {
	return c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/resume", nil, nil, true)
}

// DecommissionAgent permanently retires the agent.
func (c *Client) DecommissionAgent(ctx context.Context, agentID string) error {
	return c.delete(ctx, "/api/v1/agents/"+url.PathEscape(agentID), true)
}

// WorkflowTaskSpec defines one task inside a workflow submission.
type WorkflowTaskSpec struct {
	Name            string            `json:"name"`
	AgentID         string            `json:"agent_id"`
	FallbackAgentID string            `json:"fallback_agent_id,omitempty"`
	Permission      string            `json:"permission,omitempty"`
	Payload         map[string]string `json:"payload,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	MaxRetries      int               `json:"max_retries,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
}

// WorkflowSpec is the payload for submitting a workflow.
type WorkflowSpec struct {
	Name  string             `json:"name"`
	Tasks []WorkflowTaskSpec `json:"tasks"`
}

// Workflow is the aggregate workflow record.
type Workflow struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	TaskIDs   []string `json:"task_ids"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// Task is a single scheduled unit inside a workflow.
type Task struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	Name            string            `json:"name"`
	AgentID         string            `json:"agent_id"`
	FallbackAgentID string            `json:"fallback_agent_id,omitempty"`
	Permission      string            `json:"permission,omitempty"`
	Payload         map[string]string `json:"payload,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	Status          string            `json:"status"`
	Attempts        int               `json:"attempts"`
	MaxRetries      int               `json:"max_retries"`
	FallbackUsed    bool              `json:"fallback_used"`
	LastError       string            `json:"last_error,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	Result          *TaskResult       `json:"result,omitempty"`
}

// TaskResult holds the output of a completed task.
type TaskResult struct {
	AgentID      string `json:"agent_id"`
	Output       string `json:"output,omitempty"`
	Observations string `json:"observations,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
}

// WorkflowDetail aggregates a workflow with its tasks.
type WorkflowDetail struct {
	Workflow *Workflow `json:"workflow"`
	Tasks    []*Task   `json:"tasks"`
}

// SubmitWorkflow validates and persists a task graph for execution.
func (c *Client) SubmitWorkflow(ctx context.Context, spec WorkflowSpec) (WorkflowDetail, error) {
	var detail WorkflowDetail
	if err := c.post(ctx, "/api/v1/workflows", spec, &detail, true); err != nil {
		return WorkflowDetail{}, err
	}
	return detail, nil
}

// GetWorkflow fetches a workflow with its tasks.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (WorkflowDetail, error) {
	var detail WorkflowDetail
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(workflowID), &detail, true); err != nil {
		return WorkflowDetail{}, err
	}
	return detail, nil
}

// GetTask fetches a single task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &task, true); err != nil {
		return Task{}, err
	}
	return task, nil
}

// CancelTask moves a non-terminal task into its failed state.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &task, true); err != nil {
		return Task{}, err
	}
	return task, nil
}

// PolicyDecision is the outcome of a dry-run authorization check.
type PolicyDecision struct {
	Effect     string `json:"effect"`
	RuleID     string `json:"rule_id,omitempty"`
	RuleName   string `json:"rule_name,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CheckPolicy evaluates a permission for an agent without side effects.
func (c *Client) CheckPolicy(ctx context.Context, agentID, permission string) (PolicyDecision, error) {
	payload := map[string]string{
		"agent_id":   agentID,
		"permission": permission,
	}
	var decision PolicyDecision
	if err := c.post(ctx, "/api/v1/policies/check", payload, &decision, true); err != nil {
		return PolicyDecision{}, err
	}
	return decision, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
