package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentPlane/internal/errors"
)

func TestRemoteExecuteSuccess(t *testing.T) {
	var captured Dispatch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode dispatch: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"output":       "done",
			"observations": "trace-1",
		})
	}))
	defer server.Close()

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL, Token: "secret-token"})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}

	result, err := remote.Execute(context.Background(), Dispatch{
		TaskID:     "task-1",
		WorkflowID: "wf-1",
		TaskName:   "index-documents",
		AgentID:    "agent-1",
		Payload:    map[string]string{"source": "s3://bucket"},
		Attempt:    1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "done" || result.Observations != "trace-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if captured.TaskID != "task-1" || captured.AgentID != "agent-1" || captured.Payload["source"] != "s3://bucket" {
		t.Fatalf("unexpected dispatch payload %+v", captured)
	}
}

func TestRemoteExecuteLegacyResponseField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "legacy"})
	}))
	defer server.Close()

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	result, err := remote.Execute(context.Background(), Dispatch{TaskID: "t"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "legacy" {
		t.Fatalf("expected legacy field fallback, got %+v", result)
	}
}

func TestRemoteExecuteServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	_, err = remote.Execute(context.Background(), Dispatch{TaskID: "t"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("5xx failures must stay retryable")
	}
}

func TestRemoteExecuteClientErrorNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad dispatch", http.StatusBadRequest)
	}))
	defer server.Close()

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	_, err = remote.Execute(context.Background(), Dispatch{TaskID: "t"})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if xerrors.RetryableError(err) {
		t.Fatal("4xx failures must not be retried")
	}
}

func TestRemoteExecuteTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = remote.Execute(ctx, Dispatch{TaskID: "t"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("timeouts must be retryable")
	}
}
