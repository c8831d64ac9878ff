package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pushdeploy/internal/client"
	"pushdeploy/internal/deployment"
	"pushdeploy/internal/domain"
	"pushdeploy/internal/metrics"
	"pushdeploy/internal/server"
	"pushdeploy/internal/service"
	"pushdeploy/internal/store"
	"pushdeploy/internal/webhook"
)

const secret = "test-secret-at-least-32-chars-long-for-signature-validation"

type stack struct {
	orch  *deployment.Orchestrator
	store store.Store
	ts    *httptest.Server
	api   *client.Client

	stopOnce sync.Once
}

// startStack wires the SQLite store, orchestrator, server and client the
// way serve does
func startStack(t *testing.T, dbPath string, services ...service.Service) *stack {
	t.Helper()

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	orch := deployment.New(deployment.Options{
		Store:   st,
		Logger:  logger,
		Metrics: m,
		Redact:  []string{secret},
	})
	if _, err := orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	srv := server.NewServer(service.NewRegistry(services), orch, logger, server.Options{
		WebhookSecret: secret,
		Metrics:       m,
	})
	ts := httptest.NewServer(srv.Router())

	api, err := client.New(ts.URL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	s := &stack{orch: orch, store: st, ts: ts, api: api}
	t.Cleanup(s.stop)
	return s
}

func (s *stack) stop() {
	s.stopOnce.Do(func() {
		s.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.orch.Shutdown(ctx)
		_ = s.store.Close()
	})
}

func testService(t *testing.T, name, command string, policy service.Policy) service.Service {
	return service.Service{
		Name:       name,
		Repository: "octo/" + name,
		Branch:     "main",
		Path:       t.TempDir(),
		Command:    command,
		Policy:     policy,
	}
}

// push sends a signed push event for repo and returns the response
func push(t *testing.T, s *stack, repo, delivery string) (*http.Response, map[string]any) {
	t.Helper()

	body := []byte(fmt.Sprintf(`{
		"ref": "refs/heads/main",
		"after": "0123456789abcdef",
		"repository": {"full_name": %q},
		"head_commit": {"id": "0123456789abcdef", "message": "Fix the thing"},
		"pusher": {"name": "octocat"}
	}`, repo))

	req, _ := http.NewRequest("POST", s.ts.URL+"/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", webhook.Sign(body, secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func waitTerminal(t *testing.T, s *stack, id string) *domain.Deployment {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		d, err := s.api.Get(context.Background(), id)
		if err == nil && d.Status.Terminal() {
			return d
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Deployment %s did not finish", id)
	return nil
}

// TestEndToEndDeployment follows a webhook-triggered deployment over the
// client and checks what was persisted
func TestEndToEndDeployment(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deployments.db")
	svc := testService(t, "api", `sleep 0.2; echo "deploying $PUSHDEPLOY_COMMIT"; echo warming >&2; echo done`, "")
	s := startStack(t, dbPath, svc)

	resp, body := push(t, s, "octo/api", "delivery-1")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %v", resp.StatusCode, body)
	}
	id, _ := body["deployment_id"].(string)
	if id == "" {
		t.Fatalf("Expected deployment_id in %v", body)
	}

	var stdout, stderr []string
	final, err := s.api.Follow(context.Background(), id, func(ev domain.StreamEvent) error {
		switch ev.Stream {
		case domain.StreamStdout:
			stdout = append(stdout, ev.Line)
		case domain.StreamStderr:
			stderr = append(stderr, ev.Line)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	if final.Status != domain.StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", final.Status)
	}
	if strings.Join(stdout, "|") != "deploying 0123456789abcdef|done" {
		t.Errorf("Unexpected stdout %v", stdout)
	}
	if strings.Join(stderr, "|") != "warming" {
		t.Errorf("Unexpected stderr %v", stderr)
	}

	list, err := s.api.List(context.Background(), domain.Filter{Service: "api"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Trigger.Source != domain.SourceWebhook {
		t.Fatalf("Unexpected list %+v", list)
	}
	if list[0].Trigger.CommitMessage != "Fix the thing" || list[0].Trigger.Pusher != "octocat" {
		t.Errorf("Trigger metadata not recorded: %+v", list[0].Trigger)
	}

	// A redelivery of the same event is acknowledged without a second run
	resp, body = push(t, s, "octo/api", "delivery-1")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for duplicate delivery, got %d: %v", resp.StatusCode, body)
	}

	// The record survives a restart
	s.stop()
	reopened := startStack(t, dbPath, svc)
	d, err := reopened.api.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get after restart failed: %v", err)
	}
	if d.Status != domain.StatusSucceeded || len(d.Logs) != 3 {
		t.Errorf("Unexpected persisted deployment %+v", d)
	}
	for i, entry := range d.Logs {
		if entry.Seq != int64(i+1) {
			t.Errorf("Log %d has seq %d", i, entry.Seq)
		}
	}
}

// TestRestartRecovery checks that a deployment interrupted by a crash is
// reported as failed after the next start
func TestRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deployments.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	started := time.Now().UTC().Add(-time.Minute)
	d := &domain.Deployment{
		ID:        "crashed",
		Service:   "api",
		Trigger:   domain.Trigger{Ref: "refs/heads/main", Branch: "main", Source: domain.SourceWebhook},
		Status:    domain.StatusQueued,
		CreatedAt: started,
	}
	ctx := context.Background()
	if err := st.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := st.UpdateStatus(ctx, d.ID, domain.StatusUpdate{Status: domain.StatusRunning, StartedAt: &started}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := st.AppendLog(ctx, d.ID, domain.LogEntry{Seq: 1, Stream: domain.StreamStdout, Text: "halfway", Time: started}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	st.Close()

	s := startStack(t, dbPath, testService(t, "api", "true", ""))

	got, err := s.api.Get(ctx, "crashed")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StatusFailed || got.FinishedAt == nil {
		t.Errorf("Expected failed with finish time, got %+v", got)
	}
	if len(got.Logs) != 2 || got.Logs[1].Stream != domain.StreamSystem || got.Logs[1].Seq != 2 {
		t.Errorf("Expected an appended system line, got %+v", got.Logs)
	}

	active, err := s.api.List(ctx, domain.Filter{Status: domain.StatusRunning})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected no running deployments, got %d", len(active))
	}
}

// TestConcurrentDeployments exercises the queue and reject policies over HTTP
func TestConcurrentDeployments(t *testing.T) {
	queued := testService(t, "worker", "sleep 0.3", service.PolicyQueue)
	rejecting := testService(t, "web", "sleep 1", service.PolicyReject)
	s := startStack(t, filepath.Join(t.TempDir(), "deployments.db"), queued, rejecting)

	var ids []string
	for i := 0; i < 3; i++ {
		resp, body := push(t, s, "octo/worker", fmt.Sprintf("worker-%d", i))
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("Push %d: expected 202, got %d", i, resp.StatusCode)
		}
		ids = append(ids, body["deployment_id"].(string))
	}

	var previous *domain.Deployment
	for _, id := range ids {
		d := waitTerminal(t, s, id)
		if d.Status != domain.StatusSucceeded {
			t.Errorf("Deployment %s: expected succeeded, got %s", id, d.Status)
		}
		if previous != nil && d.StartedAt.Before(*previous.FinishedAt) {
			t.Errorf("Deployment %s started before its predecessor finished", id)
		}
		previous = d
	}

	first, err := s.api.Deploy(context.Background(), "web", client.DeployRequest{Source: domain.SourceCLI})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	_, err = s.api.Deploy(context.Background(), "web", client.DeployRequest{Source: domain.SourceCLI})
	var apiErr client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("Expected 429 while a deployment is active, got %v", err)
	}

	if err := s.api.Cancel(context.Background(), first.DeploymentID, "superseded"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	d := waitTerminal(t, s, first.DeploymentID)
	if d.Status != domain.StatusFailed {
		t.Errorf("Expected canceled deployment to fail, got %s", d.Status)
	}
	if d.Trigger.Source != domain.SourceCLI {
		t.Errorf("Expected cli source, got %q", d.Trigger.Source)
	}
}
