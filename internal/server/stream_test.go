package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pushdeploy/internal/domain"
)

// readSSE collects the events of a server-sent event stream until it ends
func readSSE(t *testing.T, url string) []domain.StreamEvent {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %q", ct)
	}

	var events []domain.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev domain.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("Bad event data %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func checkFeed(t *testing.T, events []domain.StreamEvent, wantLines []string, wantStatus domain.Status) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("Expected events")
	}

	last := events[len(events)-1]
	if last.Type != domain.EventStatus {
		t.Fatalf("Expected final status event, got %+v", last)
	}
	if last.Status != wantStatus {
		t.Errorf("Expected status %s, got %s", wantStatus, last.Status)
	}

	var lines []string
	for i, ev := range events[:len(events)-1] {
		if ev.Type != domain.EventLog {
			t.Fatalf("Event %d: expected log, got %s", i, ev.Type)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
		if ev.Stream == domain.StreamStdout {
			lines = append(lines, ev.Line)
		}
	}

	if strings.Join(lines, ",") != strings.Join(wantLines, ",") {
		t.Errorf("Expected lines %v, got %v", wantLines, lines)
	}
}

func TestLogStream_LiveFollow(t *testing.T) {
	env := setupTestServer(t, "sleep 0.3; for i in 1 2 3; do echo $i; sleep 0.05; done", Options{})
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	d, err := env.orch.Start(context.Background(), env.svc, domain.Trigger{Ref: "refs/heads/main", Branch: "main"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := readSSE(t, ts.URL+"/api/deployments/"+d.ID+"/logs")
	checkFeed(t, events, []string{"1", "2", "3"}, domain.StatusSucceeded)

	if code := events[len(events)-1].ExitCode; code == nil || *code != 0 {
		t.Errorf("Expected exit code 0 in status event, got %v", code)
	}
}

func TestLogStream_LateSubscriber(t *testing.T) {
	env := setupTestServer(t, "echo a; echo b; exit 1", Options{})
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	d, err := env.orch.Start(context.Background(), env.svc, domain.Trigger{Ref: "refs/heads/main", Branch: "main"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForTerminal(t, env.orch, d.ID)

	events := readSSE(t, ts.URL+"/api/deployments/"+d.ID+"/logs")
	checkFeed(t, events, []string{"a", "b"}, domain.StatusFailed)

	system := events[len(events)-2]
	if system.Stream != domain.StreamSystem || system.Line != "deployment failed: command exited with code 1" {
		t.Errorf("Unexpected system line %+v", system)
	}
}

func TestLogStream_Heartbeat(t *testing.T) {
	env := setupTestServer(t, "sleep 0.5; echo done", Options{Heartbeat: 50 * time.Millisecond})
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	d, err := env.orch.Start(context.Background(), env.svc, domain.Trigger{Ref: "refs/heads/main", Branch: "main"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/deployments/" + d.ID + "/logs")
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	pings := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == ": ping" {
			pings++
		}
	}
	if pings == 0 {
		t.Error("Expected at least one heartbeat comment")
	}
}

func TestLogSocket(t *testing.T) {
	env := setupTestServer(t, "sleep 0.2; echo x; echo y", Options{})
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	d, err := env.orch.Start(context.Background(), env.svc, domain.Trigger{Ref: "refs/heads/main", Branch: "main"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/deployments/" + d.ID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected 101, got %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))

	var events []domain.StreamEvent
	for {
		var ev domain.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("Read failed: %v", err)
			}
			break
		}
		events = append(events, ev)
	}

	checkFeed(t, events, []string{"x", "y"}, domain.StatusSucceeded)
}

func TestLogSocket_UnknownDeployment(t *testing.T) {
	env := setupTestServer(t, "true", Options{})
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/deployments/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 response, got %v", resp)
	}
}
