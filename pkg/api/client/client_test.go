package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL + "/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestCreateProjectSendsStack(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/projects" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization %q", got)
		}
		var payload CreateProjectInput
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Name != "shop" || payload.Stack.Backend != "java" {
			t.Fatalf("unexpected payload %+v", payload)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Project{ID: "p1", Name: payload.Name, Status: "created"})
	})

	project, err := cli.CreateProject(context.Background(), " tok ", CreateProjectInput{Name: "shop", Stack: Stack{Backend: "java", Frontend: "react"}})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if project.ID != "p1" || project.Status != "created" {
		t.Fatalf("unexpected project %+v", project)
	}
}

func TestAPIErrorCarriesStatusAndField(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unsupported backend","field":"stack.backend"}`))
	})

	_, err := cli.CreateProject(context.Background(), "tok", CreateProjectInput{Name: "x"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Field != "stack.backend" || apiErr.Message != "unsupported backend" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestTriggerAndConflict(t *testing.T) {
	calls := 0
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/p1/deploy" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"run already active"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(PipelineRun{ID: "r1", Kind: "deploy", Status: "running"})
	})

	run, err := cli.Trigger(context.Background(), "tok", "p1", ActionDeploy)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if run.ID != "r1" || run.Terminal() {
		t.Fatalf("unexpected run %+v", run)
	}
	if _, err := cli.Trigger(context.Background(), "tok", "p1", ActionDeploy); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := cli.Trigger(context.Background(), "tok", "p1", "launch"); err == nil {
		t.Fatal("unknown action should be rejected locally")
	}
}

func TestCancelWithoutActiveRun(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"canceled":false,"run":null}`))
	})
	run, err := cli.CancelPipeline(context.Background(), "tok", "p1")
	if err != nil || run != nil {
		t.Fatalf("expected idle cancel, got %+v, %v", run, err)
	}
}

func TestDeleteProjectNoContent(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := cli.DeleteProject(context.Background(), "tok", "p1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
}

func TestPipelineHistoryQuery(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/p1/pipeline/history" || r.URL.Query().Get("limit") != "5" {
			t.Fatalf("unexpected request %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode([]PipelineRun{{ID: "r2"}, {ID: "r1"}})
	})
	runs, err := cli.PipelineHistory(context.Background(), "tok", "p1", 5)
	if err != nil {
		t.Fatalf("PipelineHistory: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestWatchPipelineStopsAtTerminalRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/pipelines" || r.URL.Query().Get("project_id") != "p1" {
			t.Fatalf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, status := range []string{"running", "success"} {
			_ = conn.WriteJSON(map[string]any{"type": "pipeline.run.updated", "run": PipelineRun{ID: "r1", Status: status}})
		}
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var seen []string
	err := cli.WatchPipeline(ctx, "tok", "p1", func(run PipelineRun) bool {
		seen = append(seen, run.Status)
		return !run.Terminal()
	})
	if err != nil {
		t.Fatalf("WatchPipeline: %v", err)
	}
	if len(seen) != 2 || seen[1] != "success" {
		t.Fatalf("unexpected snapshots %v", seen)
	}

	if err := cli.WatchPipeline(ctx, "bad", "p1", func(PipelineRun) bool { return false }); err == nil {
		t.Fatal("expected handshake failure")
	}
}
