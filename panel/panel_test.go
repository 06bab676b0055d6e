package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/askbatch/relay"
)

// stubBackend registers canned relay handlers the way the orchestrator does.
type stubBackend struct {
	started []relay.StartBatch
	stopped []string
	cleared bool
	tasks   map[string]relay.TaskSnapshot
}

func newStub() *stubBackend {
	return &stubBackend{tasks: map[string]relay.TaskSnapshot{}}
}

func (b *stubBackend) register(bus *relay.Bus) {
	bus.Handle(relay.KindStartBatch, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.StartBatch)
		b.started = append(b.started, c)
		snap := relay.TaskSnapshot{TaskID: "task_1", Status: "waiting", Label: c.Label, Total: len(c.Questions)}
		b.tasks[snap.TaskID] = snap
		return snap, nil
	})
	bus.Handle(relay.KindSnapshot, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.Snapshot)
		if c.TaskID == "" {
			out := make([]relay.TaskSnapshot, 0, len(b.tasks))
			for _, t := range b.tasks {
				out = append(out, t)
			}
			return out, nil
		}
		t, ok := b.tasks[c.TaskID]
		if !ok {
			return nil, errors.New("collector: task not found")
		}
		return []relay.TaskSnapshot{t}, nil
	})
	bus.Handle(relay.KindStopBatch, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.StopBatch)
		if _, ok := b.tasks[c.TaskID]; !ok {
			return nil, errors.New("collector: task not found")
		}
		b.stopped = append(b.stopped, c.TaskID)
		return nil, nil
	})
	bus.Handle(relay.KindExportNow, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.ExportNow)
		if _, ok := b.tasks[c.TaskID]; !ok {
			return nil, errors.New("collector: task not found")
		}
		return relay.ExportResult{TaskID: c.TaskID, Path: "/tmp/x.csv", Rows: 3}, nil
	})
	bus.Handle(relay.KindClearAll, func(ctx context.Context, cmd relay.Command) (any, error) {
		b.cleared = true
		b.tasks = map[string]relay.TaskSnapshot{}
		return nil, nil
	})
}

func newServer(t *testing.T) (*httptest.Server, *stubBackend) {
	t.Helper()
	bus := relay.New(nil)
	stub := newStub()
	stub.register(bus)
	srv := httptest.NewServer(New(bus).Router())
	t.Cleanup(srv.Close)
	return srv, stub
}

func uploadRequest(t *testing.T, url, csv, label string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("questions", "questions.csv")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(csv))
	if label != "" {
		mw.WriteField("label", label)
	}
	mw.Close()

	req, err := http.NewRequest("POST", url+"/api/batch", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestStartBatchUpload(t *testing.T) {
	srv, stub := newServer(t)

	req := uploadRequest(t, srv.URL, "question\nwhat is go\nwhy tests\n", "suite A")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var snap relay.TaskSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TaskID != "task_1" || snap.Total != 2 {
		t.Errorf("snapshot: %+v", snap)
	}
	if len(stub.started) != 1 || stub.started[0].Label != "suite A" {
		t.Errorf("backend saw: %+v", stub.started)
	}
}

func TestStartBatchEmptyFileIs400(t *testing.T) {
	// WHY: malformed uploads must never create a task.
	srv, stub := newServer(t)

	req := uploadRequest(t, srv.URL, "question\n", "")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d, want 400", resp.StatusCode)
	}
	if len(stub.started) != 0 {
		t.Error("task was created from empty upload")
	}
}

func TestStartBatchMissingFileIs400(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Post(srv.URL+"/api/batch", "multipart/form-data; boundary=xxx", strings.NewReader("--xxx--\r\n"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d, want 400", resp.StatusCode)
	}
}

func TestTaskStatusAndNotFound(t *testing.T) {
	srv, stub := newServer(t)
	stub.tasks["task_9"] = relay.TaskSnapshot{TaskID: "task_9", Status: "running", Total: 5, Current: 2}

	resp, err := http.Get(srv.URL + "/api/batch/task_9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var snap relay.TaskSnapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	if snap.Status != "running" || snap.Current != 2 {
		t.Errorf("snapshot: %+v", snap)
	}

	resp2, err := http.Get(srv.URL + "/api/batch/ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status: %d, want 404", resp2.StatusCode)
	}
}

func TestStopAndExport(t *testing.T) {
	srv, stub := newServer(t)
	stub.tasks["task_2"] = relay.TaskSnapshot{TaskID: "task_2", Status: "running"}

	resp, err := http.Post(srv.URL+"/api/batch/task_2/stop", "", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("stop status: %d", resp.StatusCode)
	}
	if len(stub.stopped) != 1 || stub.stopped[0] != "task_2" {
		t.Errorf("backend stops: %v", stub.stopped)
	}

	resp, err = http.Post(srv.URL+"/api/batch/task_2/export", "", nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	var res relay.ExportResult
	json.NewDecoder(resp.Body).Decode(&res)
	if res.Rows != 3 || res.Path == "" {
		t.Errorf("export result: %+v", res)
	}
}

func TestClearAll(t *testing.T) {
	srv, stub := newServer(t)
	stub.tasks["t"] = relay.TaskSnapshot{TaskID: "t"}

	req, _ := http.NewRequest("DELETE", srv.URL+"/api/batch", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !stub.cleared {
		t.Errorf("clear: status %d, cleared %v", resp.StatusCode, stub.cleared)
	}
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("shield headers missing")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("request ID missing")
	}
}
