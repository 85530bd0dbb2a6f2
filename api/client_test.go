package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/franksops/trainworker/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Retryable:   retry.StatusIn(retry.DefaultRetryableStatuses...),
		Backoff:     retry.Constant{},
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	session := NewSession(SessionOptions{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Policy:  testPolicy(),
	})
	return NewClient(session, Identity{MachineID: "machine-1", WorkerID: "worker-1"})
}

func TestGetWork_Empty(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/work" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[]`))
	}))

	job, err := client.GetWork(context.Background())
	if err != nil {
		t.Fatalf("GetWork failed: %v", err)
	}
	if job != nil {
		t.Errorf("Expected no job, got %+v", job)
	}
}

func TestGetWork_DecodesJob(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(HeaderAPIKey); got != "test-key" {
			t.Errorf("Expected api key header, got %q", got)
		}
		w.Write([]byte(`[{
			"id": "job-1",
			"resume_from": null,
			"data_bucket": "data",
			"instance_data_keys": ["a.png", "b.png"],
			"checkpoint_bucket": "ckpt",
			"checkpoint_prefix": "runs/job-1/",
			"training_script": "train.py",
			"max_training_steps": 1000,
			"use_8bit_adam": true
		}]`))
	}))

	job, err := client.GetWork(context.Background())
	if err != nil {
		t.Fatalf("GetWork failed: %v", err)
	}
	if job == nil || job.ID != "job-1" {
		t.Fatalf("Expected job-1, got %+v", job)
	}
	if job.ResumeKey() != "" {
		t.Errorf("Expected no resume key, got %q", job.ResumeKey())
	}
	if len(job.InstanceDataKeys) != 2 {
		t.Errorf("Expected 2 instance keys, got %d", len(job.InstanceDataKeys))
	}
	if job.MaxTrainingSteps != 1000 || !job.Use8BitAdam {
		t.Errorf("Training params not decoded: %+v", job.TrainingParams)
	}
}

func TestGetWork_StatusError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.GetWork(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if !se.Temporary() {
		t.Errorf("Expected 503 to be temporary")
	}
}

func TestHeartbeat_Canceled(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/heartbeat/job-1" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := client.Heartbeat(context.Background(), "job-1")
	if !errors.Is(err, ErrJobCanceled) {
		t.Fatalf("Expected ErrJobCanceled, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("Expected 400 to be retried to 3 attempts, got %d", n)
	}
}

func TestHeartbeat_ServerError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := client.Heartbeat(context.Background(), "job-1")
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, ErrJobCanceled) {
		t.Errorf("500 must not be reported as cancellation")
	}
}

func TestNotify_Payload(t *testing.T) {
	var got map[string]any
	var path string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))

	err := client.Notify(context.Background(), NotifyComplete, "ckpt", "runs/job-1/weights.safetensors", "job-1")
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if path != "/complete" {
		t.Errorf("Expected /complete, got %s", path)
	}
	if got["bucket_name"] != "ckpt" || got["job_id"] != "job-1" || got["machine_id"] != "machine-1" {
		t.Errorf("Unexpected payload %v", got)
	}
	if _, ok := got["project_name"]; ok {
		t.Errorf("Expected empty identity fields to be omitted, got %v", got)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(&StatusError{StatusCode: 404}) {
		t.Error("Expected 404 to be permanent")
	}
	if IsPermanent(&StatusError{StatusCode: 502}) {
		t.Error("Expected 502 not to be permanent")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("Expected plain error not to be permanent")
	}
}
