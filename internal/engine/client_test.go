package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ts-klassen/vvx-worker/internal/engine"
)

func TestHTTPServiceSetSpeaker(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	svc := engine.NewHTTPService(ts.URL + "/api/v1/")
	if err := svc.SetSpeaker(context.Background(), "ev42", 3, 11); err != nil {
		t.Fatalf("SetSpeaker: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if want := "/api/v1/evaluations/ev42/engines/3/speaker"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotBody["speaker_id"] != float64(11) {
		t.Errorf("speaker_id = %v, want 11", gotBody["speaker_id"])
	}
}

func TestHTTPServiceSynthesize(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	svc := engine.NewHTTPService(ts.URL)
	if err := svc.Synthesize(context.Background(), "ev42", 0, 5, "task-9"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if want := "/evaluations/ev42/engines/0/synthesis"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotBody["task_id"] != "task-9" {
		t.Errorf("task_id = %v, want task-9", gotBody["task_id"])
	}
	if gotBody["speaker_id"] != float64(5) {
		t.Errorf("speaker_id = %v, want 5", gotBody["speaker_id"])
	}
}

func TestHTTPServiceSurfacesServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "speaker mismatch", http.StatusInternalServerError)
	}))
	defer ts.Close()

	svc := engine.NewHTTPService(ts.URL)
	err := svc.Synthesize(context.Background(), "ev1", 0, 0, "t1")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	var remoteErr *engine.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remoteErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", remoteErr.Status)
	}
}
