package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animus-labs/rangekeeper/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "sa-token", "ranges", srv.Client())
	if err != nil {
		t.Fatalf("NewClient() err=%v", err)
	}
	return client
}

func TestCreateJobSetsKindAndNamespace(t *testing.T) {
	var got Job
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/apis/batch/v1/namespaces/ranges/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sa-token" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(raw)
	})

	err := client.CreateJob(context.Background(), "", Job{Metadata: ObjectMeta{Name: "rk-abc"}})
	if err != nil {
		t.Fatalf("CreateJob() err=%v", err)
	}
	if got.APIVersion != "batch/v1" || got.Kind != "Job" || got.Metadata.Namespace != "ranges" {
		t.Fatalf("unexpected job header %+v", got)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		want      error
		transient bool
	}{
		{status: http.StatusNotFound, want: ErrNotFound},
		{status: http.StatusConflict, want: ErrAlreadyExists},
		{status: http.StatusUnauthorized, want: ErrUnauthorized},
		{status: http.StatusForbidden, want: ErrForbidden},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := client.GetJob(context.Background(), "", "rk-abc")
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err=%v, want %v", tc.status, err, tc.want)
		}
		if domain.IsRetryable(err) != tc.transient {
			t.Fatalf("status %d: retryable=%v, want %v", tc.status, domain.IsRetryable(err), tc.transient)
		}
	}
}

func TestDeleteJobUsesBackgroundPropagation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/apis/batch/v1/namespaces/ranges/jobs/rk-abc" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("propagationPolicy") != "Background" {
			t.Errorf("propagationPolicy=%q", r.URL.Query().Get("propagationPolicy"))
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := client.DeleteJob(context.Background(), "", "rk-abc"); err != nil {
		t.Fatalf("DeleteJob() err=%v", err)
	}
}

func TestCreateSecretDefaultsToOpaque(t *testing.T) {
	var got Secret
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/namespaces/ranges/secrets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})
	err := client.CreateSecret(context.Background(), "", Secret{
		Metadata:   ObjectMeta{Name: "rk-abc"},
		StringData: map[string]string{"RK_RUN_TOKEN": "tok"},
	})
	if err != nil {
		t.Fatalf("CreateSecret() err=%v", err)
	}
	if got.Kind != "Secret" || got.Type != "Opaque" || got.StringData["RK_RUN_TOKEN"] != "tok" {
		t.Fatalf("unexpected secret %+v", got)
	}
}

func TestFindCondition(t *testing.T) {
	status := JobStatus{Conditions: []JobCondition{{Type: "Complete", Status: "True"}}}
	if _, ok := status.FindCondition("complete"); !ok {
		t.Fatalf("expected case-insensitive match")
	}
	if _, ok := status.FindCondition("Failed"); ok {
		t.Fatalf("unexpected Failed condition")
	}
}
