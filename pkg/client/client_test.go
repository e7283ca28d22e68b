package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tagsmithhq/tagsmith/pkg/client"
)

func TestTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/v1/tag" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "sekrit" {
			t.Errorf("X-API-Key = %q", got)
		}
		var req client.TagRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(client.TagResponse{
			Results: []client.TagResult{{Text: req.Texts[0], Tags: []string{"t"}}},
		})
	}))
	defer srv.Close()

	c := client.New(srv.URL, client.WithAPIKey("sekrit"))
	resp, err := c.Tag(context.Background(), client.TagRequest{Texts: []string{"hello"}})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Text != "hello" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/tag/batch":
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"job_id":"job_abc"}`))
		case "/v1/tag/batch/job_abc":
			w.Write([]byte(`{"status":"SUCCESS","result":{"results":[{"text":"x","tags":[]}]}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	jobID, err := c.SubmitBatch(context.Background(), client.TagRequest{Texts: []string{"x"}})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if jobID != "job_abc" {
		t.Fatalf("jobID = %s", jobID)
	}

	status, err := c.BatchStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if status.Status != "SUCCESS" || status.Result == nil {
		t.Errorf("status = %+v", status)
	}
}

func TestTokenFlowSetsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/auth/token":
			w.Write([]byte(`{"access_token":"tok123","token_type":"bearer"}`))
		case "/v1/tag":
			if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
				t.Errorf("Authorization = %q", got)
			}
			w.Write([]byte(`{"results":[]}`))
		}
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	if _, err := c.Token(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := c.Tag(context.Background(), client.TagRequest{Texts: []string{"x"}}); err != nil {
		t.Fatalf("Tag: %v", err)
	}
}

func TestAPIErrorShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded","code":"RATE_LIMIT_EXCEEDED"}`))
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.Tag(context.Background(), client.TagRequest{Texts: []string{"x"}})
	apiErr, ok := err.(*client.APIError)
	if !ok {
		t.Fatalf("error type = %T (%v)", err, err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
