package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransportWireContract(t *testing.T) {
	var gotBody, gotAuth, gotType, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"name\":\"阿福\"}"}}]}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "secret")
	text, err := tr.Complete(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "user", Content: "起个名"}},
		Temperature: 1.2,
		MaxTokens:   30,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `{"name":"阿福"}` {
		t.Fatalf("text=%q", text)
	}
	want := `{"messages":[{"role":"user","content":"起个名"}],"temperature":1.2,"max_tokens":30}`
	if gotBody != want {
		t.Fatalf("body=%s want=%s", gotBody, want)
	}
	if gotMethod != http.MethodPost || gotType != "application/json" || gotAuth != "Bearer secret" {
		t.Fatalf("method=%q type=%q auth=%q", gotMethod, gotType, gotAuth)
	}
}

func TestHTTPTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"error body", 200, `{"error":"quota exhausted"}`, ErrServiceUnavailable},
		{"error object", 200, `{"error":{"message":"bad key"}}`, ErrServiceUnavailable},
		{"server error", 502, `upstream down`, ErrServiceUnavailable},
		{"no choices", 200, `{"choices":[]}`, ErrServiceMalformed},
		{"not json", 200, `<html>`, ErrServiceMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewHTTPTransport(srv.URL, "").Complete(context.Background(), ChatRequest{})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want=%v", err, tc.wantErr)
			}
		})
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPTransport(srv.URL, "").Complete(ctx, ChatRequest{})
	if !errors.Is(err, ErrServiceTimeout) {
		t.Fatalf("err=%v want=%v", err, ErrServiceTimeout)
	}
}

func TestGatewayOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"好嘞 {\"selectedNPC\":\"面人李\",\"reason\":\"想要个马\"}"}}]}`)
	}))
	defer srv.Close()

	g := startGateway(t, NewHTTPTransport(srv.URL, ""), fastConfig())
	res := waitResult(t, g.Submit(DecisionRequest(DecisionContext{
		Tourist: "阿福",
		Balance: 50,
		Options: []VendorOption{{Name: "面人李", Product: "面人", Price: 15}},
	})))
	var d Decision
	if err := res.Decode(&d); err != nil || d.SelectedNPC != "面人李" {
		t.Fatalf("decision=%+v err=%v", d, err)
	}
}

func TestNewHTTPTransportDisabled(t *testing.T) {
	if tr := NewHTTPTransport("  ", "x"); tr != nil {
		t.Fatal("blank endpoint should return nil")
	}
	var tr *HTTPTransport
	if _, err := tr.Complete(context.Background(), ChatRequest{}); !errors.Is(err, ErrGatewayDisabled) {
		t.Fatalf("err=%v", err)
	}
}
