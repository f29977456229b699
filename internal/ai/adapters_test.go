package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func drain(chunks <-chan string, errs <-chan error) ([]string, error) {
	var out []string
	for c := range chunks {
		out = append(out, c)
	}
	return out, <-errs
}

func TestOpenRouterStreamChat(t *testing.T) {
	var gotAuth, gotTitle string
	var gotReq openAIChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		for _, d := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {\"choices\":[]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "sk-test", "", "chat-relay", openRouterCatalog(), time.Second)
	chunks, errs := p.StreamChat(context.Background(), "mistralai/mistral-7b-instruct",
		[]Message{{Role: RoleUser, Content: "hi"}})
	got, err := drain(chunks, errs)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "|") != "Hel|lo| world" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if gotAuth != "Bearer sk-test" || gotTitle != "chat-relay" {
		t.Fatalf("unexpected headers auth=%q title=%q", gotAuth, gotTitle)
	}
	if !gotReq.Stream || gotReq.Model != "mistralai/mistral-7b-instruct" || len(gotReq.Messages) != 1 {
		t.Fatalf("unexpected request %+v", gotReq)
	}
}

func TestOpenRouterMissingKeyIsServiceUnavailable(t *testing.T) {
	p := NewOpenRouterProvider("http://127.0.0.1:1", "", "", "", nil, time.Second)
	got, err := drain(p.StreamChat(context.Background(), "openrouter/auto", nil))
	if len(got) != 0 {
		t.Fatalf("expected no chunks")
	}
	if c := Classify(err); c.Kind != KindServiceUnavailable || c.Retryable {
		t.Fatalf("unexpected classification %+v for %v", c, err)
	}
}

func TestOpenAIStatusErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-bad", nil, time.Second)
	_, err := drain(p.StreamChat(context.Background(), "gpt-4o-mini", nil))
	ae, ok := AsError(err)
	if !ok || ae.Status != http.StatusUnauthorized || ae.Kind != KindServiceUnavailable {
		t.Fatalf("unexpected error %#v", err)
	}
	if !strings.Contains(ae.Message, "bad key") {
		t.Fatalf("expected provider body in message, got %q", ae.Message)
	}
}

func TestOllamaStreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"b"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ignored"},"done":false}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, nil, time.Second)
	got, err := drain(p.StreamChat(context.Background(), "llama3:latest", nil))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "") != "ab" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestOllamaModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model \"llama9\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, nil, time.Second)
	_, err := drain(p.StreamChat(context.Background(), "llama9", nil))
	if Classify(err).Kind != KindInvalidModel {
		t.Fatalf("expected invalid model, got %v", err)
	}
}

func TestConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	p := NewOllamaProvider(addr, nil, time.Second)
	_, err := drain(p.StreamChat(context.Background(), "llama3:latest", nil))
	if c := Classify(err); c.Kind != KindNetwork || !c.Retryable {
		t.Fatalf("unexpected classification %+v for %v", c, err)
	}
}

func TestHeaderTimeoutIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewOllamaProvider(srv.URL, nil, 50*time.Millisecond)
	_, err := drain(p.StreamChat(context.Background(), "llama3:latest", nil))
	if c := Classify(err); c.Kind != KindTimeout || !c.Retryable {
		t.Fatalf("unexpected classification %+v for %v", c, err)
	}
}

func TestStreamStopsAfterCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"t%d\"}}]}\n\n", i); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewOpenAIProvider(srv.URL, "sk", nil, time.Second)
	chunks, errs := p.StreamChat(ctx, "gpt-4o-mini", nil)

	<-chunks
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				if err := <-errs; Classify(err).Kind != KindCanceled {
					t.Fatalf("expected canceled, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("stream did not stop after cancel")
		}
	}
}

func TestGeminiStreamChat(t *testing.T) {
	var body geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-flash:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Bon\"},{\"text\":\"jour\"}]}}]}\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "g-key", nil, time.Second)
	model, err := p.ResolveModel("models/gemini-1.5-flash")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := drain(p.StreamChat(context.Background(), model, []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "") != "Bonjour" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if body.SystemInstruction == nil || len(body.Contents) != 2 || body.Contents[1].Role != "model" {
		t.Fatalf("unexpected request %+v", body)
	}
}
