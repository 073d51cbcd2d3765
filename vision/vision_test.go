package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func chatServer(t *testing.T, reply func(prompt string) string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content []struct {
					Type     string `json:"type"`
					Text     string `json:"text"`
					ImageURL struct {
						URL string `json:"url"`
					} `json:"image_url"`
				} `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var prompt string
		for _, part := range req.Messages[0].Content {
			if part.Type == "text" {
				prompt = part.Text
			}
			if part.Type == "image_url" && !strings.HasPrefix(part.ImageURL.URL, "data:image/") {
				http.Error(w, "bad image url", http.StatusBadRequest)
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": reply(prompt)}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeSupported(t *testing.T) {
	srv := chatServer(t, func(string) string { return "A tiny transparent square." })
	e := NewExtractor(WithEndpoint(srv.URL), WithModel("llava"))

	ok, err := e.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !ok {
		t.Error("Probe() = false, want true")
	}
}

func TestProbeUnsupportedSentinels(t *testing.T) {
	replies := []string{
		"I cannot see any image in this conversation.",
		"Sorry, this model does not support vision inputs.",
		"There is no image attached to your message.",
		"I see no picture here.",
	}

	for _, reply := range replies {
		t.Run(reply[:20], func(t *testing.T) {
			r := reply
			srv := chatServer(t, func(string) string { return r })
			e := NewExtractor(WithEndpoint(srv.URL))

			ok, err := e.Probe(context.Background())
			if err != nil {
				t.Fatalf("Probe() error = %v", err)
			}
			if ok {
				t.Errorf("Probe() = true for reply %q, want false", r)
			}
		})
	}
}

func TestProbeCachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "a square"}}},
		})
	}))
	defer srv.Close()

	e := NewExtractor(WithEndpoint(srv.URL))
	for i := 0; i < 3; i++ {
		if _, err := e.Probe(context.Background()); err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("probe hit the endpoint %d times, want 1", calls)
	}

	// Config change invalidates the cache.
	e.UpdateConfig(srv.URL, "new-model", "")
	if _, err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() after UpdateConfig error = %v", err)
	}
	if calls != 2 {
		t.Errorf("probe after UpdateConfig hit the endpoint %d times total, want 2", calls)
	}
}

func TestProbeEndpointErrorNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewExtractor(WithEndpoint(srv.URL))
	if _, err := e.Probe(context.Background()); err == nil {
		t.Fatal("Probe() error = nil, want error")
	}
	if e.probed {
		t.Error("failed probe must not be cached")
	}
}

func TestExtract(t *testing.T) {
	srv := chatServer(t, func(string) string {
		return "  A whiteboard with the text: project deadline Friday.  "
	})
	e := NewExtractor(WithEndpoint(srv.URL), WithModel("llava"))

	text, err := e.Extract(context.Background(), []byte{0x89, 0x50}, ".png")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != "A whiteboard with the text: project deadline Friday." {
		t.Errorf("Extract() = %q", text)
	}
}

func TestExtractNoText(t *testing.T) {
	srv := chatServer(t, func(string) string { return "no text" })
	e := NewExtractor(WithEndpoint(srv.URL))

	_, err := e.Extract(context.Background(), []byte{1}, ".jpg")
	if !errors.Is(err, ErrNoText) {
		t.Errorf("Extract() error = %v, want ErrNoText", err)
	}
}

func TestExtractLongReplyMentioningNoTextIsKept(t *testing.T) {
	reply := "A photo of a beach at sunset with palm trees and waves; there is no text anywhere in the scene."
	srv := chatServer(t, func(string) string { return reply })
	e := NewExtractor(WithEndpoint(srv.URL))

	text, err := e.Extract(context.Background(), []byte{1}, ".jpg")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if text != reply {
		t.Errorf("Extract() = %q, want full description", text)
	}
}

func TestExtractUnsupported(t *testing.T) {
	srv := chatServer(t, func(string) string { return "I cannot see images." })
	e := NewExtractor(WithEndpoint(srv.URL))

	_, err := e.Extract(context.Background(), []byte{1}, ".png")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("Extract() error = %v, want ErrUnsupported", err)
	}
}

func TestMIMEFromExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{".png", "image/png"},
		{"png", "image/png"},
		{".jpg", "image/jpeg"},
		{".JPEG", "image/jpeg"},
		{".gif", "image/gif"},
		{".webp", "image/webp"},
		{".svg", "image/svg+xml"},
		{".bmp", "image/bmp"},
		{".tif", "image/tiff"},
		{".tiff", "image/tiff"},
		{".xyz", "image/png"},
		{"", "image/png"},
	}
	for _, tt := range tests {
		if got := MIMEFromExtension(tt.ext); got != tt.want {
			t.Errorf("MIMEFromExtension(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}
