package volcengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"imgforge/internal/providers"
)

func testClient(t *testing.T, serverURL string, maxRetries int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:         serverURL,
		AccessKeyID:     "AKTEST",
		SecretAccessKey: "secret",
		MaxRetries:      maxRetries,
		BackoffBase:     5 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func successBody(t *testing.T, image []byte) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ResponseMetadata": map[string]any{"RequestId": "req-1"},
		"data": map[string]any{
			"binary_data_base64": []string{base64.StdEncoding.EncodeToString(image)},
		},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{})
	var ae *providers.AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(successBody(t, []byte("png-bytes")))
	}))
	defer server.Close()

	c := testClient(t, server.URL, 3)
	start := time.Now()
	res, err := c.Generate(context.Background(), providers.Request{
		Prompt: "flat icon of home", Width: 512, Height: 512, Model: "jimeng-3.0",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts: %d", attempts)
	}
	if string(res.Image) != "png-bytes" {
		t.Fatalf("image: %q", res.Image)
	}
	// duration is cumulative across all attempts, including backoff sleeps
	if res.Duration <= 0 || res.Duration > time.Since(start)+time.Second {
		t.Fatalf("duration: %s", res.Duration)
	}
	if res.ModelVersion != "general_v1.3" {
		t.Fatalf("model version: %q", res.ModelVersion)
	}
}

func TestGenerateAuthErrorSingleAttempt(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ResponseMetadata":{"Error":{"Code":"InvalidAccessKey","Message":"bad key"}}}`))
	}))
	defer server.Close()

	c := testClient(t, server.URL, 5)
	_, err := c.Generate(context.Background(), providers.Request{Prompt: "x", Width: 1, Height: 1})
	var ae *providers.AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if ae.Code != "InvalidAccessKey" {
		t.Fatalf("code: %q", ae.Code)
	}
	if attempts != 1 {
		t.Fatalf("auth errors must not retry, attempts=%d", attempts)
	}
}

func TestGenerateClientErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":50411,"message":"prompt rejected"}`))
	}))
	defer server.Close()

	c := testClient(t, server.URL, 5)
	_, err := c.Generate(context.Background(), providers.Request{Prompt: "x", Width: 1, Height: 1})
	if err == nil || providers.Retryable(err) {
		t.Fatalf("expected fatal provider error, got %v", err)
	}
	if !strings.Contains(err.Error(), "prompt rejected") {
		t.Fatalf("message lost: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts: %d", attempts)
	}
}

func TestGenerateRateLimitRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(successBody(t, []byte("img")))
	}))
	defer server.Close()

	c := testClient(t, server.URL, 2)
	_, err := c.Generate(context.Background(), providers.Request{Prompt: "x", Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts: %d", attempts)
	}
}

func TestGenerateRateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(t, server.URL, 1)
	_, err := c.Generate(context.Background(), providers.Request{Prompt: "x", Width: 1, Height: 1})
	var rl *providers.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestGenerateModeTable(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}
		w.Write(successBody(t, []byte("img")))
	}))
	defer server.Close()

	c := testClient(t, server.URL, 0)

	// text-to-image identifiers follow the configured model
	_, err := c.Generate(context.Background(), providers.Request{
		Prompt: "x", Width: 1, Height: 1, Model: "jimeng-4.0",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got["req_key"] != "high_aes_general_v20" || got["model_version"] != "general_v2.0" {
		t.Fatalf("text-to-image identifiers: %v %v", got["req_key"], got["model_version"])
	}
	if _, ok := got["binary_data_base64"]; ok {
		t.Fatal("text-to-image request carried reference bytes")
	}

	// reference bytes switch to the fixed image-to-image pair
	_, err = c.Generate(context.Background(), providers.Request{
		Prompt: "x", Width: 1, Height: 1, Model: "jimeng-4.0",
		ReferenceImage: []byte("ref-bytes"),
	})
	if err != nil {
		t.Fatalf("generate i2i: %v", err)
	}
	if got["req_key"] != "jimeng_i2i_v30" || got["model_version"] != "img2img_v1.0" {
		t.Fatalf("image-to-image identifiers: %v %v", got["req_key"], got["model_version"])
	}
	refs, ok := got["binary_data_base64"].([]any)
	if !ok || len(refs) != 1 {
		t.Fatalf("reference payload: %v", got["binary_data_base64"])
	}
	decoded, err := base64.StdEncoding.DecodeString(refs[0].(string))
	if err != nil || string(decoded) != "ref-bytes" {
		t.Fatalf("reference not base64-encoded: %v %q", err, decoded)
	}
}

func TestGenerateDownloadsURLResponse(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/image.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("downloaded-bytes"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"ResponseMetadata": map[string]any{"RequestId": "req-2"},
			"data":             map[string]any{"image_urls": []string{server.URL + "/image.png"}},
		})
		w.Write(body)
	})

	c := testClient(t, server.URL, 0)
	res, err := c.Generate(context.Background(), providers.Request{Prompt: "x", Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(res.Image) != "downloaded-bytes" {
		t.Fatalf("image: %q", res.Image)
	}
}

func TestGenerateSignsRequest(t *testing.T) {
	var header http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		w.Write(successBody(t, []byte("img")))
	}))
	defer server.Close()

	c := testClient(t, server.URL, 0)
	if _, err := c.Generate(context.Background(), providers.Request{Prompt: "x", Width: 1, Height: 1}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	auth := header.Get("Authorization")
	if !strings.HasPrefix(auth, "HMAC-SHA256 Credential=AKTEST/") {
		t.Fatalf("authorization: %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=content-type;host;x-content-sha256;x-date") {
		t.Fatalf("signed headers: %q", auth)
	}
	if header.Get("X-Date") == "" || header.Get("X-Content-Sha256") == "" {
		t.Fatalf("signing headers missing: %v", header)
	}
	// the secret must never appear in any header
	for name, values := range header {
		for _, v := range values {
			if strings.Contains(v, "secret") {
				t.Fatalf("credential material leaked in %s", name)
			}
		}
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		expected := base << attempt
		for i := 0; i < 50; i++ {
			d := backoffDelay(base, attempt)
			if d < expected*3/4 || d > expected*5/4 {
				t.Fatalf("attempt %d: delay %s outside +/-25%% of %s", attempt, d, expected)
			}
		}
	}
}
