package volcengine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imgforge/internal/metrics"
	"imgforge/internal/providers"
)

const (
	defaultBaseURL = "https://visual.volcengineapi.com"
	service        = "cv"
	region         = "cn-north-1"
	apiVersion     = "2022-08-31"
	apiAction      = "CVProcess"
)

// identifiers carries the wire-level identifier pair for one model. The
// Jimeng API keys every request on both fields and they must agree.
type identifiers struct {
	ModelVersion string
	ReqKey       string
}

// Mode and model selection is table-driven: text-to-image identifiers are
// looked up per configured model name, image-to-image is a single fixed pair.
var (
	textToImageModels = map[string]identifiers{
		"jimeng-4.0": {ModelVersion: "general_v2.0", ReqKey: "high_aes_general_v20"},
		"jimeng-3.1": {ModelVersion: "general_v1.4", ReqKey: "jimeng_t2i_v31"},
		"jimeng-3.0": {ModelVersion: "general_v1.3", ReqKey: "jimeng_t2i_v30"},
	}

	defaultTextToImage = identifiers{ModelVersion: "general_v1.3", ReqKey: "jimeng_t2i_v30"}

	modeTable = map[providers.Mode]func(model string) identifiers{
		providers.ModeTextToImage: func(model string) identifiers {
			if ids, ok := textToImageModels[model]; ok {
				return ids
			}
			return defaultTextToImage
		},
		providers.ModeImageToImage: func(string) identifiers {
			return identifiers{ModelVersion: "img2img_v1.0", ReqKey: "jimeng_i2i_v30"}
		},
	}
)

type Config struct {
	BaseURL         string
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client
	MaxRetries      int
	BackoffBase     time.Duration
	Logger          zerolog.Logger
}

type Client struct {
	cfg  Config
	host string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccessKeyID) == "" || strings.TrimSpace(cfg.SecretAccessKey) == "" {
		return nil, &providers.AuthenticationError{
			Provider: "volcengine",
			Message:  "VOLCENGINE_ACCESS_KEY_ID and VOLCENGINE_SECRET_ACCESS_KEY must be set",
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{cfg: cfg, host: u.Host}, nil
}

var _ providers.ImageProvider = (*Client)(nil)

func (c *Client) Name() string {
	return "volcengine"
}

func (c *Client) Generate(ctx context.Context, req providers.Request) (providers.Result, error) {
	start := time.Now()

	ids := modeTable[req.Mode()](req.Model)
	body, err := buildBody(req, ids)
	if err != nil {
		return providers.Result{}, err
	}

	c.cfg.Logger.Debug().
		Str("mode", string(req.Mode())).
		Str("model_version", ids.ModelVersion).
		Str("req_key", ids.ReqKey).
		Int("width", req.Width).
		Int("height", req.Height).
		Msg("volcengine request")

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		res, err := c.callOnce(ctx, body, ids)
		if err == nil {
			res.Duration = time.Since(start)
			return res, nil
		}
		lastErr = err
		if !providers.Retryable(err) || attempt == c.cfg.MaxRetries {
			break
		}

		delay := backoffDelay(c.cfg.BackoffBase, attempt)
		if ra := providers.RetryAfter(err); ra > 0 {
			delay = ra
		}
		metrics.Global().ProviderRetries.Inc()
		c.cfg.Logger.Warn().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("volcengine call failed, retrying")
		select {
		case <-ctx.Done():
			return providers.Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return providers.Result{}, lastErr
}

// backoffDelay doubles the base each attempt and applies +/-25% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func buildBody(req providers.Request, ids identifiers) ([]byte, error) {
	payload := map[string]any{
		"req_key":       ids.ReqKey,
		"model_version": ids.ModelVersion,
		"prompt":        req.Prompt,
		"width":         req.Width,
		"height":        req.Height,
		"return_url":    false,
		"logo_info":     map[string]any{"add_logo": false},
	}
	if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}
	if len(req.ReferenceImage) > 0 {
		payload["binary_data_base64"] = []string{base64.StdEncoding.EncodeToString(req.ReferenceImage)}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal volcengine payload: %w", err)
	}
	return b, nil
}

func (c *Client) callOnce(ctx context.Context, body []byte, ids identifiers) (providers.Result, error) {
	query := url.Values{}
	query.Set("Action", apiAction)
	query.Set("Version", apiVersion)

	endpoint := c.cfg.BaseURL + "?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return providers.Result{}, &providers.Error{
			Provider: c.Name(), Message: "build request: " + err.Error(), Cause: err,
		}
	}
	for k, v := range c.signRequest(query, body, time.Now().UTC()) {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.Result{}, &providers.Error{
			Provider: c.Name(), Message: "request failed: " + err.Error(), Transient: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return providers.Result{}, &providers.Error{
			Provider: c.Name(), Message: "read response: " + err.Error(), Transient: true, Cause: err,
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code, msg := parseAPIError(respBody)
		return providers.Result{}, &providers.AuthenticationError{Provider: c.Name(), Code: code, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return providers.Result{}, &providers.RateLimitError{
			Provider:   c.Name(),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return providers.Result{}, &providers.Error{
			Provider:  c.Name(),
			Message:   fmt.Sprintf("server error: status %d", resp.StatusCode),
			Transient: true,
		}
	case resp.StatusCode >= 400:
		_, msg := parseAPIError(respBody)
		return providers.Result{}, &providers.Error{
			Provider: c.Name(),
			Message:  fmt.Sprintf("api error (status %d): %s", resp.StatusCode, msg),
		}
	}

	return c.parseSuccess(ctx, respBody, ids)
}

type apiResponse struct {
	ResponseMetadata struct {
		RequestId string `json:"RequestId"`
		Error     struct {
			Code    string `json:"Code"`
			Message string `json:"Message"`
		} `json:"Error"`
	} `json:"ResponseMetadata"`
	Data struct {
		BinaryDataBase64 []string `json:"binary_data_base64"`
		ImageURLs        []string `json:"image_urls"`
		Seed             *int64   `json:"seed"`
	} `json:"data"`
}

func (c *Client) parseSuccess(ctx context.Context, body []byte, ids identifiers) (providers.Result, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, &providers.Error{
			Provider: c.Name(), Message: "decode response: " + err.Error(), Cause: err,
		}
	}

	var image []byte
	switch {
	case len(resp.Data.BinaryDataBase64) > 0:
		decoded, err := base64.StdEncoding.DecodeString(resp.Data.BinaryDataBase64[0])
		if err != nil {
			return providers.Result{}, &providers.Error{
				Provider: c.Name(), Message: "decode image base64: " + err.Error(), Cause: err,
			}
		}
		image = decoded
	case len(resp.Data.ImageURLs) > 0:
		downloaded, err := c.download(ctx, resp.Data.ImageURLs[0])
		if err != nil {
			return providers.Result{}, err
		}
		image = downloaded
	default:
		return providers.Result{}, &providers.Error{Provider: c.Name(), Message: "no image in response"}
	}

	return providers.Result{
		Image:        image,
		RequestID:    resp.ResponseMetadata.RequestId,
		ModelVersion: ids.ModelVersion,
		Seed:         resp.Data.Seed,
	}, nil
}

// download normalizes URL-shaped responses into a local byte buffer so the
// pipeline never sees the response shape.
func (c *Client) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, &providers.Error{Provider: c.Name(), Message: "build image download: " + err.Error(), Cause: err}
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, &providers.Error{Provider: c.Name(), Message: "download image: " + err.Error(), Transient: true, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &providers.Error{
			Provider:  c.Name(),
			Message:   fmt.Sprintf("download image: status %d", resp.StatusCode),
			Transient: resp.StatusCode >= 500,
		}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &providers.Error{Provider: c.Name(), Message: "read image: " + err.Error(), Transient: true, Cause: err}
	}
	return b, nil
}

func parseAPIError(body []byte) (code, message string) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.ResponseMetadata.Error.Message != "" {
			return resp.ResponseMetadata.Error.Code, resp.ResponseMetadata.Error.Message
		}
	}
	var flat struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Message != "" {
		return flat.Code.String(), flat.Message
	}
	return "", strings.TrimSpace(string(body))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// signRequest implements the Volcengine V4 signature (HMAC-SHA256) over the
// canonical request. Header names are signed lowercase in sorted order.
func (c *Client) signRequest(query url.Values, body []byte, now time.Time) map[string]string {
	dateStamp := now.Format("20060102")
	xDate := now.Format("20060102T150405Z")

	payloadHash := sha256Hex(body)
	headers := map[string]string{
		"content-type":     "application/json",
		"host":             c.host,
		"x-content-sha256": payloadHash,
		"x-date":           xDate,
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		http.MethodPost,
		"/",
		query.Encode(),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := strings.Join([]string{dateStamp, region, service, "request"}, "/")
	stringToSign := strings.Join([]string{
		"HMAC-SHA256",
		xDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	kDate := hmacSHA256([]byte(c.cfg.SecretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	authorization := fmt.Sprintf(
		"HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.cfg.AccessKeyID, credentialScope, signedHeaders, signature,
	)

	return map[string]string{
		"Content-Type":     "application/json",
		"Host":             c.host,
		"X-Content-Sha256": payloadHash,
		"X-Date":           xDate,
		"Authorization":    authorization,
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
