package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

// DefaultBaseURL is the NanoBanana REST API root.
const DefaultBaseURL = "https://api.nanobananaapi.ai/api/v1"

// APIClient is a concrete implementation of the GenerationClient port that
// communicates with the NanoBanana REST API over HTTP.
type APIClient struct {
	apiKey  string
	baseURL string
	// HTTP client is configurable to allow overriding timeouts in tests.
	httpClient *http.Client
	log        *slog.Logger
}

// Option customizes an APIClient.
type Option func(*APIClient)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *APIClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *APIClient) {
		c.log = sl.OrDiscard(log).With(sl.Module("nanobanana"))
	}
}

// NewAPIClient constructs a new APIClient.  An empty apiKey is accepted so
// that the credit display can degrade gracefully; submitting a task then
// fails with domain.ErrMissingCredential.  If httpClient is nil, a client
// with a 60 second timeout will be used.
func NewAPIClient(apiKey string, httpClient *http.Client, opts ...Option) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &APIClient{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: httpClient,
		log:        sl.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the response wrapper shared by every endpoint.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type generateBody struct {
	Prompt      string   `json:"prompt"`
	Type        string   `json:"type"`
	NumImages   int      `json:"numImages"`
	ImageSize   string   `json:"image_size"`
	CallBackURL string   `json:"callBackUrl"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
	Watermark   string   `json:"watermark,omitempty"`
}

// SubmitTask implements the GenerationClient interface.  Credentials and the
// callback URL are checked before any network call; the request is sent
// exactly once.
func (c *APIClient) SubmitTask(ctx context.Context, req domain.GenerationRequest) (string, error) {
	if c.apiKey == "" {
		return "", domain.ErrMissingCredential
	}
	if strings.TrimSpace(req.CallbackURL) == "" {
		return "", domain.ErrMissingCallback
	}
	body := generateBody{
		Prompt:      req.Prompt,
		Type:        string(req.Mode()),
		NumImages:   req.NumImages,
		ImageSize:   req.AspectRatio,
		CallBackURL: req.CallbackURL,
		Watermark:   req.Watermark,
	}
	if req.Mode() == domain.ModeImageToImage {
		body.ImageURLs = make([]string, len(req.ImageURLs))
		for i, ref := range req.ImageURLs {
			body.ImageURLs[i] = string(ref)
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding request body: %w", err)
	}
	c.log.Debug("submitting task",
		slog.String("type", body.Type),
		slog.Int("images", len(body.ImageURLs)),
		slog.Int("num_images", body.NumImages),
		slog.String("image_size", body.ImageSize),
		sl.Secret(c.apiKey),
	)

	env, err := c.do(ctx, http.MethodPost, "/nanobanana/generate", payload)
	if err != nil {
		return "", err
	}
	switch env.Code {
	case http.StatusOK:
		var data struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", &domain.DecodeError{Status: env.Code, Err: err}
		}
		if data.TaskID == "" {
			return "", &domain.DecodeError{Status: env.Code, Err: errors.New("response has no taskId")}
		}
		return data.TaskID, nil
	case http.StatusBadRequest:
		return "", domain.ErrInvalidParameters
	case http.StatusUnauthorized:
		return "", domain.ErrUnauthorized
	case http.StatusInternalServerError:
		return "", domain.ErrProviderServer
	default:
		return "", genericError(env, "failed to generate image")
	}
}

// GetTaskDetails implements the GenerationClient interface.  A 404 envelope
// maps to domain.ErrTaskNotFound; other non-200 codes to a ProviderError.
func (c *APIClient) GetTaskDetails(ctx context.Context, taskID string) (domain.TaskDetails, error) {
	if c.apiKey == "" {
		return domain.TaskDetails{}, domain.ErrMissingCredential
	}
	path := "/nanobanana/record-info?" + url.Values{"taskId": {taskID}}.Encode()
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.TaskDetails{}, err
	}
	switch env.Code {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.TaskDetails{}, fmt.Errorf("task %s: %w", taskID, domain.ErrTaskNotFound)
	default:
		return domain.TaskDetails{}, genericError(env, fmt.Sprintf("failed to get task details (code: %d)", env.Code))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return domain.TaskDetails{}, &domain.DecodeError{Status: env.Code, Err: errors.New("response has no data")}
	}
	var details domain.TaskDetails
	if err := json.Unmarshal(env.Data, &details); err != nil {
		return domain.TaskDetails{}, &domain.DecodeError{Status: env.Code, Err: err}
	}
	details.Raw = env.Data
	if details.TaskID == "" {
		details.TaskID = taskID
	}
	return details, nil
}

// GetCredits implements the GenerationClient interface.  Without an API key
// the balance is reported as unknown rather than as an error.
func (c *APIClient) GetCredits(ctx context.Context) (domain.AccountCredits, error) {
	if c.apiKey == "" {
		c.log.Warn("api key not configured, credits unknown")
		return domain.AccountCredits{}, nil
	}
	env, err := c.do(ctx, http.MethodGet, "/common/credit", nil)
	if err != nil {
		return domain.AccountCredits{}, err
	}
	switch env.Code {
	case http.StatusOK:
		var balance int
		if err := json.Unmarshal(env.Data, &balance); err != nil {
			return domain.AccountCredits{}, &domain.DecodeError{Status: env.Code, Err: err}
		}
		return domain.AccountCredits{Balance: balance, Known: true}, nil
	case http.StatusUnauthorized:
		return domain.AccountCredits{}, domain.ErrUnauthorized
	case http.StatusPaymentRequired:
		return domain.AccountCredits{}, domain.ErrInsufficientCredits
	case http.StatusTooManyRequests:
		return domain.AccountCredits{}, domain.ErrRateLimited
	case http.StatusInternalServerError:
		return domain.AccountCredits{}, domain.ErrProviderServer
	default:
		return domain.AccountCredits{}, genericError(env, "failed to fetch credits")
	}
}

// do sends one authorized request and decodes the response envelope.  The
// envelope code, not the HTTP status, decides the outcome.
func (c *APIClient) do(ctx context.Context, method, path string, payload []byte) (envelope, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return envelope{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return envelope{}, ctx.Err()
		}
		return envelope{}, &domain.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, &domain.TransportError{Op: "reading response", Err: err}
	}
	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return envelope{}, &domain.DecodeError{Status: resp.StatusCode, Err: err}
	}
	c.log.Debug("provider response",
		slog.String("path", path),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("code", env.Code),
	)
	return env, nil
}

func genericError(env envelope, fallback string) error {
	msg := env.Msg
	if msg == "" {
		msg = fallback
	}
	return &domain.ProviderError{Code: env.Code, Message: msg}
}

// Ensure APIClient satisfies the GenerationClient interface at compile time.
var _ ports.GenerationClient = (*APIClient)(nil)
