package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

// DefaultImgBBUploadURL is the imgbb upload endpoint.
const DefaultImgBBUploadURL = "https://api.imgbb.com/1/upload"

// ImgBBClient implements the ImageHost port on top of imgbb.  Any hosting
// failure degrades to an inline data URL; only reading the local image can
// fail the upload.
type ImgBBClient struct {
	apiKey     string
	uploadURL  string
	httpClient *http.Client
	log        *slog.Logger
}

// NewImgBBClient constructs an ImgBBClient.  An empty apiKey selects the
// data URL path for every upload.  If uploadURL is empty the public imgbb
// endpoint is used; if httpClient is nil, a client with a 60 second timeout
// will be used.
func NewImgBBClient(apiKey, uploadURL string, httpClient *http.Client, log *slog.Logger) *ImgBBClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if uploadURL == "" {
		uploadURL = DefaultImgBBUploadURL
	}
	return &ImgBBClient{
		apiKey:     apiKey,
		uploadURL:  uploadURL,
		httpClient: httpClient,
		log:        sl.OrDiscard(log).With(sl.Module("imgbb")),
	}
}

type imgbbResponse struct {
	Success bool `json:"success"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Upload implements the ImageHost interface.
func (c *ImgBBClient) Upload(ctx context.Context, img domain.UploadedImage) (domain.RemoteImageRef, error) {
	data, err := img.Read()
	if err != nil {
		return "", err
	}
	log := c.log.With(slog.String("image", img.Name), slog.String("id", img.ID))
	if c.apiKey == "" {
		log.Warn("imgbb api key not configured, using data url")
		return EncodeDataURL(data), nil
	}
	url, err := c.post(ctx, img.Name, data)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Error("imgbb upload failed, falling back to data url", sl.Err(err))
		return EncodeDataURL(data), nil
	}
	log.Debug("image uploaded", slog.String("url", url))
	return domain.RemoteImageRef(url), nil
}

func (c *ImgBBClient) post(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if name == "" {
		name = "image"
	}
	part, err := w.CreateFormFile("image", name)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing form file: %w", err)
	}
	if err := w.WriteField("key", c.apiKey); err != nil {
		return "", fmt.Errorf("writing key field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	var decoded imgbbResponse
	if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
		return "", fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !decoded.Success {
		msg := decoded.Error.Message
		if msg == "" {
			msg = "failed to upload image"
		}
		return "", errors.New(msg)
	}
	if decoded.Data.URL == "" {
		return "", errors.New("response has no url")
	}
	return decoded.Data.URL, nil
}

// EncodeDataURL renders image bytes as a self-contained data URL.  The MIME
// type is sniffed from the content.
func EncodeDataURL(data []byte) domain.RemoteImageRef {
	mime := http.DetectContentType(data)
	return domain.RemoteImageRef("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
}

var _ ports.ImageHost = (*ImgBBClient)(nil)
