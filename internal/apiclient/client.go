package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UploadRequest describes one captured frame ready for analysis.
type UploadRequest struct {
	Data     []byte
	Filename string
	MIME     string
}

// ReconstructResponse mirrors the engine's passthrough payload. Raw holds the
// untouched body; both named fields are optional by contract.
type ReconstructResponse struct {
	ReconstructedBase64 string          `json:"reconstructed_base64"`
	Analysis            json.RawMessage `json:"analysis"`
	Raw                 json.RawMessage `json:"-"`
}

// HasReconstruction reports whether the engine returned an image.
func (r *ReconstructResponse) HasReconstruction() bool {
	return r.ReconstructedBase64 != ""
}

// APIError reports a non-2xx response from the orchestrator.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the reconstruction API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a client for the given base URL. A zero timeout leaves the
// round trip bounded only by the caller's context.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("apiclient"),
	}
}

// Reconstruct uploads one image under the form field "image" and returns the
// engine's verdict.
func (c *Client) Reconstruct(ctx context.Context, upload UploadRequest) (*ReconstructResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	mimeType := upload.MIME
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(upload.Filename)))
	header.Set("Content-Type", mimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(upload.Data)); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/reconstruct", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp.StatusCode, payload)
	}

	var result ReconstructResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result.Raw = payload

	c.logger.Debug("reconstruction response received",
		zap.String("request_id", resp.Header.Get("X-Request-Id")),
		zap.Int("bytes", len(payload)),
		zap.Bool("reconstructed", result.HasReconstruction()))
	return &result, nil
}

// CheckHealth probes the orchestrator's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

func decodeAPIError(status int, payload []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		apiErr.Message = body.Error
		apiErr.Details = body.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(payload))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
