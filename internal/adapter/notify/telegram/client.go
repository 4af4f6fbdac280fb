// Package telegram delivers user and admin notifications over the Bot API.
// Delivery is best-effort: failures are logged and never propagate into the
// caller's transaction.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/followaudit/followaudit/internal/domain"
)

// Client is a minimal Bot API transport for sendMessage and sendDocument.
type Client struct {
	token    string
	baseURL  string
	adminIDs []int64
	httpc    *http.Client
}

// New constructs a Client. baseURL defaults to the public Bot API host.
func New(token, baseURL string, adminIDs []int64) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Client{
		token:    token,
		baseURL:  baseURL,
		adminIDs: adminIDs,
		httpc: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (c *Client) call(ctx context.Context, method string, contentType string, body io.Reader) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("op=telegram.%s: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("op=telegram.%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("op=telegram.%s: status=%d: %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		return fmt.Errorf("op=telegram.%s: status=%d: %s", method, resp.StatusCode, parsed.Description)
	}
	return nil
}

// SendText delivers a plain message to one chat.
func (c *Client) SendText(ctx domain.Context, userID int64, body string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": userID,
		"text":    body,
	})
	if err != nil {
		return fmt.Errorf("op=telegram.sendMessage.marshal: %w", err)
	}
	return c.call(ctx, "sendMessage", "application/json", bytes.NewReader(payload))
}

// SendDocument uploads a local file to one chat with a caption.
func (c *Client) SendDocument(ctx domain.Context, userID int64, path, caption string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("op=telegram.sendDocument.open: %w", err)
	}
	defer func() { _ = file.Close() }()

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("op=telegram.sendDocument.detect: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", strconv.FormatInt(userID, 10)); err != nil {
		return fmt.Errorf("op=telegram.sendDocument.field: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("op=telegram.sendDocument.field: %w", err)
		}
	}
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="document"; filename=%q`, filepath.Base(path))}
	hdr["Content-Type"] = []string{mtype.String()}
	part, err := w.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("op=telegram.sendDocument.part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("op=telegram.sendDocument.copy: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("op=telegram.sendDocument.close: %w", err)
	}
	return c.call(ctx, "sendDocument", w.FormDataContentType(), &buf)
}

// NotifyAdmins fans a message out to every configured admin chat. A failure
// for one admin does not stop delivery to the rest.
func (c *Client) NotifyAdmins(ctx domain.Context, body string) {
	for _, id := range c.adminIDs {
		if err := c.SendText(ctx, id, body); err != nil {
			slog.Warn("admin notification failed", slog.Int64("admin_id", id), slog.Any("error", err))
		}
	}
}
