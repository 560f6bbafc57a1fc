// Package storage is the worker-side client of the storage nodes:
// whole metatile blobs are fetched and stored under a reserved "meta"
// extension, one blob per metatile anchor.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// MetaExt is the extension metatile container blobs are stored under.
const MetaExt = "meta"

// Client talks to one storage node (or a load-balanced pool behind one
// base URL). Safe for concurrent use.
type Client struct {
	baseURL string
	version string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for a node base URL and a layout version
// ("v1" unless configured otherwise).
func NewClient(baseURL, version string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("storage client needs a base url")
	}
	if version == "" {
		version = "v1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		http:    httpClient,
		logger:  logger,
	}, nil
}

func (c *Client) url(style string, z, x, y int, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%d/%d/%d.%s", c.baseURL, c.version, style, z, x, y, ext)
}

// GetMeta fetches a metatile blob. A missing or expired blob reads as
// not found, so callers regenerate stale tiles; the node signals
// expiry by reporting the epoch as Last-Modified.
func (c *Client) GetMeta(ctx context.Context, style string, z, x, y int) ([]byte, time.Time, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(style, z, x, y, MetaExt), nil)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("storage get: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, time.Time{}, false, nil
	default:
		return nil, time.Time{}, false, fmt.Errorf("storage get %s/%d/%d/%d: status %d", style, z, x, y, resp.StatusCode)
	}

	lm, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		lm = time.Time{}
	}
	if !lm.After(time.Unix(0, 0)) {
		// expired: present on disk but due for regeneration
		return nil, time.Time{}, false, nil
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("storage read: %w", err)
	}
	return blob, lm, true, nil
}

// PutMeta stores a metatile blob with the current time as its
// modification time.
func (c *Client) PutMeta(ctx context.Context, style string, z, x, y int, blob []byte) error {
	return c.put(ctx, style, z, x, y, blob, time.Now())
}

// PutMetaAt stores a metatile blob with an explicit modification time.
// Storing with the epoch marks the tile expired on arrival.
func (c *Client) PutMetaAt(ctx context.Context, style string, z, x, y int, blob []byte, lastModified time.Time) error {
	return c.put(ctx, style, z, x, y, blob, lastModified)
}

func (c *Client) put(ctx context.Context, style string, z, x, y int, blob []byte, lm time.Time) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("tile", fmt.Sprintf("%s/%d/%d/%d.%s", style, z, x, y, MetaExt))
	if err != nil {
		return err
	}
	if _, err := fw.Write(blob); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(style, z, x, y, MetaExt), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Last-Modified", lm.UTC().Format(http.TimeFormat))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("storage post: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("storage post %s/%d/%d/%d: status %d: %s", style, z, x, y, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Expire rewrites the blob's modification time to the epoch by
// re-posting it stale, forcing regeneration on the next request.
func (c *Client) Expire(ctx context.Context, style string, z, x, y int, blob []byte) error {
	return c.put(ctx, style, z, x, y, blob, time.Unix(0, 0))
}
