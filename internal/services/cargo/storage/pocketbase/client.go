// Package pocketbase stores cargo records in a remote PocketBase collection
// over its REST API.
package pocketbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/cargo.space/internal/services/cargo/domain"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
)

const (
	// DefaultCollection is the collection cargo records live in.
	DefaultCollection = "cargoes"

	paintFilename   = "paint.png"
	textureFilename = "texture.jpg"
	timeLayout      = "2006-01-02 15:04:05.000Z"
	maxPerPage      = 500
	maxFileBytes    = 32 << 20
	maxErrorBody    = 4 << 10
)

// Config locates the collection.
type Config struct {
	BaseURL    string
	Collection string
	// Token is sent verbatim in the Authorization header when set.
	Token      string
	HTTPClient *http.Client
}

// Client implements storage.CargoStore against PocketBase.
type Client struct {
	baseURL    *url.URL
	collection string
	token      string
	http       *http.Client
}

// APIError is a non-2xx PocketBase response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pocketbase: status %d", e.Status)
	}
	return fmt.Sprintf("pocketbase: status %d: %s", e.Status, e.Message)
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("pocketbase url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse pocketbase url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("pocketbase url must be http or https")
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = DefaultCollection
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    base,
		collection: collection,
		token:      strings.TrimSpace(cfg.Token),
		http:       httpClient,
	}, nil
}

type record struct {
	ID           string `json:"id"`
	Created      string `json:"created"`
	DrawDuration int    `json:"draw_duration"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Pending      bool   `json:"pending"`
	Paint        string `json:"paint"`
	Texture      string `json:"texture"`
}

type recordList struct {
	Page       int      `json:"page"`
	PerPage    int      `json:"perPage"`
	TotalPages int      `json:"totalPages"`
	Items      []record `json:"items"`
}

func (r record) cargo() (storage.Cargo, error) {
	created, err := parseTime(r.Created)
	if err != nil {
		return storage.Cargo{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return storage.Cargo{
		ID:           r.ID,
		CreatedAt:    created,
		DrawDuration: r.DrawDuration,
		Type:         domain.Type(r.Type),
		Status:       domain.Status(r.Status),
		Name:         r.Name,
		Description:  r.Description,
		Pending:      r.Pending,
	}, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(timeLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// CreateCargo uploads the record and both attachments in one multipart
// request.
func (c *Client) CreateCargo(ctx context.Context, input storage.NewCargo) (storage.Cargo, error) {
	if err := storage.ValidateNewCargo(input); err != nil {
		return storage.Cargo{}, err
	}
	status := input.Status
	if status == "" {
		status = domain.StatusShipping
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"draw_duration", strconv.Itoa(input.DrawDuration)},
		{"type", string(input.Type)},
		{"status", string(status)},
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return storage.Cargo{}, fmt.Errorf("create cargo: %w", err)
		}
	}
	if err := writeFile(form, "paint", paintFilename, input.Paint); err != nil {
		return storage.Cargo{}, fmt.Errorf("create cargo: %w", err)
	}
	if err := writeFile(form, "texture", textureFilename, input.Texture); err != nil {
		return storage.Cargo{}, fmt.Errorf("create cargo: %w", err)
	}
	if err := form.Close(); err != nil {
		return storage.Cargo{}, fmt.Errorf("create cargo: %w", err)
	}

	var created record
	err := c.do(ctx, http.MethodPost, c.recordsPath(), nil, &body, form.FormDataContentType(), &created)
	if err != nil {
		return storage.Cargo{}, fmt.Errorf("create cargo: %w", err)
	}
	return created.cargo()
}

func writeFile(form *multipart.Writer, field, filename string, data []byte) error {
	part, err := form.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// GetCargo returns one record by id.
func (c *Client) GetCargo(ctx context.Context, id string) (storage.Cargo, error) {
	rec, err := c.getRecord(ctx, id)
	if err != nil {
		return storage.Cargo{}, err
	}
	return rec.cargo()
}

func (c *Client) getRecord(ctx context.Context, id string) (record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return record{}, fmt.Errorf("cargo id is required")
	}
	var rec record
	if err := c.do(ctx, http.MethodGet, c.recordPath(id), nil, nil, "", &rec); err != nil {
		return record{}, fmt.Errorf("get cargo: %w", err)
	}
	return rec, nil
}

// ListLatestCargoes returns up to limit records, newest first.
func (c *Client) ListLatestCargoes(ctx context.Context, limit int) ([]storage.Cargo, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return c.list(ctx, "", "-created", limit)
}

// ListCargoesSince returns records created at or after since, oldest first.
func (c *Client) ListCargoesSince(ctx context.Context, since time.Time) ([]storage.Cargo, error) {
	return c.list(ctx, fmt.Sprintf("created >= %s", quote(formatTime(since))), "created", 0)
}

// ListUndescribed returns up to limit unnamed, non-pending records.
func (c *Client) ListUndescribed(ctx context.Context, limit int) ([]storage.Cargo, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return c.list(ctx, `name = "" && pending = false`, "created", limit)
}

// list pages through records matching filter. A limit of 0 returns every
// match.
func (c *Client) list(ctx context.Context, filter string, sort string, limit int) ([]storage.Cargo, error) {
	perPage := maxPerPage
	if limit > 0 && limit < perPage {
		perPage = limit
	}
	out := make([]storage.Cargo, 0)
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("perPage", strconv.Itoa(perPage))
		query.Set("sort", sort)
		query.Set("skipTotal", "false")
		if filter != "" {
			query.Set("filter", filter)
		}
		var result recordList
		if err := c.do(ctx, http.MethodGet, c.recordsPath(), query, nil, "", &result); err != nil {
			return nil, fmt.Errorf("list cargoes: %w", err)
		}
		for _, rec := range result.Items {
			cargo, err := rec.cargo()
			if err != nil {
				return nil, fmt.Errorf("list cargoes: %w", err)
			}
			out = append(out, cargo)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if len(result.Items) == 0 || page >= result.TotalPages {
			return out, nil
		}
	}
}

// GetTexture downloads the texture attachment.
func (c *Client) GetTexture(ctx context.Context, id string) ([]byte, error) {
	rec, err := c.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, rec.ID, rec.Texture)
}

// GetPaint downloads the paint attachment.
func (c *Client) GetPaint(ctx context.Context, id string) ([]byte, error) {
	rec, err := c.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, rec.ID, rec.Paint)
}

func (c *Client) download(ctx context.Context, id, filename string) ([]byte, error) {
	if filename == "" {
		return nil, storage.ErrNotFound
	}
	target := c.baseURL.JoinPath("api", "files", c.collection, id, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filename, err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("download %s: %w", filename, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filename, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("download %s: file exceeds %d bytes", filename, maxFileBytes)
	}
	return data, nil
}

// UpdateTextInfo stores a name and description and clears pending.
func (c *Client) UpdateTextInfo(ctx context.Context, info storage.TextInfo) error {
	id := strings.TrimSpace(info.ID)
	if id == "" {
		return fmt.Errorf("cargo id is required")
	}
	patch := map[string]any{
		"name":        strings.TrimSpace(info.Name),
		"description": strings.TrimSpace(info.Description),
		"pending":     false,
	}
	if err := c.patch(ctx, id, patch); err != nil {
		return fmt.Errorf("update text info: %w", err)
	}
	return nil
}

// SetPending marks whether a record is being described.
func (c *Client) SetPending(ctx context.Context, id string, pending bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("cargo id is required")
	}
	if err := c.patch(ctx, id, map[string]any{"pending": pending}); err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	return nil
}

// DeliverShipped moves shipping records created before the cutoff to
// delivered. PocketBase has no bulk update, so records are patched one at a
// time and the ids patched so far are returned alongside any error.
func (c *Client) DeliverShipped(ctx context.Context, before time.Time) ([]string, error) {
	filter := fmt.Sprintf("status = %s && created < %s", quote(string(domain.StatusShipping)), quote(formatTime(before)))
	return c.transition(ctx, filter, domain.StatusDelivered)
}

// LaunchDelivered moves every delivered record to launched.
func (c *Client) LaunchDelivered(ctx context.Context) (int, error) {
	ids, err := c.transition(ctx, fmt.Sprintf("status = %s", quote(string(domain.StatusDelivered))), domain.StatusLaunched)
	return len(ids), err
}

func (c *Client) transition(ctx context.Context, filter string, to domain.Status) ([]string, error) {
	matches, err := c.list(ctx, filter, "created", 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, cargo := range matches {
		if err := c.patch(ctx, cargo.ID, map[string]any{"status": string(to)}); err != nil {
			return ids, fmt.Errorf("move %s to %s: %w", cargo.ID, to, err)
		}
		ids = append(ids, cargo.ID)
	}
	return ids, nil
}

func (c *Client) patch(ctx context.Context, id string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, c.recordPath(id), nil, bytes.NewReader(payload), "application/json", nil)
}

func (c *Client) recordsPath() *url.URL {
	return c.baseURL.JoinPath("api", "collections", c.collection, "records")
}

func (c *Client) recordPath(id string) *url.URL {
	return c.baseURL.JoinPath("api", "collections", c.collection, "records", id)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, query url.Values, body io.Reader, contentType string, out any) error {
	if query != nil {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Message = payload.Message
	}
	return apiErr
}

// quote renders a PocketBase filter string literal.
func quote(value string) string {
	return strconv.Quote(value)
}

var _ storage.CargoStore = (*Client)(nil)
