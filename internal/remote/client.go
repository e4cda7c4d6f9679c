package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/domain"
	"mealsync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	pathUpload   = "/meals/upload"
	pathHistory  = "/meals/history"
	pathInsights = "/insights/weekly"

	maxErrorBody = 4 << 10
)

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// StaticToken serves a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client calls the meal analysis API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     domain.TokenSource
	limiter    *rate.Limiter
	logger     zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
}

var _ domain.RemoteAPI = (*Client)(nil)

func NewClient(cfg config.RemoteConfig, tokens domain.TokenSource, logger *zerolog.Logger) *Client {
	limit := rate.Inf
	if cfg.RateRPS > 0 {
		limit = rate.Limit(cfg.RateRPS)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if tokens == nil {
		tokens = StaticToken(cfg.Token)
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "remote").Logger()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     l,
	}
}

// UseRedisCache configures optional Redis caching for history and insights.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// UploadMeal posts the image as multipart field "image". onProgress sees
// bytes of the request body as the transport consumes them.
func (c *Client) UploadMeal(ctx context.Context, image models.ImageRef, onProgress domain.ProgressFunc) (*models.UploadResponse, error) {
	body, contentType, err := buildMultipart(image)
	if err != nil {
		return nil, err
	}

	total := int64(body.Len())
	reader := &progressReader{r: bytes.NewReader(body.Bytes()), total: total, fn: onProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathUpload, reader)
	if err != nil {
		return nil, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)

	var resp models.UploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("upload %s: %w", image.FileName, err)
	}
	if resp.MealID == "" {
		return nil, fmt.Errorf("upload %s: response has no mealId", image.FileName)
	}
	return &resp, nil
}

func (c *Client) GetAnalysis(ctx context.Context, mealID string) (*models.AnalysisResult, error) {
	var out models.AnalysisResult
	endpoint := fmt.Sprintf("%s/meals/%s/analysis", c.baseURL, url.PathEscape(mealID))
	if err := c.doGet(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", mealID, err)
	}
	if out.ID == "" {
		out.ID = mealID
	}
	return &out, nil
}

type bypassCacheKey struct{}

// BypassCache marks ctx so history and insights are read from the server.
// The response still replaces the cached copy.
func BypassCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassCacheKey{}, true)
}

// CacheBypassed reports whether ctx was marked by BypassCache.
func CacheBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassCacheKey{}).(bool)
	return v
}

func (c *Client) GetHistory(ctx context.Context) (json.RawMessage, error) {
	return c.getCached(ctx, pathHistory)
}

func (c *Client) GetWeeklyInsights(ctx context.Context) (json.RawMessage, error) {
	return c.getCached(ctx, pathInsights)
}

func (c *Client) getCached(ctx context.Context, path string) (json.RawMessage, error) {
	cacheKey := "mealsync:remote:" + path
	var raw json.RawMessage
	if c.readCache(ctx, cacheKey, &raw) {
		return raw, nil
	}
	if err := c.doGet(ctx, c.baseURL+path, &raw); err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	c.writeCache(ctx, cacheKey, raw)
	return raw, nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 || CacheBypassed(ctx) {
		return false
	}
	val, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(val, out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	ctx := req.Context()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.addHeaders(ctx, req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) addHeaders(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("auth token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return nil
}

func buildMultipart(image models.ImageRef) (*bytes.Buffer, string, error) {
	path := LocalPath(image.URI)
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	name := image.FileName
	if name == "" {
		name = filepath.Base(path)
	}
	mimeType := image.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(name)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// LocalPath turns a file:// URI into a filesystem path; other values pass through.
func LocalPath(uri string) string {
	if strings.HasPrefix(uri, "file://") {
		if u, err := url.Parse(uri); err == nil {
			return u.Path
		}
	}
	return uri
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    domain.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
