package drive

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"skylift/internal/config"
	"skylift/internal/logging"
)

// HTTPClient implements Client against the drive's JSON API.
type HTTPClient struct {
	rest       *resty.Client
	uploadRest *resty.Client
	maxRetries int
	logger     *slog.Logger

	mu       sync.Mutex
	dirCache map[string]string
}

var _ Client = (*HTTPClient)(nil)

// Options configures the HTTP client.
type Options struct {
	BaseURL        string
	Cookie         string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	MaxRetries     int
	Logger         *slog.Logger
}

// New constructs a drive client.
func New(opts Options) *HTTPClient {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 10 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	newRest := func(timeout time.Duration) *resty.Client {
		return resty.New().
			SetBaseURL(opts.BaseURL).
			SetTimeout(timeout).
			SetHeader("Cookie", opts.Cookie).
			SetHeader("User-Agent", "skylift/1.0")
	}

	return &HTTPClient{
		rest:       newRest(opts.RequestTimeout),
		uploadRest: newRest(opts.UploadTimeout),
		maxRetries: opts.MaxRetries,
		logger:     logger.With(logging.String(logging.FieldComponent, "drive")),
		dirCache:   map[string]string{},
	}
}

// NewFromConfig constructs a drive client from the daemon configuration.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *HTTPClient {
	return New(Options{
		BaseURL:        cfg.Drive.BaseURL,
		Cookie:         cfg.Drive.Cookie,
		RequestTimeout: time.Duration(cfg.Drive.RequestTimeout) * time.Second,
		UploadTimeout:  time.Duration(cfg.Drive.UploadTimeout) * time.Second,
		MaxRetries:     cfg.Drive.MaxRetries,
		Logger:         logger,
	})
}

type envelope struct {
	State bool            `json:"state"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// request performs one API call with bounded retries on transient failures
// and decodes the standard {state, error, data} envelope into out.
func (c *HTTPClient) request(ctx context.Context, method, path string, callback func(*resty.Request), out any) error {
	return c.requestWith(ctx, c.rest, method, path, callback, out)
}

func (c *HTTPClient) requestWith(ctx context.Context, rest *resty.Client, method, path string, callback func(*resty.Request), out any) error {
	op := func() error {
		req := rest.R().SetContext(ctx)
		if callback != nil {
			callback(req)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, path)
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			return errors.Wrapf(ErrRateLimited, "%s %s", method, path)
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return errors.Errorf("%s %s: status %d", method, path, resp.StatusCode())
		}
		if resp.StatusCode() >= http.StatusBadRequest {
			return retry.Unrecoverable(errors.Errorf("%s %s: status %d", method, path, resp.StatusCode()))
		}

		var env envelope
		if err := json.Unmarshal(resp.Body(), &env); err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "decode %s %s", method, path))
		}
		if !env.State {
			return retry.Unrecoverable(errors.Errorf("%s %s: api error: %s", method, path, env.Error))
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return retry.Unrecoverable(errors.Wrapf(err, "decode data %s %s", method, path))
			}
		}
		return nil
	}

	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("drive request retry",
				logging.String("path", path),
				logging.Int("attempt", int(n)+1),
				logging.Error(err))
		}),
	)
}

type fileEntry struct {
	ID    string `json:"file_id"`
	Name  string `json:"file_name"`
	IsDir bool   `json:"is_dir"`
}

type listResponse struct {
	Entries []fileEntry `json:"entries"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// FindFolder locates a direct child folder by name under parentID. Returns
// ErrNotFound when no folder matches.
func (c *HTTPClient) FindFolder(ctx context.Context, parentID, name string) (string, error) {
	offset := 0
	for {
		var page listResponse
		err := c.request(ctx, http.MethodGet, "/files/list", func(req *resty.Request) {
			req.SetQueryParams(map[string]string{
				"parent_id": parentID,
				"offset":    itoa(offset),
				"limit":     "100",
			})
		}, &page)
		if err != nil {
			return "", err
		}
		for _, entry := range page.Entries {
			if entry.IsDir && entry.Name == name {
				return entry.ID, nil
			}
		}
		if !page.HasMore || len(page.Entries) == 0 {
			return "", errors.Wrapf(ErrNotFound, "folder %q under %s", name, parentID)
		}
		offset += len(page.Entries)
	}
}

type folderAddResponse struct {
	FileID string `json:"file_id"`
}

// EnsureDirectory walks remotePath from the root, creating missing segments,
// and returns the final directory's identifier. Resolved paths are cached.
func (c *HTTPClient) EnsureDirectory(ctx context.Context, remotePath string) (string, error) {
	segments := splitRemotePath(remotePath)

	c.mu.Lock()
	if id, ok := c.dirCache[joinSegments(segments)]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	parentID := rootFolderID
	for i, segment := range segments {
		key := joinSegments(segments[:i+1])
		c.mu.Lock()
		cached, ok := c.dirCache[key]
		c.mu.Unlock()
		if ok {
			parentID = cached
			continue
		}

		id, err := c.FindFolder(ctx, parentID, segment)
		if errors.Is(err, ErrNotFound) {
			var created folderAddResponse
			err = c.request(ctx, http.MethodPost, "/files/folder/add", func(req *resty.Request) {
				req.SetBody(map[string]string{
					"parent_id": parentID,
					"name":      segment,
				})
			}, &created)
			if err != nil {
				return "", err
			}
			id = created.FileID
		} else if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.dirCache[key] = id
		c.mu.Unlock()
		parentID = id
	}
	return parentID, nil
}

// Delete removes a remote file by identifier.
func (c *HTTPClient) Delete(ctx context.Context, fileID string) error {
	return c.request(ctx, http.MethodPost, "/files/delete", func(req *resty.Request) {
		req.SetBody(map[string]any{"file_ids": []string{fileID}})
	}, nil)
}

type shareResponse struct {
	ShareURL    string `json:"share_url"`
	ShareCode   string `json:"share_code"`
	ReceiveCode string `json:"receive_code"`
}

// CreateFolderShare creates a share rooted at a folder.
func (c *HTTPClient) CreateFolderShare(ctx context.Context, folderID string) (ShareResult, error) {
	return c.createShare(ctx, []string{folderID})
}

// CreateFileShare creates a package share of individual files.
func (c *HTTPClient) CreateFileShare(ctx context.Context, fileIDs []string) (ShareResult, error) {
	if len(fileIDs) == 0 {
		return ShareResult{}, errors.New("drive: no file ids to share")
	}
	return c.createShare(ctx, fileIDs)
}

func (c *HTTPClient) createShare(ctx context.Context, fileIDs []string) (ShareResult, error) {
	var resp shareResponse
	err := c.request(ctx, http.MethodPost, "/share/send", func(req *resty.Request) {
		req.SetBody(map[string]any{
			"file_ids": fileIDs,
			"is_asc":   1,
			"order":    "user_ptime",
		})
	}, &resp)
	if err != nil {
		return ShareResult{}, err
	}
	return ShareResult{
		ShareURL:    resp.ShareURL,
		ShareCode:   resp.ShareCode,
		ReceiveCode: resp.ReceiveCode,
	}, nil
}

// UpdateShare adjusts an existing share's access policy.
func (c *HTTPClient) UpdateShare(ctx context.Context, shareCode string, opts UpdateShareOptions) error {
	body := map[string]any{
		"share_code":     shareCode,
		"receive_code":   opts.ReceiveCode,
		"is_custom_code": boolToInt(opts.ReceiveCode != ""),
		"share_duration": opts.DurationDays,
	}
	if opts.ReceiveLimit > 0 {
		body["receive_limit"] = opts.ReceiveLimit
	}
	if opts.LoginFreeDownload {
		body["login_free"] = 1
		if opts.TrafficCapBytes > 0 {
			body["traffic_cap"] = opts.TrafficCapBytes
		}
	}
	if len(opts.AllowedRecipients) > 0 {
		body["allowed_users"] = opts.AllowedRecipients
	}
	return c.request(ctx, http.MethodPost, "/share/update", func(req *resty.Request) {
		req.SetBody(body)
	}, nil)
}

type systemMessageEntry struct {
	ID       string `json:"msg_id"`
	Type     string `json:"msg_type"`
	Content  string `json:"content"`
	SharedAt int64  `json:"shared_at"`
}

type systemMessagesResponse struct {
	Messages []systemMessageEntry `json:"messages"`
}

// ListSystemMessages returns the most recent system messages, newest first.
func (c *HTTPClient) ListSystemMessages(ctx context.Context, limit int) ([]SystemMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var resp systemMessagesResponse
	err := c.request(ctx, http.MethodGet, "/messages/system", func(req *resty.Request) {
		req.SetQueryParam("limit", itoa(limit))
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]SystemMessage, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		out = append(out, SystemMessage{
			ID:       msg.ID,
			Type:     msg.Type,
			Content:  msg.Content,
			SharedAt: time.Unix(msg.SharedAt, 0).UTC(),
		})
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
