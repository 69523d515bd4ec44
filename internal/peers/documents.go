package peers

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"workqueue/internal/resilience"
)

type Document struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	FileName   string    `json:"fileName"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Documents lists the documents attached to an application. When the
// documents service is down the last good answer is served from cache.
type Documents struct {
	client *Client
	cache  *lru.Cache[string, []Document]
	logger *slog.Logger
}

func NewDocuments(c *Client, cacheSize int, logger *slog.Logger) (*Documents, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, []Document](cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Documents{client: c, cache: cache, logger: logger}, nil
}

func (d *Documents) List(ctx context.Context, applicationID string) ([]Document, error) {
	endpoint := "api/v1/applications/" + url.PathEscape(applicationID) + "/documents"
	return resilience.ExecuteWithFallback(ctx, d.client.policy(),
		func(ctx context.Context) ([]Document, error) {
			docs, err := getJSON[[]Document](ctx, d.client, endpoint)
			if err != nil {
				return nil, err
			}
			if docs == nil {
				docs = []Document{}
			}
			d.cache.Add(applicationID, docs)
			return docs, nil
		},
		func(_ context.Context, err error) ([]Document, error) {
			if docs, ok := d.cache.Get(applicationID); ok {
				d.logger.Warn("serving cached documents", "application_id", applicationID, "err", err)
				return docs, nil
			}
			return nil, err
		})
}
