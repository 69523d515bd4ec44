package peers

import (
	"context"
	"log/slog"
	"net/url"

	lru "github.com/hashicorp/golang-lru/v2"

	"workqueue/internal/domain"
	"workqueue/internal/errs"
	"workqueue/internal/resilience"
)

type riskAssessment struct {
	ApplicationID string `json:"applicationId"`
	RiskLevel     string `json:"riskLevel"`
}

// Risk asks the risk service for the current risk level of an application.
type Risk struct {
	client *Client
	cache  *lru.Cache[string, domain.RiskLevel]
	logger *slog.Logger
}

func NewRisk(c *Client, cacheSize int, logger *slog.Logger) (*Risk, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, domain.RiskLevel](cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Risk{client: c, cache: cache, logger: logger}, nil
}

// CurrentLevel returns the assessed level. If the risk service cannot
// answer, the last known assessment is used, then stored.
func (r *Risk) CurrentLevel(ctx context.Context, applicationID string, stored domain.RiskLevel) (domain.RiskLevel, error) {
	endpoint := "api/v1/applications/" + url.PathEscape(applicationID) + "/risk"
	return resilience.ExecuteWithFallback(ctx, r.client.policy(),
		func(ctx context.Context) (domain.RiskLevel, error) {
			a, err := getJSON[riskAssessment](ctx, r.client, endpoint)
			if err != nil {
				return "", err
			}
			level, err := domain.ParseRiskLevel(a.RiskLevel)
			if err != nil {
				return "", errs.Wrap(errs.CodeDependencyUnavailable, err, "risk service returned an unusable assessment")
			}
			r.cache.Add(applicationID, level)
			return level, nil
		},
		func(_ context.Context, err error) (domain.RiskLevel, error) {
			level, ok := r.cache.Get(applicationID)
			if !ok {
				level = stored
			}
			r.logger.Warn("risk service unavailable, using last known level",
				"application_id", applicationID, "risk_level", level, "err", err)
			return level, nil
		})
}
