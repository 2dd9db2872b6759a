package gateway

import (
	"context"

	"github.com/highstation/gatekeeper/internal/service"
)

const searchLimit = 20

// Catalog answers the discovery tools from the service repository.
type Catalog struct {
	repo     service.Repository
	pipeline *Pipeline
}

func NewCatalog(repo service.Repository, p *Pipeline) *Catalog {
	return &Catalog{repo: repo, pipeline: p}
}

type SearchResult struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceUSD    string `json:"price_usd"`
	Grade       string `json:"trust_grade,omitempty"`
	Info        string `json:"info"`
	Entry       string `json:"entry"`
}

func (c *Catalog) Search(ctx context.Context, query string) (any, error) {
	list, err := c.repo.ListVerified(ctx, query, searchLimit)
	if err != nil {
		return nil, err
	}
	base := c.pipeline.publicURL + "/gatekeeper/"
	out := make([]SearchResult, 0, len(list))
	for _, svc := range list {
		out = append(out, SearchResult{
			Slug:        svc.Slug,
			Name:        svc.Name,
			Description: svc.Description,
			PriceUSD:    svc.PriceUSD,
			Grade:       c.pipeline.trust.Signal(ctx, svc.OwnerAddress).Grade,
			Info:        base + svc.Slug + "/info",
			Entry:       base + svc.Slug + "/resource",
		})
	}
	return map[string]any{"services": out, "count": len(out)}, nil
}

func (c *Catalog) Info(ctx context.Context, slug string) (any, error) {
	info, err := c.pipeline.Info(ctx, slug)
	if err != nil {
		return nil, err
	}
	return info, nil
}
