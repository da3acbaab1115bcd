package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTProvider pulls rounds from the game's export endpoint:
// GET {base}/api/chicken/export?format=json&after={id}.
type RESTProvider struct {
	base string
	rest *resty.Client
}

func NewRESTProvider(base string, timeout time.Duration) *RESTProvider {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}
	r.SetRetryCount(2)
	r.SetHeader("Accept", "application/json")
	return &RESTProvider{base: strings.TrimRight(base, "/"), rest: r}
}

type exportGame struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	BonePositions []int     `json:"bonePositions"`
}

type exportResp struct {
	Games []exportGame `json:"games"`
	Error string       `json:"error,omitempty"`
}

func (c *RESTProvider) Rounds(ctx context.Context) ([]Round, error) {
	return c.fetch(ctx, "")
}

func (c *RESTProvider) RoundsAfter(ctx context.Context, id string) ([]Round, error) {
	return c.fetch(ctx, id)
}

func (c *RESTProvider) LastRoundID(ctx context.Context) (string, error) {
	rounds, err := c.fetch(ctx, "")
	if err != nil {
		return "", err
	}
	return lastID(rounds), nil
}

func (c *RESTProvider) fetch(ctx context.Context, afterID string) ([]Round, error) {
	resp := &exportResp{}
	req := c.rest.R().
		SetContext(ctx).
		SetQueryParam("format", "json").
		SetResult(resp).
		SetError(resp)
	if afterID != "" {
		req.SetQueryParam("after", afterID)
	}

	r, err := req.Get(c.base + "/api/chicken/export")
	if err != nil {
		return nil, fmt.Errorf("export request: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("export request: status %d %s", r.StatusCode(), resp.Error)
	}

	rounds := make([]Round, 0, len(resp.Games))
	for _, g := range resp.Games {
		rounds = append(rounds, Round{ID: g.ID, Positions: g.BonePositions, PlayedAt: g.CreatedAt})
	}
	sortChronological(rounds)
	return rounds, nil
}
