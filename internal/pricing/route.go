package pricing

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/restclient"
)

// RouteFinder 通过 Raydium 池子列表查找 token 与报价币之间流动性最好的池子
type RouteFinder struct {
	rc        *restclient.Client
	quoteMint string
}

func NewRouteFinder(baseURL, quoteMint string) *RouteFinder {
	return &RouteFinder{
		rc:        restclient.NewClient(baseURL, restclient.Options{}),
		quoteMint: quoteMint,
	}
}

type poolsResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Count int `json:"count"`
		Data  []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	} `json:"data"`
}

// FindRoute 返回池子 ID；没有池子时返回 ErrNoLiquidityRoute。不做内部重试。
func (r *RouteFinder) FindRoute(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrInvalidInput
	}
	params := map[string]string{
		"mint1":         token,
		"mint2":         r.quoteMint,
		"poolType":      "all",
		"poolSortField": "liquidity",
		"sortType":      "desc",
		"pageSize":      "1",
		"page":          "1",
	}
	var resp poolsResponse
	if err := r.rc.GetJSON(ctx, "/pools/info/mint", params, &resp); err != nil {
		return "", asTransient(err)
	}
	if !resp.Success {
		return "", errors.Wrapf(domain.ErrNoLiquidityRoute, "raydium lookup failed for %s", token)
	}
	if len(resp.Data.Data) == 0 || resp.Data.Data[0].ID == "" {
		return "", domain.ErrNoLiquidityRoute
	}
	return "raydium:" + resp.Data.Data[0].ID, nil
}
