// Package pricing 提供 SOL/USD 价格与流动性路由查询
package pricing

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/solbot/internal/domain"
	"github.com/betbot/solbot/pkg/cache"
	"github.com/betbot/solbot/pkg/logger"
	"github.com/betbot/solbot/pkg/restclient"
)

// Source 单个价格源
type Source interface {
	Name() string
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}

// OracleConfig 价格预言机配置
type OracleConfig struct {
	TTL time.Duration
	Min decimal.Decimal // 合理区间下界（含）
	Max decimal.Decimal // 合理区间上界（含）
}

// Oracle 依次查询主源和备用源，超出合理区间的报价视为失败；结果缓存 TTL
type Oracle struct {
	sources []Source
	cfg     OracleConfig
	cache   *cache.InMemoryCache[string, decimal.Decimal]
	log     *logrus.Entry
}

const solKey = "SOL/USD"

// NewOracle sources 按优先级排列
func NewOracle(cfg OracleConfig, sources ...Source) *Oracle {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	return &Oracle{
		sources: sources,
		cfg:     cfg,
		cache:   cache.NewInMemoryCache[string, decimal.Decimal](cfg.TTL),
		log:     logger.Component("pricing"),
	}
}

// WithClock 替换缓存时钟（测试用）
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.cache.WithClock(now)
	return o
}

// SOLPrice 当前 SOL 美元价格
func (o *Oracle) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	if p, ok := o.cache.Get(solKey); ok {
		return p, nil
	}
	for _, src := range o.sources {
		p, err := src.SOLPrice(ctx)
		if err != nil {
			o.log.Warnf("价格源 %s 查询失败: %v", src.Name(), err)
			continue
		}
		if !o.plausible(p) {
			o.log.Warnf("价格源 %s 报价超出合理区间: %s", src.Name(), p)
			continue
		}
		o.cache.Set(solKey, p, 0)
		return p, nil
	}
	return decimal.Zero, domain.ErrPriceUnavailable
}

func (o *Oracle) plausible(p decimal.Decimal) bool {
	if !o.cfg.Min.IsZero() && p.LessThan(o.cfg.Min) {
		return false
	}
	if !o.cfg.Max.IsZero() && p.GreaterThan(o.cfg.Max) {
		return false
	}
	return p.IsPositive()
}

// CoinGecko simple/price 接口
type CoinGecko struct {
	rc *restclient.Client
}

func NewCoinGecko(baseURL string) *CoinGecko {
	return &CoinGecko{rc: restclient.NewClient(baseURL, restclient.Options{})}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	var resp map[string]map[string]decimal.Decimal
	params := map[string]string{"ids": "solana", "vs_currencies": "usd"}
	if err := c.rc.GetJSON(ctx, "/simple/price", params, &resp); err != nil {
		return decimal.Zero, asTransient(err)
	}
	p, ok := resp["solana"]["usd"]
	if !ok {
		return decimal.Zero, errors.New("coingecko: missing solana.usd")
	}
	return p, nil
}

// Binance ticker/price 接口
type Binance struct {
	rc *restclient.Client
}

func NewBinance(baseURL string) *Binance {
	return &Binance{rc: restclient.NewClient(baseURL, restclient.Options{})}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := b.rc.GetJSON(ctx, "/ticker/price", map[string]string{"symbol": "SOLUSDT"}, &resp); err != nil {
		return decimal.Zero, asTransient(err)
	}
	if !strings.EqualFold(resp.Symbol, "SOLUSDT") {
		return decimal.Zero, errors.Errorf("binance: unexpected symbol %q", resp.Symbol)
	}
	return resp.Price, nil
}

// asTransient 网络错误、超时、429、5xx 归为暂时性错误
func asTransient(err error) error {
	var se *restclient.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return domain.WrapError(domain.KindTransient, "upstream unavailable", err)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindTransient, "upstream unavailable", err)
	}
	return err
}
