package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

//go:embed scripts/curve_set.lua
var curveSetLua string

// DefaultCurveCacheTTL bounds how long a state survives without a write.
const DefaultCurveCacheTTL = 10 * time.Minute

// CurveCache implements domain.CurveStateCache with one hash per token at
// "promptpad:curve:{tokenID}". The store stays authoritative; the cache only
// serves poll-heavy state reads.
type CurveCache struct {
	rdb *redis.Client
	ttl time.Duration
	set *redis.Script
}

// NewCurveCache creates a CurveCache. A non-positive ttl uses DefaultCurveCacheTTL.
func NewCurveCache(c *Client, ttl time.Duration) *CurveCache {
	if ttl <= 0 {
		ttl = DefaultCurveCacheTTL
	}
	return &CurveCache{rdb: c.Underlying(), ttl: ttl, set: redis.NewScript(curveSetLua)}
}

func curveKey(tokenID string) string {
	return keyPrefix + "curve:" + tokenID
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Set writes the whole state and refreshes its TTL. A state older than the
// cached one (fewer trades, or not graduated where the cache says graduated)
// is dropped, so out-of-order writers cannot roll the cache back.
func (cc *CurveCache) Set(ctx context.Context, st domain.CurveState) error {
	args := []any{
		cc.ttl.Milliseconds(),
		st.TradeCount,
		strconv.FormatBool(st.Graduated),
		"tokens_sold", formatFloat(st.TokensSold),
		"prompt_raised", formatFloat(st.PromptRaised),
		"graduated", strconv.FormatBool(st.Graduated),
		"agent_fees", formatFloat(st.AgentFeesAccrued),
		"platform_fees", formatFloat(st.PlatformFeesAccrued),
		"trade_count", strconv.FormatInt(st.TradeCount, 10),
		"threshold_crossed", strconv.FormatBool(st.ThresholdCrossed),
		"updated_at", strconv.FormatInt(st.UpdatedAt.UnixNano(), 10),
	}
	if err := cc.set.Run(ctx, cc.rdb, []string{curveKey(st.TokenID)}, args...).Err(); err != nil {
		return fmt.Errorf("redis: set curve state %s: %w", st.TokenID, err)
	}
	return nil
}

// Get returns the cached state or domain.ErrNotFound on a miss.
func (cc *CurveCache) Get(ctx context.Context, tokenID string) (domain.CurveState, error) {
	vals, err := cc.rdb.HGetAll(ctx, curveKey(tokenID)).Result()
	if err != nil {
		return domain.CurveState{}, fmt.Errorf("redis: get curve state %s: %w", tokenID, err)
	}
	if len(vals) == 0 {
		return domain.CurveState{}, domain.ErrNotFound
	}

	st := domain.CurveState{TokenID: tokenID}
	p := fieldParser{vals: vals}
	st.TokensSold = p.floatField("tokens_sold")
	st.PromptRaised = p.floatField("prompt_raised")
	st.AgentFeesAccrued = p.floatField("agent_fees")
	st.PlatformFeesAccrued = p.floatField("platform_fees")
	st.TradeCount = p.intField("trade_count")
	st.Graduated = p.boolField("graduated")
	st.ThresholdCrossed = p.boolField("threshold_crossed")
	st.UpdatedAt = time.Unix(0, p.intField("updated_at")).UTC()
	if p.err != nil {
		return domain.CurveState{}, fmt.Errorf("redis: decode curve state %s: %w", tokenID, p.err)
	}
	return st, nil
}

func (cc *CurveCache) Invalidate(ctx context.Context, tokenID string) error {
	if err := cc.rdb.Del(ctx, curveKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate curve state %s: %w", tokenID, err)
	}
	return nil
}

// fieldParser decodes hash fields, keeping the first error.
type fieldParser struct {
	vals map[string]string
	err  error
}

func (p *fieldParser) raw(name string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.vals[name]
	if !ok {
		p.err = fmt.Errorf("missing field %q", name)
	}
	return v, ok
}

func (p *fieldParser) floatField(name string) float64 {
	v, ok := p.raw(name)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("field %q: %w", name, err)
	}
	return f
}

func (p *fieldParser) intField(name string) int64 {
	v, ok := p.raw(name)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("field %q: %w", name, err)
	}
	return n
}

func (p *fieldParser) boolField(name string) bool {
	v, ok := p.raw(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("field %q: %w", name, err)
	}
	return b
}

var _ domain.CurveStateCache = (*CurveCache)(nil)
