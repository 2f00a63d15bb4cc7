package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"creator-earnings/pkg/rediskey"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	// NextPayoutCode returns a human readable payout reference, PO-yymmdd-XXXYY.
	NextPayoutCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb  *redis.Client
	node *snowflake.Node
	now  func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
	Node  *snowflake.Node
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb:  p.Redis,
		node: p.Node,
		now:  time.Now,
	}
}

func (g *RedisGenerator) NextPayoutCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "PO")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")

	if g.rdb == nil {
		return g.fallback(prefix, today), nil
	}

	key := rediskey.BuildDailySequenceKey(prefix, today)
	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		zap.L().Warn("sequence unavailable, falling back to snowflake", zap.String("key", key), zap.Error(err))
		return g.fallback(prefix, today), nil
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	randSuffix, _ := randomAlphaNumeric(2)

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func (g *RedisGenerator) fallback(prefix, today string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, today, strings.ToUpper(g.node.Generate().Base36()))
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
