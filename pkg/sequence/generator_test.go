package sequence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

func TestNextPayoutCodeWithoutRedis(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	g := &RedisGenerator{
		node: node,
		now:  func() time.Time { return time.Date(2025, 3, 5, 2, 0, 0, 0, time.UTC) },
	}

	a, err := g.NextPayoutCode(context.Background())
	require.NoError(t, err)
	b, err := g.NextPayoutCode(context.Background())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(a, "PO-250305-"), a)
	require.NotEqual(t, a, b)
}
