package alert

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	mappedPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container external port: %v", err)
	}

	hostIP, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", hostIP, mappedPort.Port()),
	})

	return rdb, func() {
		rdb.Close()
		_ = redisC.Terminate(ctx)
	}
}

func TestRedisDeduper_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	first := NewRedisDeduper(client, time.Second)
	second := NewRedisDeduper(client, time.Second)

	claimed, err := first.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = second.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, claimed, "a second watcher must not alert the same notification")

	ttl, err := client.TTL(ctx, dedupeKey("n1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	assert.Eventually(t, func() bool {
		claimed, err := second.Claim(ctx, "n1")
		return err == nil && claimed
	}, 5*time.Second, 100*time.Millisecond)
}
