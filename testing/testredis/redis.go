package testredis

import (
	"context"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedContainer *RedisContainer
	sharedErr       error
	sharedOnce      sync.Once
)

type RedisContainer struct {
	Container testcontainers.Container
	Addr      string
}

// SetupSharedRedis starts one Redis server per test binary.
func SetupSharedRedis(t *testing.T) *RedisContainer {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	sharedOnce.Do(func() {
		ctx := context.Background()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			sharedErr = err
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			sharedErr = err
			return
		}

		port, err := container.MappedPort(ctx, "6379")
		if err != nil {
			sharedErr = err
			return
		}

		sharedContainer = &RedisContainer{
			Container: container,
			Addr:      host + ":" + port.Port(),
		}
	})

	require.NoError(t, sharedErr, "failed to start shared redis container")
	return sharedContainer
}

// Client returns a client that is flushed before the test and closed after it.
func (rc *RedisContainer) Client(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: rc.Addr})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	return client
}
