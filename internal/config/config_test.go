package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	req := require.New(t)
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_NAME", "chat-test")
	for _, key := range []string{"DATABASE_URL", "REDIS_ADDR", "NATS_URL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8080", cfg.ListenAddr)
	req.Equal(8*time.Hour, cfg.TokenTTL)
	req.Equal(2*time.Second, cfg.OwnershipTimeout)
	req.Equal("chat-test", cfg.ServerName)
	req.Empty(cfg.DatabaseURL)
	req.Empty(cfg.RedisAddr)
	req.Empty(cfg.NATSURL)
}

func Test_Load_Overrides(t *testing.T) {
	req := require.New(t)
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("OWNERSHIP_TIMEOUT", "500ms")
	t.Setenv("SUPERVISOR_ID", "root")
	t.Setenv("SUPERVISOR_EMAIL", "root@example.com")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(500*time.Millisecond, cfg.OwnershipTimeout)
	req.Equal("root", cfg.SupervisorID)

	sc := cfg.Server()
	req.Equal(":9000", sc.ListenAddr)
	req.Equal(8, sc.WorkerPoolSize)
	req.Equal(3*time.Second, sc.WriteTimeout)
	req.Equal(10*time.Second, sc.ReadTimeout)
}

func Test_Load_Requires_Secret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func Test_Load_Supervisor_Pair(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SUPERVISOR_ID", "root")
	t.Setenv("SUPERVISOR_EMAIL", "")
	_, err := Load()
	require.Error(t, err)
}
