package config_test

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
log_level = "debug"

[ledger]
snapshot_interval = 500
snapshot_check = "2s"

[persistence]
flush_timeout = "25ms"

[redis]
enabled = false
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(500), cfg.Ledger.SnapshotInterval)
	assert.Equal(t, 2*time.Second, cfg.Ledger.SnapshotCheck.Duration)
	assert.Equal(t, 25*time.Millisecond, cfg.Persistence.FlushTimeout.Duration)
	assert.False(t, cfg.Redis.Enabled)

	// untouched keys keep their defaults
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 50, cfg.Persistence.BatchSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTOML(t, `
[postgres]
dsn = "postgres://file"
`)
	t.Setenv("MARKET_POSTGRES_DSN", "postgres://env")
	t.Setenv("MARKET_PERSISTENCE_BATCH_SIZE", "7")
	t.Setenv("MARKET_REDIS_LOCK_TTL", "1m")
	t.Setenv("MARKET_ROLES_ORACLES", " 0x00000000000000000000000000000000000000b1 , ,0x00000000000000000000000000000000000000b2")
	t.Setenv("MARKET_SERVER_RATE_PER_SECOND", "not-a-number")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, 7, cfg.Persistence.BatchSize)
	assert.Equal(t, time.Minute, cfg.Redis.LockTTL.Duration)
	assert.Equal(t, []string{
		"0x00000000000000000000000000000000000000b1",
		"0x00000000000000000000000000000000000000b2",
	}, cfg.Roles.Oracles)
	// unparseable values leave the previous one in place
	assert.Equal(t, float64(50), cfg.Server.RatePerSecond)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Defaults().Ledger, cfg.Ledger)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := config.Load(writeTOML(t, `[ledger`))
	assert.Error(t, err)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "loud"
	cfg.Ledger.CollateralAsset = "usdc"
	cfg.Roles.Admins = []string{"nobody"}
	cfg.Postgres.DSN = " "
	cfg.Persistence.BatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown log_level "loud"`,
		`collateral_asset "usdc"`,
		`admins entry "nobody"`,
		"postgres: dsn must not be empty",
		"persistence: batch_size must be >= 1",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_RegistryMustDifferFromCollateral(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.CollateralAsset = cfg.Ledger.RegistryAddress
	assert.ErrorContains(t, cfg.Validate(), "must differ")
}

func TestRolesApply(t *testing.T) {
	admin := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	oracle := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	rc := config.RolesConfig{Admins: []string{admin.Hex()}, Oracles: []string{oracle.Hex()}}
	roles := access.NewRoles()
	require.NoError(t, rc.Apply(roles))

	assert.True(t, roles.HasRole(access.RoleAdmin, admin))
	assert.True(t, roles.HasRole(access.RoleOracle, oracle))
	assert.False(t, roles.HasRole(access.RoleCreator, admin))

	bad := config.RolesConfig{Creators: []string{"0x12"}}
	assert.Error(t, bad.Apply(access.NewRoles()))
}
