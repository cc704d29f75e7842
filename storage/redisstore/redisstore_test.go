package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}.Validate()

	require.Equal(t, "tcp", cfg.Network)
	require.Equal(t, defaultMaxIdleConns, cfg.MaxIdleConns)
	require.Equal(t, defaultIdleTimeout, cfg.IdleTimeout)
}

func TestConfig_ValidateKeepsProvided(t *testing.T) {
	cfg := Config{
		Network:      "unix",
		MaxIdleConns: 4,
		IdleTimeout:  time.Minute,
	}.Validate()

	require.Equal(t, "unix", cfg.Network)
	require.Equal(t, 4, cfg.MaxIdleConns)
	require.Equal(t, time.Minute, cfg.IdleTimeout)
}

func TestStore_KeyPrefixing(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "tracker:"}}

	require.Equal(t, "tracker:whitelist", s.key(whitelistKey))
	require.Equal(t, "tracker:completed", s.key(countersKey))
	require.Equal(t, "tracker:keys", s.key(keysKey))
}
