package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyquiz/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Pubsub struct {
			Addrs  []string
			Prefix string
		}
	}

	Game struct {
		StoreTimeout time.Duration
		MaxRounds    int
	}
}

func defaults() testConfig {
	var c testConfig
	c.HTTP.Port = 8080
	c.Redis.Pubsub.Prefix = "partyquiz"
	c.Game.StoreTimeout = 5 * time.Second
	c.Game.MaxRounds = 9
	return c
}

func TestLoad(t *testing.T) {
	const yaml = `
http:
  port: 9090
redis:
  pubsub:
    addrs: ["localhost:6379"]
game:
  storetimeout: 2s
`

	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))

	tests := map[string]struct {
		arrange func(t *testing.T)
		file    string
		assert  func(t *testing.T, c testConfig)
	}{
		"file overrides defaults": {
			arrange: func(t *testing.T) {},
			file:    file,
			assert: func(t *testing.T, c testConfig) {
				assert.EqualValues(t, 9090, c.HTTP.Port)
				assert.Equal(t, []string{"localhost:6379"}, c.Redis.Pubsub.Addrs)
				assert.Equal(t, "partyquiz", c.Redis.Pubsub.Prefix, "default is kept")
				assert.Equal(t, 2*time.Second, c.Game.StoreTimeout)
				assert.Equal(t, 9, c.Game.MaxRounds)
			},
		},
		"env overrides file": {
			arrange: func(t *testing.T) {
				t.Setenv("HTTP_PORT", "7070")
				t.Setenv("REDIS_PUBSUB_PREFIX", "other")
			},
			file: file,
			assert: func(t *testing.T, c testConfig) {
				assert.EqualValues(t, 7070, c.HTTP.Port)
				assert.Equal(t, "other", c.Redis.Pubsub.Prefix)
			},
		},
		"no file": {
			arrange: func(t *testing.T) {
				t.Setenv("GAME_MAXROUNDS", "5")
			},
			assert: func(t *testing.T, c testConfig) {
				assert.EqualValues(t, 8080, c.HTTP.Port)
				assert.Equal(t, 5, c.Game.MaxRounds)
			},
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			tc.arrange(t)

			c := defaults()
			require.NoError(t, config.Load(tc.file, &c))
			tc.assert(t, c)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	c := defaults()
	assert.Error(t, config.Load(filepath.Join(t.TempDir(), "missing.yaml"), &c))
}
