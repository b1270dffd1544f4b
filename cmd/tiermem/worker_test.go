package main

import (
	"context"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/internal/config"
)

func noop(context.Context, []string) error { return nil }

func TestNewCron(t *testing.T) {
	jobs := []tenantJob{
		{"sync", "0 */6 * * *", noop},
		{"consolidate", "", noop},
		{"tags", "0 4 * * 0", noop},
	}
	c, err := newCron(context.Background(), jobs, []string{"acme"})
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2, "an empty schedule disables the job")
}

func TestNewCron_InvalidSchedule(t *testing.T) {
	_, err := newCron(context.Background(), []tenantJob{{"sync", "every day", noop}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `schedule sync "every day"`)

	_, err = newCron(context.Background(), []tenantJob{{"sync", "0 0 * * * *", noop}}, nil)
	assert.Error(t, err, "seconds field is not accepted")
}

func TestTenantsOf(t *testing.T) {
	_, err := tenantsOf(&config.Config{})
	assert.Error(t, err)

	cfg := &config.Config{Worker: config.WorkerConfig{Tenants: []string{"acme"}}}
	tenants, err := tenantsOf(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
	assert.Empty(t, sortedKeys(map[string]error{}))
}

func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"sync", "consolidate", "tags", "worker", "backup"} {
		assert.True(t, names[want], want)
	}
	sub, _, err := rootCmd.Find([]string{"tags", "consolidate"})
	require.NoError(t, err)
	assert.Equal(t, "consolidate", sub.Name())
}

func TestReloadLogLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cv := config.NewViper()
	reload := reloadLogLevel(cv)

	cv.Set("log.level", "debug")
	reload(fsnotify.Event{Name: "tiermem.yaml", Op: fsnotify.Chmod})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel(), "chmod is ignored")

	reload(fsnotify.Event{Name: "tiermem.yaml", Op: fsnotify.Write})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
