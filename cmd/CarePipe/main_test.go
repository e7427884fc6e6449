package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CAREPIPE_STATE_DIR", t.TempDir())
	t.Setenv("CAREPIPE_GENAI_PROVIDER", "mock")
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	return cfg
}

func newTestREPL(t *testing.T, cfg *config.Config) (*repl, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
	c, err := buildEngine(context.Background(), cfg, "memory", prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	var out bytes.Buffer
	return &repl{engine: c.engine, session: "cli:test", out: &out}, &out
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "chat", "styles"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestBuildEngineLocker(t *testing.T) {
	cfg := testConfig(t)

	c, err := buildEngine(context.Background(), cfg, "memory", prometheus.NewRegistry())
	require.NoError(t, err)
	defer c.Close()
	locker, err := buildLocker(context.Background(), cfg, c.store, c)
	require.NoError(t, err)
	assert.IsType(t, &store.KeyedMutex{}, locker)

	mr := miniredis.RunT(t)
	cfg.Store.LockerURL = "redis://" + mr.Addr()
	locker, err = buildLocker(context.Background(), cfg, c.store, c)
	require.NoError(t, err)
	assert.IsType(t, &store.RedisLocker{}, locker)

	cfg.Store.LockerURL = "redis://" + mr.Addr() + "/not-a-db"
	_, err = buildLocker(context.Background(), cfg, c.store, c)
	assert.Error(t, err)
}

func TestBuildEngineRedisStoreSharesClient(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)

	c, err := buildEngine(context.Background(), cfg, "redis://"+mr.Addr(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer c.Close()
	locker, err := buildLocker(context.Background(), cfg, c.store, c)
	require.NoError(t, err)
	assert.IsType(t, &store.RedisLocker{}, locker)
}

func TestBuildEngineRejectsBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.StylesFile = "/nonexistent/styles.yaml"
	_, err := buildEngine(context.Background(), cfg, "memory", prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestREPLConversation(t *testing.T) {
	r, out := newTestREPL(t, testConfig(t))
	ctx := context.Background()

	assert.True(t, r.handle(ctx, "   "))
	assert.Empty(t, out.String())

	assert.True(t, r.handle(ctx, "/card"))
	assert.Contains(t, out.String(), "error:")
	out.Reset()

	for _, msg := range []string{"最近工作压力很大", "老板总是临时加任务", "晚上也睡不好", "感觉很累"} {
		assert.True(t, r.handle(ctx, msg))
	}
	assert.Contains(t, out.String(), "CarePipe > ")
	assert.Contains(t, out.String(), "/feedback satisfied")
	out.Reset()

	r.handle(ctx, "/feedback satisfied")
	assert.Contains(t, out.String(), "stage=inviting")
	assert.Contains(t, out.String(), "/card")
	out.Reset()

	r.handle(ctx, "/card")
	assert.Contains(t, out.String(), "卡片 ")
	out.Reset()

	r.handle(ctx, "/reset")
	r.handle(ctx, "/state")
	assert.Contains(t, out.String(), "session reset")
	assert.Contains(t, out.String(), "error:")
}

func TestREPLCommands(t *testing.T) {
	r, out := newTestREPL(t, testConfig(t))
	ctx := context.Background()

	r.handle(ctx, "/styles")
	assert.NotContains(t, out.String(), "crisis_safe")
	assert.NotEmpty(t, strings.TrimSpace(out.String()))
	out.Reset()

	r.handle(ctx, "/style crisis_safe")
	assert.Contains(t, out.String(), "unknown style")
	out.Reset()

	r.handle(ctx, "/debug")
	assert.True(t, r.debug)
	r.handle(ctx, "你好")
	assert.Contains(t, out.String(), "DEBUG: stage=chatting")
	out.Reset()

	r.handle(ctx, "/state")
	assert.Contains(t, out.String(), "stage=chatting turn=1")
	out.Reset()

	r.handle(ctx, "/bogus")
	assert.Contains(t, out.String(), "unknown command /bogus")

	assert.False(t, r.handle(ctx, "/quit"))
}
