// Command CarePipe runs the emotional-support conversation engine as an HTTP
// and WhatsApp service, or as a local chat REPL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BTreeMap/CarePipe/internal/catalog"
	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/parser"
	"github.com/BTreeMap/CarePipe/internal/safety"
	"github.com/BTreeMap/CarePipe/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries the configuration shared by subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "CarePipe",
		Short:         "Emotional-support conversation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv()
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			initializeLogger(cfg.Debug)
			slog.Debug("Configuration loaded", "state_dir", cfg.StateDir, "store", store.DetectDSNType(cfg.Store.DSN),
				"provider", cfg.GenAI.Provider, "safety_policy", cfg.Engine.SafetyPolicy)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: carepipe.yaml in . or the state dir)")
	flags.Bool("debug", false, "enable debug logging and reply diagnostics")
	flags.String("state-dir", config.DefaultStateDir, "directory for state data")
	flags.String("db-dsn", "", "store DSN: sqlite path, postgres DSN, redis:// URL or \"memory\"")
	flags.String("provider", "openai", "generation provider: openai, gemini or mock")
	flags.String("model", "", "generation model name")
	flags.String("safety-policy", "advisory", "safety gate policy: advisory or block")
	_ = a.v.BindPFlag("debug", flags.Lookup("debug"))
	_ = a.v.BindPFlag("state_dir", flags.Lookup("state-dir"))
	_ = a.v.BindPFlag("store.dsn", flags.Lookup("db-dsn"))
	_ = a.v.BindPFlag("genai.provider", flags.Lookup("provider"))
	_ = a.v.BindPFlag("genai.model", flags.Lookup("model"))
	_ = a.v.BindPFlag("engine.safety_policy", flags.Lookup("safety-policy"))

	root.AddCommand(newServeCommand(a), newChatCommand(a), newStylesCommand(a))
	return root
}

// initializeLogger sets up structured logging; debug lowers the level.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// components are the engine and what it was built from.
type components struct {
	engine *flow.Engine
	store  store.Store
	closer []func() error
}

func (c *components) Close() {
	for i := len(c.closer) - 1; i >= 0; i-- {
		if err := c.closer[i](); err != nil {
			slog.Warn("Shutdown: close failed", "error", err)
		}
	}
}

// buildEngine wires the store, locker, generator, parser, catalog, safety
// gate and metrics into an engine. dsn overrides the configured store.
func buildEngine(ctx context.Context, cfg *config.Config, dsn string, reg prometheus.Registerer) (*components, error) {
	if dsn == "" {
		dsn = cfg.Store.DSN
	}
	if store.DetectDSNType(dsn) == store.DSNTypeSQLite {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	c := &components{}
	st, err := store.Open(ctx, dsn, store.WithKeyPrefix(cfg.Store.KeyPrefix), store.WithTTL(cfg.Store.TTL))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.store = st
	c.closer = append(c.closer, st.Close)

	locker, err := buildLocker(ctx, cfg, st, c)
	if err != nil {
		c.Close()
		return nil, err
	}

	gen, err := genai.New(ctx, genai.Provider(cfg.GenAI.Provider),
		genai.WithAPIKey(cfg.GenAI.APIKey),
		genai.WithModel(cfg.GenAI.Model),
		genai.WithBaseURL(cfg.GenAI.BaseURL),
		genai.WithTemperature(cfg.GenAI.Temperature))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	parserOpts := []parser.Option{parser.WithEnhanceTimeout(cfg.Parser.Timeout)}
	if cfg.Parser.Enhance {
		enhancer, err := parser.NewLLMEnhancer(gen, cfg.Parser.CacheSize)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create parser enhancer: %w", err)
		}
		parserOpts = append(parserOpts, parser.WithEnhancer(enhancer), parser.WithAlwaysEnhance(cfg.Parser.AlwaysEnhance))
	}

	cat, err := catalog.Load(catalog.WithStylesFile(cfg.Catalog.StylesFile), catalog.WithInterventionsFile(cfg.Catalog.InterventionsFile))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	policy, err := safety.ParsePolicy(cfg.Engine.SafetyPolicy)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.engine, err = flow.NewEngine(st, gen, cat,
		flow.WithParser(parser.New(parserOpts...)),
		flow.WithSafetyGate(safety.NewGate(policy)),
		flow.WithLocker(locker),
		flow.WithMetrics(metrics.MustNewMetrics(reg)),
		flow.WithGenerateTimeout(cfg.GenAI.Timeout),
		flow.WithStepTimeout(cfg.GenAI.StepTimeout),
		flow.WithLockTimeout(cfg.Engine.LockTimeout),
		flow.WithHistorySize(cfg.Engine.HistorySize))
	if err != nil {
		c.Close()
		return nil, err
	}
	slog.Info("Engine ready", "store", store.DetectDSNType(dsn), "provider", cfg.GenAI.Provider,
		"enhance", cfg.Parser.Enhance, "policy", policy, "styles", len(cat.Styles()))
	return c, nil
}

// buildLocker picks a Redis locker when one is configured or the store is
// Redis, and the in-process keyed mutex otherwise.
func buildLocker(ctx context.Context, cfg *config.Config, st store.Store, c *components) (store.Locker, error) {
	if cfg.Store.LockerURL != "" {
		opts, err := redis.ParseURL(cfg.Store.LockerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid locker url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("locker redis ping failed: %w", err)
		}
		c.closer = append(c.closer, client.Close)
		return store.NewRedisLocker(client, cfg.Store.KeyPrefix, 0, 0), nil
	}
	if rs, ok := st.(*store.RedisStore); ok {
		return store.NewRedisLocker(rs.Client(), cfg.Store.KeyPrefix, 0, 0), nil
	}
	return store.NewKeyedMutex(), nil
}
