package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aipartnerupflow/taskengine/internal/config"
	"github.com/aipartnerupflow/taskengine/internal/copyengine"
	"github.com/aipartnerupflow/taskengine/internal/creator"
	"github.com/aipartnerupflow/taskengine/internal/executors/aggregate"
	"github.com/aipartnerupflow/taskengine/internal/executors/llmcall"
	"github.com/aipartnerupflow/taskengine/internal/facade"
	"github.com/aipartnerupflow/taskengine/internal/manager"
	"github.com/aipartnerupflow/taskengine/internal/metrics"
	"github.com/aipartnerupflow/taskengine/internal/registry"
	"github.com/aipartnerupflow/taskengine/internal/sessionpool"
	"github.com/aipartnerupflow/taskengine/internal/store"
	"github.com/aipartnerupflow/taskengine/internal/store/postgres"
	"github.com/aipartnerupflow/taskengine/internal/store/sqlite"
	"github.com/aipartnerupflow/taskengine/internal/streaming"
	"github.com/aipartnerupflow/taskengine/internal/tracker"
	"github.com/aipartnerupflow/taskengine/internal/version"
	taskrouter "github.com/aipartnerupflow/taskengine/server/router"
)

var rootCmd = &cobra.Command{
	Use:   "taskengine",
	Short: "A task-graph orchestration engine: ingest a task array, schedule it bottom-up by priority, stream progress as it runs.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		cfg := config.Default()
		cfg.Mode = viper.GetString("mode")
		cfg.Addr = viper.GetString("addr")
		cfg.Port = viper.GetInt("port")
		cfg.UnixSock = viper.GetString("unix-sock")
		cfg.Data = viper.GetString("data")
		cfg.Driver = viper.GetString("driver")
		cfg.DSN = viper.GetString("dsn")
		cfg.InstanceURL = viper.GetString("instance-url")
		cfg.FromEnv()
		if err := cfg.Validate(); err != nil {
			panic(err)
		}

		driver, err := openDriver(cfg)
		if err != nil {
			slog.Error("taskengine: failed to open storage driver", "error", err)
			return
		}
		defer driver.Close()

		st := store.New(driver)
		reg := buildRegistry()
		exporter := metrics.New()

		bus := streaming.NewBus()
		memSink := streaming.NewMemorySink()
		bus.Attach(memSink)
		if url := os.Getenv("TASKENGINE_WEBHOOK_URL"); url != "" {
			webhookCfg := streaming.WebhookConfig{
				URL:        url,
				Timeout:    cfg.WebhookTimeout,
				MaxRetries: cfg.WebhookMaxRetries,
			}
			if n, convErr := strconv.ParseFloat(os.Getenv("TASKENGINE_WEBHOOK_RATE_PER_SECOND"), 64); convErr == nil {
				webhookCfg.RatePerSecond = n
			}
			sink := streaming.NewWebhookSink("jsonrpc", webhookCfg, slog.Default()).
				WithRetryObserver(exporter.WebhookRetry)
			bus.Attach(sink)
		}
		if token := os.Getenv("TASKENGINE_TELEGRAM_BOT_TOKEN"); token != "" {
			chatID, convErr := strconv.ParseInt(os.Getenv("TASKENGINE_TELEGRAM_CHAT_ID"), 10, 64)
			if convErr != nil {
				slog.Error("taskengine: TASKENGINE_TELEGRAM_CHAT_ID invalid, telegram sink disabled", "error", convErr)
			} else if tgSink, tgErr := streaming.NewTelegramSink(token, chatID, slog.Default()); tgErr != nil {
				slog.Error("taskengine: failed to start telegram sink", "error", tgErr)
			} else {
				bus.Attach(tgSink)
			}
		}

		pool := sessionpool.New(cfg.MaxSessions, cfg.SessionTimeout).WithObserver(exporter)

		mgr := manager.New(st, reg,
			manager.WithBus(bus),
			manager.WithMetrics(exporter),
		)
		cr := creator.New(st, slog.Default())
		tr := tracker.New()
		ce := copyengine.New(st)

		f := facade.New(st, cr, mgr, ce, tr, pool, slog.Default())

		e := echo.New()
		e.HideBanner = true
		taskrouter.New(f, bus, memSink, exporter).Register(e)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			addr := serverAddr(cfg)
			if startErr := e.Start(addr); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				slog.Error("taskengine: server error", "error", startErr)
				cancel()
			}
		}()

		printGreetings(cfg)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, terminationSignals...)

		go func() {
			<-sigCh
			_ = e.Shutdown(ctx)
			pool.Shutdown()
			bus.Close()
			cancel()
		}()

		<-ctx.Done()
	},
}

func openDriver(cfg *config.Config) (store.Driver, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN)
	default:
		return sqlite.Open(cfg.DSN)
	}
}

// buildRegistry registers the built-in aggregation executor always, and
// the LLM-call executor when an API key is configured — both concrete
// registry.Executor implementations exercising C7, per spec §9's
// invitation to demonstrate the registry with real executors.
func buildRegistry() *registry.Registry {
	reg := registry.New()
	if err := reg.Register(aggregate.ID, "core", aggregate.New); err != nil {
		slog.Error("taskengine: failed to register aggregate executor", "error", err)
	}

	if apiKey := os.Getenv("TASKENGINE_LLM_API_KEY"); apiKey != "" {
		factory := llmcall.NewFactory(llmcall.Config{
			APIKey:  apiKey,
			BaseURL: os.Getenv("TASKENGINE_LLM_BASE_URL"),
			Model:   os.Getenv("TASKENGINE_LLM_MODEL"),
		})
		if err := reg.Register(llmcall.ID, "llm", factory); err != nil {
			slog.Error("taskengine: failed to register llm executor", "error", err)
		}
	}
	return reg
}

func serverAddr(cfg *config.Config) string {
	if cfg.UnixSock != "" {
		return "unix:" + cfg.UnixSock
	}
	if cfg.Addr != "" {
		return fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	}
	return fmt.Sprintf(":%d", cfg.Port)
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28483)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28483, "port of server")
	rootCmd.PersistentFlags().String("unix-sock", "", "path to the unix socket, overrides --addr and --port")
	rootCmd.PersistentFlags().String("data", "", "data directory (sqlite only)")
	rootCmd.PersistentFlags().String("driver", "sqlite", "storage driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka DSN); DATABASE_URL env wins when set")
	rootCmd.PersistentFlags().String("instance-url", "", "the externally reachable URL of this instance")

	for _, key := range []string{"mode", "addr", "port", "unix-sock", "data", "driver", "dsn", "instance-url"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}
}

func printGreetings(cfg *config.Config) {
	fmt.Printf("taskengine %s starting (%s)\n", cfg.Mode, version.GetCurrentVersion(cfg.Mode))
	fmt.Printf("Driver: %s\n", cfg.Driver)
	if cfg.UnixSock != "" {
		fmt.Printf("Listening on unix socket: %s\n", cfg.UnixSock)
		return
	}
	fmt.Printf("Listening on %s\n", serverAddr(cfg))
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
