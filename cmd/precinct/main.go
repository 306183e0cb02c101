package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"precinct/internal/agent"
	"precinct/internal/backend"
	"precinct/internal/config"
	"precinct/internal/conversation"
	"precinct/internal/domain"
	"precinct/internal/gateway"
	"precinct/internal/memory"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "precinct",
		Short: "Precinct: streaming gateway for the investigation assistant platform",
		Long:  "Precinct drives streaming runs against domain investigation agents and keeps a bounded, persistent conversation history.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.precinct/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.General.LogLevel)}))
	return cfg
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// buildStack wires config into the persistence layer, conversation
// store, and agent service.
func buildStack(cfg *config.Config, onFrame func(string, *domain.StreamFrame)) (*agent.Service, *agent.Catalog, *memory.SQLiteStore, error) {
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger, memory.Options{
		SnapshotLimit: cfg.Memory.SnapshotLimit,
		MaxSessions:   cfg.Memory.MaxSessions,
		MaxAge:        time.Duration(cfg.Memory.MaxSessionDays) * 24 * time.Hour,
		SizeBudget:    int64(cfg.Memory.SizeBudgetKB) * 1024,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	conv := conversation.New(conversation.Config{
		HardCap:        cfg.Conversation.MaxMessages,
		SweepThreshold: cfg.Conversation.SweepThreshold,
		SweepTarget:    cfg.Conversation.SweepTarget,
		Persist:        store,
		Logger:         logger,
	})

	defs := agent.DefaultAgents()
	if len(cfg.Agents) > 0 {
		defs = defs[:0]
		for _, a := range cfg.Agents {
			defs = append(defs, agent.Definition{
				ID:          a.ID,
				Name:        a.Name,
				Description: a.Description,
				Endpoint:    a.Endpoint,
				Model:       a.Model,
				Provider:    a.Provider,
			})
		}
	}
	catalog := agent.NewCatalog(defs)

	client := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		APIKey:  cfg.Backend.APIKey,
		Logger:  logger,
	})

	retry := backend.DefaultRetryPolicy(logger)
	if cfg.Backend.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.Backend.RetryMaxAttempts
	}
	if cfg.Backend.RetryBaseDelayMs > 0 {
		retry.BaseDelay = time.Duration(cfg.Backend.RetryBaseDelayMs) * time.Millisecond
	}

	svc := agent.NewService(agent.ServiceConfig{
		Agents:        catalog,
		Backend:       client,
		Store:         conv,
		Persist:       store,
		Retry:         retry,
		StreamTimeout: time.Duration(cfg.Backend.StreamTimeoutMinutes) * time.Minute,
		UserID:        cfg.General.UserID,
		Logger:        logger,
		OnFrame:       onFrame,
	})
	return svc, catalog, store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var gw *gateway.Server
			svc, catalog, store, err := buildStack(cfg, func(sessionID string, f *domain.StreamFrame) {
				if gw != nil {
					gw.PublishFrame(sessionID, f)
				}
			})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := svc.ResumeSession(ctx); err != nil {
				logger.Warn("session resume failed", "err", err)
			}

			gw = gateway.New(gateway.Config{
				Host:    cfg.Web.Host,
				Port:    cfg.Web.Port,
				Agents:  catalog,
				Service: svc,
				Logger:  logger,
				Version: version,
			})
			return gw.Start(ctx)
		},
	}
}

func chatCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with an agent on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, catalog, store, err := buildStack(cfg, func(_ string, f *domain.StreamFrame) {
				if f.IsDelta() {
					if delta, ok := f.Text(); ok {
						fmt.Print(delta)
					}
				}
			})
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := catalog.Get(agentID); err != nil {
				return err
			}
			if err := svc.ResumeSession(ctx); err != nil {
				logger.Warn("session resume failed", "err", err)
			}

			fmt.Printf("precinct %s — agent %q (ctrl-d to exit)\n", version, agentID)
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if err := svc.StreamResponse(ctx, agentID, input, nil); err != nil {
					fmt.Fprintf(os.Stderr, "\nstream error: %v\n", err)
					continue
				}
				fmt.Println()
			}
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "general", "agent id to chat with")
	return cmd
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			_, _, store, err := buildStack(cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			activeID, _, err := store.ActiveSession(ctx)
			if err != nil {
				return err
			}
			sessions, err := store.Catalogue(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				marker := " "
				if s.ID == activeID {
					marker = "*"
				}
				fmt.Printf("%s %-36s  %-40s  %s\n",
					marker, s.ID, s.Title, s.LastActivity.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check config, session database, and backend reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			fmt.Printf("config:   %s\n", resolveConfigPath())
			fmt.Printf("backend:  %s\n", cfg.Backend.BaseURL)

			_, _, store, err := buildStack(cfg, nil)
			if err != nil {
				fmt.Printf("database: FAIL (%v)\n", err)
				return err
			}
			defer store.Close()
			sessions, err := store.Catalogue(context.Background())
			if err != nil {
				fmt.Printf("database: FAIL (%v)\n", err)
				return err
			}
			fmt.Printf("database: ok (%d sessions)\n", len(sessions))

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(cfg.Backend.BaseURL + "/healthz")
			if err != nil {
				fmt.Printf("backend:  unreachable (%v)\n", err)
				return nil
			}
			resp.Body.Close()
			fmt.Printf("backend:  ok (%d)\n", resp.StatusCode)
			return nil
		},
	}
}
