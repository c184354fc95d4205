package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"coachchat/internal/api"
	"coachchat/internal/auth"
	"coachchat/internal/billing"
	"coachchat/internal/config"
	"coachchat/internal/payments"
	"coachchat/internal/rag"
	"coachchat/internal/redis"
	"coachchat/internal/service/ai"
	"coachchat/internal/service/assistant"
	"coachchat/internal/service/chat"
	"coachchat/internal/storage"
	"coachchat/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	dbType     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coachchat",
		Short: "AI coaching chat backend with project knowledge bases and prepaid credits",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("COACHCHAT_CONFIG"), "path to config.json")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", envOr("COACHCHAT_DB", "sqlite3"), "database driver (sqlite3 or mysql)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(creditsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// openDatabase loads config, opens the configured database and migrates it.
func openDatabase() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()
			log.Printf("schema is up to date")
			return nil
		},
	}
}

func creditsCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "grant-credits [email] [amount]",
		Short: "Credit a customer by email outside any payment provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount int64
			if _, err := fmt.Sscan(args[1], &amount); err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer")
			}
			_, db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			store := billing.NewStore(db)
			ctx := cmd.Context()
			customerID, err := store.ResolveCustomerID(ctx, args[0])
			if err != nil {
				return err
			}
			if customerID == "" {
				return fmt.Errorf("email is required")
			}
			email := strings.TrimSpace(args[0])
			if err := store.AddCredits(ctx, customerID, &email, amount, description); err != nil {
				return err
			}
			balance, err := store.Balance(ctx, customerID)
			if err != nil {
				return err
			}
			fmt.Printf("customer %s now has %d credits\n", customerID, balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "Manual grant", "ledger description")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	} else {
		log.Printf("redis not configured, caching disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aiService, err := ai.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init ai service: %w", err)
	}
	assistantService := assistant.NewService(db)
	billingStore := billing.NewStore(db)
	embedder := rag.NewOpenAIEmbedder(cfg.Embedding, nil)

	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)
	orchestrator := chat.NewOrchestrator(
		assistantService,
		billingStore,
		billing.NewGate(billingStore, cfg.Chat.CreditsPerTurn),
		rag.NewRetriever(embedder, assistantService, embedder.Dimensions()),
		aiService,
		dispatcher,
		chat.Options{StreamTimeout: time.Duration(cfg.Chat.StreamTimeoutSeconds) * time.Second},
	)

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)
	cleanInterval := time.Duration(cfg.BasicConfig.TokenCleanInterval) * time.Minute
	authService.StartCleaner(ctx, cleanInterval)

	handlers := api.NewHandler(api.Dependencies{
		Assistant: assistantService,
		Auth:      authService,
		Billing:   billingStore,
		Chats:     orchestrator,
		Payments:  payments.NewProcessor(billingStore, rdb),
		HitPay:    payments.NewHitPayClient(cfg.HitPay, nil),
		Embedder:  embedder,
		Config:    cfg,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// pending finalize jobs still write assistant messages and titles
	if n := dispatcher.Queued(); n > 0 {
		log.Printf("draining %d queued finalize jobs", n)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher shutdown: %v", err)
	}
	return nil
}
