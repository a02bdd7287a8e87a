package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alloyhq/alloy/internal/cli"
	"github.com/alloyhq/alloy/internal/config"
	"github.com/alloyhq/alloy/internal/objectstore"
	"github.com/alloyhq/alloy/internal/server"
	"github.com/alloyhq/alloy/internal/storage"
	"github.com/alloyhq/alloy/internal/version"
	"github.com/alloyhq/alloy/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "alloy",
		Short:   "Remote macOS builds on pooled tart VMs",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serverCmd(),
		workerCmd(),
		runCmd(),
		jobsCmd(),
		statusCmd(),
		logsCmd(),
		cancelCmd(),
		retryCmd(),
		artifactsCmd(),
		keysCmd(),
		loginCmd(),
		registerCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the orchestrator",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.ServerFromEnv()
	log := slog.Default()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; set it before exposing the server")
	}
	if cfg.WorkerSecret == "" {
		log.Warn("WORKER_SECRET_KEY not set, worker endpoints are open")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	log.Info("initializing storage", "path", cfg.DBPath)
	store, err := storage.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	blobs, err := newObjectStore(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize object store: %w", err)
	}

	auth := server.NewAuthHandler(server.AuthConfig{JWTSecret: cfg.JWTSecret}, store, log)
	hub := server.NewHub()
	logs := server.NewLogHub(log)
	api := server.NewAPIHandler(store, blobs, logs, auth, cfg.BaseURL, cfg.WorkerSecret, log)
	workers := server.NewWorkerHandler(store, hub, logs, cfg.WorkerSecret, log)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/jobs", api)
	mux.Handle("/api/v1/jobs/", api)
	mux.Handle("/api/v1/workers/", workers)
	mux.Handle("/api/v1/auth/", auth)
	mux.Handle("/api/v1/api-keys", auth)
	mux.Handle("/api/v1/api-keys/", auth)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.CORS(mux, cfg.CORSOrigins),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "base_url", cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}
	return nil
}

// newObjectStore picks S3 when an endpoint is configured, local
// filesystem otherwise.
func newObjectStore(cfg config.Server, log *slog.Logger) (objectstore.Store, error) {
	if cfg.StorageEndpoint != "" {
		return objectstore.NewS3Store(objectstore.S3Config{
			Endpoint:        cfg.StorageEndpoint,
			AccessKeyID:     cfg.StorageAccessKey,
			SecretAccessKey: cfg.StorageSecretKey,
			Bucket:          cfg.StorageBucket,
			PublicBaseURL:   cfg.StoragePublicURL,
		}, log)
	}
	publicBase := cfg.StoragePublicURL
	if publicBase == "" {
		publicBase = cfg.BaseURL
	}
	return objectstore.NewFilesystemStore(cfg.StorageDir, publicBase, log)
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a Mac worker agent",
		RunE:  runWorkerAgent,
	}
}

func runWorkerAgent(cmd *cobra.Command, args []string) error {
	cfg := config.WorkerFromEnv()
	log := slog.Default()

	if cfg.WorkerSecret == "" {
		return fmt.Errorf("WORKER_SECRET_KEY is required")
	}

	w, err := worker.New(worker.Config{
		OrchestratorURL: cfg.OrchestratorURL,
		WorkerSecret:    cfg.WorkerSecret,
		Hostname:        cfg.Hostname,
		Capacity:        cfg.Capacity,
		DataDir:         cfg.DataDir,
		JobTimeout:      cfg.JobTimeout,
		Pool: worker.PoolConfig{
			BaseImage:   cfg.BaseImage,
			Size:        cfg.PoolSize,
			SetupScript: cfg.SetupScript,
		},
	}, nil, nil, log)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting worker", "orchestrator", cfg.OrchestratorURL, "capacity", cfg.Capacity, "pool_size", cfg.PoolSize)
	return w.Run(ctx)
}

// apiClient builds a client from saved CLI config.
func apiClient() (*cli.Client, error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("not logged in, run: alloy login")
	}
	return cli.NewClient(cfg.ServerURL, cfg.Token), nil
}

func runCmd() *cobra.Command {
	var gitURL string
	var detach bool

	cmd := &cobra.Command{
		Use:   "run [command]",
		Short: "Submit a build job and stream its logs",
		Long: `Submit a build job from the current directory.

If no command is given, reads from .alloy.yaml (or .toml/.json).
Without --git, the working tree is zipped and uploaded; a clean git
checkout is deduplicated by commit sha.

Examples:
  alloy run                          # uses command from .alloy.yaml
  alloy run "xcodebuild test"        # explicit command
  alloy run --git https://github.com/me/app.git "xcodebuild build"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			exitCode, err := cli.Run(cmd.Context(), client, cli.RunOptions{
				Command: strings.Join(args, " "),
				GitURL:  gitURL,
				Detach:  detach,
			}, os.Stdout)
			if err != nil {
				return err
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&gitURL, "git", "", "Submit a git URL instead of uploading the working tree")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Submit without following logs")
	return cmd
}

func jobsCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List your jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			return cli.PrintJobs(cmd.Context(), client, status, limit, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to list")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			return cli.PrintJob(cmd.Context(), client, args[0], os.Stdout)
		},
	}
}

func logsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show logs for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			if follow {
				status, exitCode, err := cli.FollowLogs(cmd.Context(), client.ServerURL, client.Token, args[0], os.Stdout)
				if err != nil {
					return err
				}
				if status != "" {
					fmt.Printf("\nJob %s: %s (exit code %d)\n", args[0], status, exitCode)
				}
				return nil
			}
			return cli.PrintStoredLogs(cmd.Context(), client, args[0], os.Stdout)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream live output")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			if err := client.CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Job %s cancelled\n", args[0])
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Clone a finished job and run it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			resp, err := client.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s submitted (retry of %s)\n", resp.NewJobID, args[0])
			return nil
		},
	}
}

func artifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "List artifacts collected from a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			return cli.PrintArtifacts(cmd.Context(), client, args[0], os.Stdout)
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			return cli.CreateKey(cmd.Context(), client, args[0], os.Stdout)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			return cli.ListKeys(cmd.Context(), client, os.Stdout)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := apiClient()
			if err != nil {
				return err
			}
			return cli.DeleteKey(cmd.Context(), client, args[0], os.Stdout)
		},
	})
	return cmd
}

func loginCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Login(cmd.Context(), resolveServerURL(serverURL), false, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Orchestrator URL")
	return cmd
}

func registerCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Login(cmd.Context(), resolveServerURL(serverURL), true, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Orchestrator URL")
	return cmd
}

// resolveServerURL prefers the flag, falls back to saved config.
func resolveServerURL(flag string) string {
	if flag != "" {
		return flag
	}
	if cfg, err := config.LoadCLI(); err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return "http://localhost:3000"
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show CLI configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCLI()
			if err != nil {
				return err
			}
			path, _ := config.CLIPath()
			fmt.Printf("Config:  %s\n", path)
			fmt.Printf("Server:  %s\n", cfg.ServerURL)
			if cfg.Token != "" {
				fmt.Println("Token:   (set)")
			} else {
				fmt.Println("Token:   (not set)")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one config value (server_url, token)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCLI()
			if err != nil {
				return err
			}
			switch args[0] {
			case "server_url":
				fmt.Println(cfg.ServerURL)
			case "token":
				fmt.Println(cfg.Token)
			default:
				return fmt.Errorf("unknown key %q", args[0])
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config value (server_url, token)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCLI()
			if err != nil {
				return err
			}
			switch args[0] {
			case "server_url":
				cfg.ServerURL = args[1]
			case "token":
				cfg.Token = args[1]
			default:
				return fmt.Errorf("unknown key %q", args[0])
			}
			return config.SaveCLI(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the job file in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}
			jf, filename, err := config.LoadJobFile(workDir)
			if err != nil {
				return err
			}
			fmt.Printf("Valid: %s\n", filename)
			if jf.Command != "" {
				fmt.Printf("  command: %s\n", jf.Command)
			}
			if jf.Script != "" {
				fmt.Printf("  script: %d bytes\n", len(jf.Script))
			}
			fmt.Printf("  timeout: %s\n", jf.Timeout.Duration())
			return nil
		},
	})
	return cmd
}
