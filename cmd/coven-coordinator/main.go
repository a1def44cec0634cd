// ABOUTME: Entry point for coven-coordinator, the multi-agent coordination server
// ABOUTME: Builds the cobra command tree for serving and operating the coordinator

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/client"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___ ___   ___  _ __ __| |
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \ / _ \| '__/ _' |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | (_) | | | (_| |
 \___\___/ \_/ \___|_| |_|      \___\___/ \___/|_|  \__,_|
`

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	url        string
	token      string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "coven-coordinator",
		Short:         "Route tasks to a fleet of specialised agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $COVEN_COORDINATOR_CONFIG or ~/.config/coven/coordinator.yaml)")
	root.PersistentFlags().StringVar(&opts.url, "url", "", "coordinator base URL (default derived from server.http_addr)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("COVEN_COORDINATOR_TOKEN"), "bearer token for the API")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newHealthCmd(opts),
		newStatusCmd(opts),
		newAgentsCmd(opts),
		newSubmitCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// resolveConfigPath returns the --config flag or the default location.
func (o *globalOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.Path()
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist and no path was given explicitly.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.resolveConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) && o.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newClient builds an API client from flags and config.
func (o *globalOptions) newClient() (*client.Client, error) {
	baseURL := o.url
	if baseURL == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		baseURL = "http://" + cfg.Server.HTTPAddr
	}
	var copts []client.Option
	if o.token != "" {
		copts = append(copts, client.WithToken(o.token))
	}
	return client.New(baseURL, copts...), nil
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *globalOptions) error {
	configPath := opts.resolveConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Store.Backend)
	if len(cfg.Monitor.Essential) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Essential: %v\n", cfg.Monitor.Essential)
	}
	if cfg.Discovery.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Discovery: %v every %s\n", cfg.Discovery.Roots, cfg.Monitor.DiscoveryInterval)
	}
	if cfg.Auth.JWTSecret == "" && cfg.Auth.AuthorizedKeys == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-coordinator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
