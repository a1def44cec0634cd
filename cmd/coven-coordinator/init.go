// ABOUTME: Interactive init command that writes a starter coordinator.yaml
// ABOUTME: Generates a random JWT secret and creates the data directory

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/config"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), opts.resolveConfigPath())
		},
	}
}

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	httpAddr     string
	grpcAddr     string
	backend      string
	storeDir     string
	storePath    string
	essential    []string
	discovery    bool
	roots        []string
	jwtSecret    string
	logLevel     string
	logFormat    string
	metricsOn    bool
	tailscaleOn  bool
	tsHostname   string
	tsAuthKey    string
	tsEphemeral  bool
	launchByName map[string]string
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-coordinator configuration setup")
	fmt.Fprintln(out, "=====================================")
	fmt.Fprintln(out)

	dataDir := config.DataDir()

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.httpAddr = prompt(reader, out, "HTTP address", "127.0.0.1:8090")
	a.grpcAddr = prompt(reader, out, "gRPC health address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- State Store ---")
	a.backend = prompt(reader, out, "Backend (memory/file/sqlite)", config.BackendFile)
	switch a.backend {
	case config.BackendFile:
		a.storeDir = prompt(reader, out, "State directory", dataDir)
	case config.BackendSQLite:
		a.storePath = prompt(reader, out, "SQLite database path", filepath.Join(dataDir, "coordinator.db"))
	case config.BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", a.backend)
	}

	fmt.Fprintln(out, "\n--- Health Monitor ---")
	a.essential = splitList(prompt(reader, out, "Essential agents (comma separated)", ""))
	a.launchByName = make(map[string]string, len(a.essential))
	for _, name := range a.essential {
		a.launchByName[name] = prompt(reader, out, fmt.Sprintf("Launch command for %s", name), "")
		if a.launchByName[name] == "" {
			return fmt.Errorf("essential agent %s needs a launch command", name)
		}
	}

	fmt.Fprintln(out, "\n--- Task Discovery ---")
	a.discovery = yes(prompt(reader, out, "Scan source trees for TODO/FIXME markers?", "no"))
	if a.discovery {
		a.roots = splitList(prompt(reader, out, "Roots (comma separated)", "."))
	}

	fmt.Fprintln(out, "\n--- Authentication ---")
	if yes(prompt(reader, out, "Require API tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.jwtSecret = secret
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.tailscaleOn = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.tailscaleOn {
		a.tsHostname = prompt(reader, out, "Tailscale hostname", "coven-coordinator")
		a.tsAuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.tsEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging and Metrics ---")
	a.logLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.metricsOn = yes(prompt(reader, out, "Expose Prometheus metrics?", "yes"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	if a.jwtSecret != "" {
		fmt.Fprintln(out, "\nMint an operator token with:")
		fmt.Fprintln(out, "  coven-coordinator token --subject $USER")
	}
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-coordinator serve")
	return nil
}

// renderConfig produces the YAML document for a.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-coordinator configuration\n")
	cfg.WriteString("# Generated by coven-coordinator init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.httpAddr)
	if a.grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("store:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.backend)
	if a.storeDir != "" {
		fmt.Fprintf(&cfg, "  dir: %q\n", a.storeDir)
	}
	if a.storePath != "" {
		fmt.Fprintf(&cfg, "  path: %q\n", a.storePath)
	}
	cfg.WriteString("\n")

	cfg.WriteString("monitor:\n")
	cfg.WriteString("  sweep_interval: \"60s\"\n")
	cfg.WriteString("  stale_after: \"300s\"\n")
	cfg.WriteString("  discovery_interval: \"10m\"\n")
	if len(a.essential) > 0 {
		cfg.WriteString("  essential:\n")
		for _, name := range a.essential {
			fmt.Fprintf(&cfg, "    - %q\n", name)
		}
	}
	cfg.WriteString("\n")

	if len(a.essential) > 0 {
		cfg.WriteString("agents:\n")
		cfg.WriteString("  launch:\n")
		for _, name := range a.essential {
			fields := strings.Fields(a.launchByName[name])
			fmt.Fprintf(&cfg, "    %s:\n", name)
			fmt.Fprintf(&cfg, "      command: %q\n", fields[0])
			if len(fields) > 1 {
				cfg.WriteString("      args:\n")
				for _, arg := range fields[1:] {
					fmt.Fprintf(&cfg, "        - %q\n", arg)
				}
			}
		}
		cfg.WriteString("\n")
	}

	cfg.WriteString("discovery:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.discovery)
	if len(a.roots) > 0 {
		cfg.WriteString("  roots:\n")
		for _, r := range a.roots {
			fmt.Fprintf(&cfg, "    - %q\n", r)
		}
	}
	cfg.WriteString("\n")

	if a.jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.jwtSecret)
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.tailscaleOn)
	if a.tailscaleOn {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.tsHostname)
		if a.tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.logFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.metricsOn)
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
