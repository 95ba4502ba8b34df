// ABOUTME: Entry point for the fleet-warden controller
// ABOUTME: Monitors agent liveness, restarts offline agents, and serves the command API

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/controller"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                           _
 / _| | ___  ___| |_    __      ____ _ _ __ | | ___ _ __
| |_| |/ _ \/ _ \ __|___\ \ /\ / / _' | '__/| |/ _ \ '_ \
|  _| |  __/  __/ ||_____\ V  V / (_| | | (_| |  __/ | | |
|_| |_|\___|\___|\__|     \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// getConfigPath returns the path to the warden config file.
// Priority: FLEET_WARDEN_CONFIG env var > XDG_CONFIG_HOME/fleet-warden/warden.yaml > ~/.config/fleet-warden/warden.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet-warden", "warden.yaml")
}

// getDataPath returns the path to the fleet-warden data directory.
// Priority: XDG_DATA_HOME/fleet-warden > ~/.local/share/fleet-warden
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "fleet-warden")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-warden <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                     Start the controller")
		fmt.Println("  init                      Create a new config file interactively")
		fmt.Println("  health                    Check controller health")
		fmt.Println("  agents                    List supervised agents and their statuses")
		fmt.Println("  errors                    Show recent error records")
		fmt.Println("  restart --agent ID        Request a restart of one agent")
		fmt.Println("  reset --agent ID          Clear an agent's recovery attempt counter")
		fmt.Println("  snapshot create [NAME]    Capture a state snapshot")
		fmt.Println("  snapshot restore ID       Restore a state snapshot")
		fmt.Println("  snapshot list             List available snapshots")
		fmt.Println("  version                   Print the version and exit")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "errors":
		err = runErrors(ctx)
	case "restart":
		err = runAgentCommand(ctx, "restart_agent")
	case "reset":
		err = runAgentCommand(ctx, "reset_recovery")
	case "snapshot":
		err = runSnapshot(ctx)
	case "version", "--version":
		fmt.Printf("fleet-warden %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents))
	if cfg.Broadcast.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Broadcast: ")
		cyan.Print(cfg.Broadcast.RedisAddr)
		gray.Printf(" (%s)", cfg.Broadcast.Channel)
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting fleet-warden",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agents", len(cfg.Agents),
	)

	// Create and run the controller
	ctrl, err := controller.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	return ctrl.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	body, err := getJSON(ctx, "/healthz")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runAgents(ctx context.Context) error {
	body, err := getJSON(ctx, "/api/agents")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runErrors(ctx context.Context) error {
	body, err := getJSON(ctx, "/api/errors")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runAgentCommand(ctx context.Context, requestType string) error {
	var agentID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--agent" || arg == "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--agent requires a value")
			}
			agentID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--agent="):
			agentID = strings.TrimPrefix(arg, "--agent=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if agentID == "" {
		return fmt.Errorf("--agent flag is required")
	}

	body, err := postCommand(ctx, map[string]string{
		"request_type": requestType,
		"agent_id":     agentID,
	})
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runSnapshot(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: fleet-warden snapshot <create|restore|list>")
	}

	switch os.Args[2] {
	case "create":
		name := "manual"
		if len(os.Args) > 3 {
			name = os.Args[3]
		}
		body, err := postCommand(ctx, map[string]string{
			"request_type": "create_snapshot",
			"name":         name,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	case "restore":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: fleet-warden snapshot restore ID")
		}
		body, err := postCommand(ctx, map[string]string{
			"request_type": "restore_snapshot",
			"snapshot_id":  os.Args[3],
		})
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	case "list":
		body, err := getJSON(ctx, "/api/snapshots")
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	default:
		return fmt.Errorf("unknown snapshot command: %s", os.Args[2])
	}
}

// getJSON performs a GET against the running controller's HTTP API.
func getJSON(ctx context.Context, path string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed (is the controller running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("controller returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// postCommand sends one command envelope to the controller.
func postCommand(ctx context.Context, command map[string]string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	payload, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/command", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed (is the controller running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("controller returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleet-warden configuration setup")
	fmt.Println("================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "warden.db")
	defaultSnapshotDir := filepath.Join(defaultDataPath, "snapshots")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8787")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Monitoring
	fmt.Println("\n--- Monitoring Configuration ---")
	pollInterval := prompt(reader, "Heartbeat poll interval", "5s")
	cpuThreshold := prompt(reader, "CPU alert threshold (percent)", "90")

	// Broadcast
	fmt.Println("\n--- Health Broadcast Configuration ---")
	enableBroadcast := prompt(reader, "Enable redis health broadcast?", "no")
	broadcastEnabled := strings.ToLower(enableBroadcast) == "yes" || strings.ToLower(enableBroadcast) == "y"

	var redisAddr, channel string
	if broadcastEnabled {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
		channel = prompt(reader, "Broadcast channel", "fleet:health")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# fleet-warden configuration\n")
	cfg.WriteString("# Generated by fleet-warden init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("monitor:\n")
	cfg.WriteString(fmt.Sprintf("  poll_interval: \"%s\"\n", pollInterval))
	cfg.WriteString("  probe_timeout: \"3s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("resources:\n")
	cfg.WriteString("  sample_interval: \"10s\"\n")
	cfg.WriteString(fmt.Sprintf("  cpu_threshold: %s\n", cpuThreshold))
	cfg.WriteString("  memory_threshold: 90\n")
	cfg.WriteString("  disk_threshold: 95\n")
	cfg.WriteString("\n")

	cfg.WriteString("recovery:\n")
	cfg.WriteString("  cooldown: \"60s\"\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("\n")

	cfg.WriteString("broadcast:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", broadcastEnabled))
	if broadcastEnabled {
		cfg.WriteString(fmt.Sprintf("  redis_addr: \"%s\"\n", redisAddr))
		cfg.WriteString(fmt.Sprintf("  channel: \"%s\"\n", channel))
		cfg.WriteString("  interval: \"5s\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("snapshots:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", defaultSnapshotDir))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  - id: \"example-agent\"\n")
	cfg.WriteString("    endpoint: \"http://localhost:7001\"\n")
	cfg.WriteString("    start_command: \"example-agent serve\"\n")
	cfg.WriteString("    process_name: \"example-agent\"\n")
	cfg.WriteString("    max_missed_heartbeats: 3\n")
	cfg.WriteString("    max_recovery_attempts: 3\n")
	cfg.WriteString("    critical: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the controller:")
	fmt.Printf("  fleet-warden serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
