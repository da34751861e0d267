// ABOUTME: Entry point for the outpost offline agent
// ABOUTME: Fronts a point-of-sale API with a durable outbox and response cache

package main

import (
	"bufio"
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

	"github.com/harborpos/outpost/internal/agent"
	"github.com/harborpos/outpost/internal/api"
	"github.com/harborpos/outpost/internal/config"
	"github.com/harborpos/outpost/internal/version"
)

const banner = `
            _                       _
  ___  _   _| |_ _ __   ___  ___ | |_
 / _ \| | | | __| '_ \ / _ \/ __|| __|
| (_) | |_| | |_| |_) | (_) \__ \| |_
 \___/ \__,_|\__| .__/ \___/|___/ \__|
                |_|
`

// getConfigPath returns the path to the agent config file.
// Priority: OUTPOST_CONFIG env var > XDG_CONFIG_HOME/outpost/outpost.yaml > ~/.config/outpost/outpost.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OUTPOST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "outpost.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "outpost", "outpost.yaml")
}

// getDataPath returns the path to the outpost data directory.
// Priority: XDG_DATA_HOME/outpost > ~/.local/share/outpost
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "outpost")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: outpost <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the offline agent")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  status     Show backlog and connectivity status")
		fmt.Println("  sync       Request an immediate sync")
		fmt.Println("  conflicts  List pending conflicts")
		fmt.Println("  health     Check agent health")
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
	case "status":
		err = runStatus(ctx)
	case "sync":
		err = runSync(ctx)
	case "conflicts":
		err = runConflicts(ctx)
	case "health":
		err = runHealth(ctx)
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
	gray.Printf("    version: %s (build %s)\n\n", version.Version, version.Build)

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
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Upstream: %s\n", cfg.Upstream.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)

	fmt.Println()

	logger.Info("starting outpost",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"upstream", cfg.Upstream.BaseURL,
	)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	return a.Run(ctx)
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

// controlGet performs a GET against the running agent's control API.
func controlGet(ctx context.Context, path string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.ListenAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func runHealth(ctx context.Context) error {
	if _, err := controlGet(ctx, "/health"); err != nil {
		return err
	}
	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	body, err := controlGet(ctx, "/api/v1/status")
	if err != nil {
		return err
	}

	var status api.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parsing status: %w", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if status.Online {
		green.Println("  ● online")
	} else {
		red.Println("  ● offline")
	}

	fmt.Printf("  version:   %s (build %s)\n", status.Version, status.Build)
	fmt.Printf("  pending:   %d\n", status.Pending.Total)
	for entity, count := range status.Pending.ByEntity {
		fmt.Printf("    %-12s %d\n", entity, count)
	}
	if status.Conflicts > 0 {
		yellow.Printf("  conflicts: %d (run 'outpost conflicts')\n", status.Conflicts)
	} else {
		fmt.Printf("  conflicts: 0\n")
	}
	if status.LastSync != nil {
		fmt.Printf("  last sync: ok=%d fail=%d deferred=%d discarded=%d conflicts=%d at %s\n",
			status.LastSync.OK, status.LastSync.Fail,
			status.LastSync.Deferred, status.LastSync.Discarded,
			status.LastSync.Conflicts,
			status.LastSync.At.Format("15:04:05"))
	}

	return nil
}

func runSync(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/v1/sync", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sync request rejected: status %d", resp.StatusCode)
	}

	fmt.Println("sync requested")
	return nil
}

func runConflicts(ctx context.Context) error {
	body, err := controlGet(ctx, "/api/v1/conflicts")
	if err != nil {
		return err
	}

	var conflicts []api.ConflictResponse
	if err := json.Unmarshal(body, &conflicts); err != nil {
		return fmt.Errorf("parsing conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		fmt.Println("no pending conflicts")
		return nil
	}

	yellow := color.New(color.FgYellow)
	for _, c := range conflicts {
		yellow.Printf("  %s/%s", c.Entity, c.EntityID)
		fmt.Printf("  local v%d vs remote v%d  (detected %s)\n",
			c.LocalVersion, c.RemoteVersion, c.DetectedAt)
		fmt.Printf("    local:  %s\n", c.Local)
		fmt.Printf("    remote: %s\n", c.Remote)
	}
	fmt.Println()
	fmt.Println("resolve with: curl -X POST http://<listen_addr>/api/v1/conflicts/<entity>/<id>/resolve -d '{\"choice\":\"local|remote\"}'")

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("outpost configuration setup")
	fmt.Println("===========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "outpost.db")

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
	listenAddr := prompt(reader, "Listen address", config.DefaultListenAddr)

	// Upstream
	fmt.Println("\n--- Upstream Configuration ---")
	baseURL := prompt(reader, "Upstream base URL", "https://pos.example.com")
	healthPath := prompt(reader, "Upstream health path", config.DefaultHealthPath)

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# outpost configuration\n")
	cfg.WriteString("# Generated by outpost init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  listen_addr: \"%s\"\n", listenAddr))
	cfg.WriteString("\n")

	cfg.WriteString("upstream:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	cfg.WriteString(fmt.Sprintf("  health_path: \"%s\"\n", healthPath))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("outbox:\n")
	cfg.WriteString("  base_backoff: \"5s\"\n")
	cfg.WriteString("  max_backoff: \"5m\"\n")
	cfg.WriteString("  max_attempts: 10\n")
	cfg.WriteString("\n")

	cfg.WriteString("sync:\n")
	cfg.WriteString("  wake_schedule: \"@every 1m\"\n")
	cfg.WriteString("  probe_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("cache:\n")
	cfg.WriteString("  max_age: \"24h\"\n")
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
	fmt.Println("\nTo start the agent:")
	fmt.Printf("  outpost serve\n")

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
