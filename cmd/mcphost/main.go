// Mcphost runs local MCP servers and exposes their tools and resources.
//
// Servers come from the desktop launch file (mcpServers) and from
// installed extensions. The serve command keeps them running behind a
// local HTTP and WebSocket API; the other commands start them, do one
// thing, and stop them again. Configuration is loaded from a YAML file
// discovered automatically (see [config.DefaultSearchPaths]); without
// one the desktop defaults apply.
//
// Usage:
//
//	mcphost serve                          Start servers and the local API
//	mcphost servers                        List servers with their tools and resources
//	mcphost tools                          List every tool by qualified name
//	mcphost call <server> <tool> [json]    Call a tool
//	mcphost read <server> <uri>            Read a resource
//	mcphost calls [server]                 Show recent calls from the call log
//	mcphost config                         Show the launch file path and contents
//	mcphost version                        Print version and build information
//	mcphost -o json servers                Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcphost/internal/api"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/mcpconfig"
)

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so run can be called concurrently from tests.
// serve logs to stdout; the one-shot commands print results to stdout
// and log to stderr.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "servers":
		return runServers(ctx, stdout, stderr, configPath, outputFmt)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "call":
		if len(cmdArgs) < 2 || len(cmdArgs) > 3 {
			return errors.New("usage: mcphost call <server> <tool> [json-arguments]")
		}
		var argsJSON string
		if len(cmdArgs) == 3 {
			argsJSON = cmdArgs[2]
		}
		return runCall(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], cmdArgs[1], argsJSON)
	case "read":
		if len(cmdArgs) != 2 {
			return errors.New("usage: mcphost read <server> <uri>")
		}
		return runRead(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], cmdArgs[1])
	case "calls":
		var server string
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runCalls(ctx, stdout, stderr, configPath, outputFmt, server)
	case "config":
		return runConfig(stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - local MCP server host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start servers and the local API")
	fmt.Fprintln(w, "  servers                      List servers with their tools and resources")
	fmt.Fprintln(w, "  tools                        List every tool by qualified name")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call a tool")
	fmt.Fprintln(w, "  read <server> <uri>          Read a resource")
	fmt.Fprintln(w, "  calls [server]               Show recent calls")
	fmt.Fprintln(w, "  config                       Show the launch file path and contents")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe starts every server, serves the local API, and blocks until
// SIGINT or SIGTERM. Shutdown drains the API and then stops the servers.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcphost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"servers_file", cfg.ServersFile,
		"extensions_dir", cfg.ExtensionsDir,
		"port", cfg.Listen.Port,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := newHost(cfg, logger, true)
	if err != nil {
		return err
	}
	defer h.Close()

	names, err := h.manager.LoadServers(ctx)
	if err != nil {
		// The API can still fix a broken launch file.
		logger.Error("initial server load failed", "error", err)
	}
	logger.Info("MCP servers running", "servers", names)

	if cfg.Listen.Port == 0 {
		logger.Info("API server disabled")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, h.manager, logger)
	server.SetCallLog(h.calls)
	server.SetEventBus(h.events)
	server.SetAllowedOrigins(cfg.CORS.AllowedOrigins)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("mcphost stopped")
	return nil
}

func runServers(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	servers := h.manager.ListServers()
	if outputFmt == "json" {
		return writeJSON(stdout, servers)
	}
	if len(servers) == 0 {
		fmt.Fprintln(stdout, "no MCP servers running")
		return nil
	}
	for _, s := range servers {
		fmt.Fprintf(stdout, "%s (%s %s): %d tools, %d resources\n",
			s.Name, s.Info.Name, s.Info.Version, len(s.Tools), len(s.Resources))
		for _, t := range s.Tools {
			fmt.Fprintf(stdout, "  tool      %-24s %s\n", t.Name, firstLine(t.Description))
		}
		for _, r := range s.Resources {
			fmt.Fprintf(stdout, "  resource  %-24s %s\n", r.Name, r.URI)
		}
	}
	return nil
}

func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	entries := h.manager.Catalog()
	if outputFmt == "json" {
		return writeJSON(stdout, entries)
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%-40s %s/%s\n", e.Name, e.Server, e.Tool.Name)
	}
	return nil
}

func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, server, tool, argsJSON string) error {
	var args json.RawMessage
	if argsJSON != "" {
		if !json.Valid([]byte(argsJSON)) || !strings.HasPrefix(strings.TrimSpace(argsJSON), "{") {
			return fmt.Errorf("tool arguments must be a JSON object: %s", argsJSON)
		}
		args = json.RawMessage(argsJSON)
	}

	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	result, err := h.manager.CallTool(ctx, server, tool, args)
	if err != nil {
		return fmt.Errorf("call %s/%s: %w", server, tool, err)
	}
	if outputFmt == "json" {
		return writeJSON(stdout, result)
	}

	tr, err := mcp.DecodeToolResult(result)
	if err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}
	fmt.Fprintln(stdout, tr.Text())
	if tr.IsError {
		return fmt.Errorf("tool %s/%s reported an error", server, tool)
	}
	return nil
}

func runRead(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, server, uri string) error {
	h, err := startHost(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	result, err := h.manager.ReadResource(ctx, server, uri)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", server, uri, err)
	}
	if outputFmt == "json" {
		return writeJSON(stdout, result)
	}
	text, err := mcp.ResourceText(result)
	if err != nil {
		return fmt.Errorf("decode resource: %w", err)
	}
	fmt.Fprintln(stdout, text)
	return nil
}

func runCalls(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, server string) error {
	logger := config.NewLogger(stderr, slog.LevelWarn, "text")
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	calls, err := openCallLog(cfg)
	if err != nil {
		return err
	}
	defer calls.Close()

	recs, err := calls.Recent(ctx, server, 20)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, recs)
	}
	if len(recs) == 0 {
		logger.Debug("call log empty", "data_dir", cfg.DataDir)
		fmt.Fprintln(stdout, "no calls recorded")
		return nil
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s  %-16s %-8s %-32s %8s  %s",
			r.Time.Local().Format(time.DateTime), r.Server, r.Kind, r.Target,
			r.Duration.Round(time.Millisecond), r.Outcome)
		if r.Error != "" {
			line += "  " + firstLine(r.Error)
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func runConfig(stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store := mcpconfig.NewStore(cfg.ServersFile, config.NewLogger(stderr, slog.LevelWarn, "text"))

	servers, err := store.Load()
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"config_file":  cfgPath,
			"servers_file": store.Path(),
			"servers":      servers,
		})
	}

	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	fmt.Fprintf(stdout, "config:  %s\n", cfgPath)
	fmt.Fprintf(stdout, "servers: %s\n", store.Path())
	return writeJSON(stdout, servers)
}

// loadConfig locates and parses the YAML configuration. An explicit path
// must exist. Without one, a missing file means defaults and an empty
// returned path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit == "" && errors.Is(err, config.ErrNoConfig) {
			return config.Resolved(), "", nil
		}
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger applies the configured level and format. Both were
// checked by config.Validate, so parse errors cannot occur here.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
