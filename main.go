// main.go
//
//go:generate go tool swag init --generalInfo main.go --dir ./,./internal/agent --output ./docs
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/app"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/config"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/rules"
	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Sentinal Engine v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	command := "run"
	dir := defaultDataDir()
	switch len(args) {
	case 0:
	case 1:
		command = args[0]
	default:
		command = args[0]
		dir = args[1]
	}

	switch command {
	case "run":
		runEngine(dir)
	case "setup":
		runSetup(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// defaultDataDir is the per-user config location, e.g. ~/.config/sentinal.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, "sentinal")
}

func ensureDataDir(dirArg string) (absDir, cfgPath string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}
	return absDir, filepath.Join(absDir, "sentinal.json")
}

func runEngine(dirArg string) {
	absDir, cfgPath := ensureDataDir(dirArg)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
		fmt.Println("Fill in the backend section (or run `sentinal-engine setup`) and start again.")
		os.Exit(1)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Version: appVersion,
	}); err != nil {
		log.Fatalf("Engine failed: %v", err)
	}
}

func runSetup(dirArg string) {
	absDir, cfgPath := ensureDataDir(dirArg)

	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg = app.PromptInteractive(absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	if cfg.Rules.Enabled {
		rulesDir := util.ResolvePath(absDir, cfg.Rules.ScriptDir)
		installed, err := rules.InstallPrefabs(rulesDir)
		if err != nil {
			log.Fatalf("Failed to install starter rules: %v", err)
		}
		if len(installed) > 0 {
			fmt.Printf("Installed %d starter rule(s) in %s\n", len(installed), rulesDir)
		}
	}

	fmt.Println()
	fmt.Printf("Saved %s\n", cfgPath)
	fmt.Printf("Start the engine with: sentinal-engine run %s\n", absDir)
}

func showUsage() {
	fmt.Println("Sentinal Engine - native call backend for the Sentinal client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sentinal-engine [run] [directory]    Run the engine")
	fmt.Println("  sentinal-engine setup [directory]    Interactive configuration")
	fmt.Println()
	fmt.Println("The directory holds sentinal.json, the session token and the call log.")
	fmt.Printf("It defaults to %s.\n", defaultDataDir())
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run")
	fmt.Println("  sentinal-engine setup")
	fmt.Println("  sentinal-engine")
	fmt.Println()
	fmt.Println("  # Run with a dedicated profile directory")
	fmt.Println("  sentinal-engine run ./profiles/work")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GOLOG_LOG_LEVEL   Override the log level (debug, info, warn, error)")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Sentinal Call Engine                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Signed in as:   %s\n", cfg.Backend.UserID)
	fmt.Println()

	_, url := app.NormalizeLocalAddr(cfg.Agent.ListenAddr)
	fmt.Printf("🎛  Control API: %s\n", url)
	fmt.Printf("📖  Manual:      %s/docs\n", url)
	if cfg.Rules.Enabled {
		fmt.Printf("📜  Answer rules enabled: %s\n", cfg.Rules.ScriptDir)
	}
	fmt.Println()
	fmt.Println("Starting engine... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
