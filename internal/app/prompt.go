// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/config"
)

// PromptInteractive walks the user through the config fields that have no
// sensible default: where the backend lives, who this engine signs in as and
// what to keep locally. Enter keeps the current value.
func PromptInteractive(dataDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(os.Stdin)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("Sentinal engine setup")
	fmt.Printf(" Data folder : %s\n", dataDir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Backend.APIBase = askString(in, "Backend API base URL", cfg.Backend.APIBase)
	cfg.Backend.SignalURL = askString(in, "Signaling WebSocket URL", cfg.Backend.SignalURL)
	cfg.Backend.UserID = askString(in, "User id", cfg.Backend.UserID)
	cfg.Backend.DisplayName = askString(in, "Display name", cfg.Backend.DisplayName)
	cfg.Backend.TokenFile = askString(in, "Session token file", cfg.Backend.TokenFile)

	cfg.Agent.ListenAddr = askString(in, "Agent listen addr", cfg.Agent.ListenAddr)
	cfg.Media.DisableVideo = askBool(in, "Disable video capture", cfg.Media.DisableVideo)

	cfg.History.Enabled = askBool(in, "Keep a local call log", cfg.History.Enabled)
	if cfg.History.Enabled {
		cfg.History.KeepDays = askInt(in, "Call log retention days (0=forever)", cfg.History.KeepDays)
	}

	cfg.Rules.Enabled = askBool(in, "Enable Lua answer rules", cfg.Rules.Enabled)
	if cfg.Rules.Enabled {
		cfg.Rules.ScriptDir = askString(in, "Rules script folder", cfg.Rules.ScriptDir)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, _ := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			fmt.Println("Please enter y or n.")
		}
	}
}
