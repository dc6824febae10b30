package cmd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("pynchy doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config validation error: %s\n", err)
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	fmt.Printf("    %-12s %s\n", "Path:", cfg.DBPath())
	if st, dbErr := store.Open(cfg.DBPath()); dbErr != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", dbErr)
	} else {
		fmt.Printf("    %-12s OK (migrated)\n", "Status:")
		st.Close()
	}

	// Secrets
	fmt.Println()
	fmt.Println("  Secrets:")
	checkSecret("Anthropic", cfg.Secrets.AnthropicAPIKey)
	checkSecret("OpenAI", cfg.Secrets.OpenAIAPIKey)
	checkSecret("GitHub", cfg.Secrets.GitHubToken)
	checkSecret("OAuth", cfg.Secrets.ClaudeOAuthToken)

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	mode := "built-in proxy"
	if cfg.LiteLLMMode() {
		mode = "litellm (" + cfg.Gateway.LiteLLMConfig + ")"
	}
	fmt.Printf("    %-12s %s\n", "Mode:", mode)
	checkPort("LLM port", cfg.Gateway.Port)
	checkPort("MCP port", cfg.Gateway.MCPPort)
	checkPort("HTTP port", cfg.Server.Port)

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	fmt.Printf("    %-12s always available\n", "TUI:")
	for name, conn := range cfg.Connections.Telegram {
		checkConnection("telegram/"+name, cfg.ResolveEnv(conn.TokenEnv) != "")
	}
	for name, conn := range cfg.Connections.Discord {
		checkConnection("discord/"+name, cfg.ResolveEnv(conn.TokenEnv) != "")
	}
	for name := range cfg.Connections.Slack {
		checkConnection("slack/"+name, false)
	}
	for name := range cfg.Connections.WhatsApp {
		checkConnection("whatsapp/"+name, false)
	}

	// External tools
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("docker")
	checkBinary("git")
	checkBinary("gh")

	// Project layout
	fmt.Println()
	fmt.Printf("  Project root: %s", cfg.ProjectRoot)
	if _, err := os.Stat(cfg.ProjectRoot); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Workspaces:   %d configured, %d admin\n", len(cfg.Workspaces), len(cfg.AdminWorkspaces()))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkConnection(label string, hasCredentials bool) {
	status := "configured"
	if !hasCredentials {
		status = "configured (missing credentials)"
	}
	fmt.Printf("    %-16s %s\n", label+":", status)
}

func checkPort(label string, port int) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		fmt.Printf("    %-12s %d (IN USE)\n", label+":", port)
		return
	}
	ln.Close()
	fmt.Printf("    %-12s %d (free)\n", label+":", port)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
