package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/open-codex/agentd/internal/config"
	"github.com/open-codex/agentd/internal/sandbox"
	"github.com/open-codex/agentd/internal/store/pg"
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
	fmt.Println("agentd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.UsePostgres() {
		fmt.Printf("    %-10s postgres\n", "Backend:")
		if db, err := pg.OpenDB(cfg.Database.URL); err != nil {
			fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			db.Close()
			fmt.Printf("    %-10s OK\n", "Status:")
		}
	} else {
		fmt.Printf("    %-10s sqlite (%s)\n", "Backend:", cfg.SQLitePath())
	}

	fmt.Println()
	fmt.Println("  Docker:")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cli, err := sandbox.NewDockerClient(); err != nil {
		fmt.Printf("    %-10s UNAVAILABLE (%s)\n", "Daemon:", err)
	} else if _, err := cli.Ping(ctx); err != nil {
		fmt.Printf("    %-10s UNREACHABLE (%s)\n", "Daemon:", err)
	} else {
		fmt.Printf("    %-10s OK\n", "Daemon:")
		fmt.Printf("    %-10s %s\n", "Image:", cfg.Sandbox.Image)
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.AnthropicAPIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAIAPIKey)
	if cfg.Secrets.MasterKey == "" {
		fmt.Println("    MASTER_ENCRYPTION_KEY not set; stored API keys disabled")
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	probeGateway(cfg)
}

func checkProvider(name, key string) {
	status := "not configured"
	if key != "" {
		status = "configured (env)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

// probeGateway checks a running server: plain HTTP health, then a
// WebSocket handshake against the session endpoint.
func probeGateway(cfg *config.Config) {
	base := fmt.Sprintf("http://%s", cfg.Addr())
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Printf("    %-10s not running (%s)\n", "Health:", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-10s %s\n", "Health:", resp.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := fmt.Sprintf("ws://%s/ws/00000000-0000-0000-0000-000000000000", cfg.Addr())
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		// A 404 here is expected: the probe session does not exist but
		// the endpoint answered.
		fmt.Printf("    %-10s endpoint answered (%s)\n", "WebSocket:", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "doctor probe")
	fmt.Printf("    %-10s OK\n", "WebSocket:")
}
