package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/pynchy/pynchy/internal/channels/tui"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/pkg/protocol"
)

const senderColumn = 10

func tuiCmd() *cobra.Command {
	var jid string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Chat with the agent from the terminal",
		Long:  "Connects to a running pynchy host over its local status server: events stream in over the websocket, typed lines go out through the chat endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runTUI(cmd.Context(), cfg, jid)
		},
	}
	cmd.Flags().StringVar(&jid, "jid", tui.OperatorJID, "chat JID to join")
	return cmd
}

func runTUI(ctx context.Context, cfg *config.Config, jid string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.Port)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w (is the host running?)", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	fmt.Printf("connected to %s as %s (/quit to exit)\n> ", base, jid)

	// Stdin reads cannot be interrupted by context; exit directly when
	// the signal or the server ends the session.
	go func() {
		<-ctx.Done()
		fmt.Println()
		os.Exit(0)
	}()
	go func() {
		for {
			var ev struct {
				Name    string         `json:"name"`
				Payload map[string]any `json:"payload"`
			}
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				fmt.Println("\ndisconnected from host")
				os.Exit(0)
			}
			renderEvent(ev.Name, ev.Payload, jid)
		}
	}()

	client := &http.Client{Timeout: 10 * time.Second}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := postChat(ctx, client, base, jid, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func postChat(ctx context.Context, client *http.Client, base, jid, content string) error {
	body, err := json.Marshal(map[string]string{"jid": jid, "content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func renderEvent(name string, p map[string]any, jid string) {
	switch name {
	case "tui_message":
		if payloadStr(p, "chat_jid") != jid {
			return
		}
		printLine("agent", payloadStr(p, "content"))
	case protocol.EventMessage:
		if payloadStr(p, "chat_jid") != jid || payloadStr(p, "sender") == "operator" {
			return
		}
		printLine(payloadStr(p, "sender"), payloadStr(p, "content"))
	case protocol.EventAgentActivity:
		status := payloadStr(p, "status")
		if status == "" {
			return
		}
		printLine("*", status)
	case protocol.EventShutdown:
		fmt.Println("\nhost is shutting down")
		os.Exit(0)
	}
}

// printLine redraws over the pending prompt so streamed events do not
// interleave with typed input mid-line.
func printLine(sender, text string) {
	label := runewidth.FillRight(runewidth.Truncate(sender, senderColumn, "…"), senderColumn)
	fmt.Printf("\r%s %s\n> ", label, text)
}

func payloadStr(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}
