package mcpproxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pynchy/pynchy/internal/config"
)

// Start serves the proxy on gateway.mcp_port until ctx is done.
func (p *Proxy) Start(ctx context.Context, cfg *config.Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Bind, cfg.Gateway.MCPPort)
	srv := &http.Server{Addr: addr, Handler: p}
	p.log.Info("mcp proxy starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("mcp proxy: %w", err)
	}
	return nil
}
