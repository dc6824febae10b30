// Package gateway is the LLM reverse proxy containers talk to. It
// authenticates them with a per-boot ephemeral key and substitutes the
// host's real provider credentials on the way upstream, so no container
// ever holds a long-lived secret.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pynchy/pynchy/internal/config"
)

const (
	anthropicBase = "https://api.anthropic.com"
	openaiBase    = "https://api.openai.com"
)

// Proxy is the built-in LLM gateway (used unless LiteLLM mode is on).
type Proxy struct {
	cfg   *config.Config
	log   *slog.Logger
	creds Credentials
	key   string

	// Upstream bases, overridable in tests.
	AnthropicBase string
	OpenAIBase    string

	client     *http.Client
	httpServer *http.Server
}

func NewProxy(cfg *config.Config, log *slog.Logger) (*Proxy, error) {
	key, err := newEphemeralKey()
	if err != nil {
		return nil, err
	}
	return &Proxy{
		cfg:           cfg,
		log:           log,
		creds:         CollectCredentials(cfg.Secrets),
		key:           key,
		AnthropicBase: anthropicBase,
		OpenAIBase:    openaiBase,
		client:        &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// newEphemeralKey returns "gw-" plus 32 urlsafe characters. Generated
// once per boot; immutable after.
func newEphemeralKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("ephemeral key: %w", err)
	}
	return "gw-" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Key is the ephemeral key injected into each container's input file.
func (p *Proxy) Key() string { return p.key }

// BaseURL is the URL containers use to reach the proxy.
func (p *Proxy) BaseURL() string {
	host := p.cfg.Gateway.ContainerHost
	if host == "" {
		host = "host.docker.internal"
	}
	return fmt.Sprintf("http://%s:%d", host, p.cfg.Gateway.Port)
}

// Start serves until ctx is done.
func (p *Proxy) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Gateway.Bind, p.cfg.Gateway.Port)
	p.httpServer = &http.Server{Addr: addr, Handler: p}
	p.log.Info("llm gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.httpServer.Shutdown(shutdownCtx)
	}()

	if err := p.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("llm gateway: %w", err)
	}
	return nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var base, cred, credHeader string
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/messages"):
		base = p.AnthropicBase
		cred = p.creds.Anthropic
		credHeader = "x-api-key"
		if p.creds.AnthropicOAuth {
			credHeader = "Authorization"
			cred = "Bearer " + cred
		}
	case strings.HasPrefix(r.URL.Path, "/v1/"):
		base = p.OpenAIBase
		cred = "Bearer " + p.creds.OpenAI
		credHeader = "Authorization"
	default:
		http.NotFound(w, r)
		return
	}

	upstream := base + r.URL.Path
	if r.URL.RawQuery != "" {
		upstream += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, r.Body)
	if err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set(credHeader, cred)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Error("gateway upstream request failed", "path", r.URL.Path, "error", err)
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	outHeader := w.Header()
	for name, values := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(name)] {
			continue
		}
		outHeader[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)
}

func (p *Proxy) authorized(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+p.key {
		return true
	}
	return r.Header.Get("X-Api-Key") == p.key
}

// copyHeaders carries the request headers upstream minus hop-by-hop
// headers and the container's gateway credentials.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop[canonical] || canonical == "Authorization" || canonical == "X-Api-Key" || canonical == "Host" {
			continue
		}
		dst[canonical] = values
	}
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// streamBody copies the upstream body flushing as it goes, so SSE token
// streams reach the container without buffering delay.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
