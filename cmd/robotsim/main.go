// Package main implements robotsim, a mock HTTP robot for local development.
// It registers itself with a running command console, answers dispatch
// requests on a local endpoint, and heartbeats until stopped. Latency and
// failure injection flags exercise retries, timeouts, and cancellation
// without hardware.
//
// Usage:
//
//	robotsim --token <console token> --id sim-1 --latency 250ms --fail-rate 0.2
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type config struct {
	consoleURL   string
	token        string
	robotID      string
	robotType    string
	listenAddr   string
	advertise    string
	capabilities []string
	latency      time.Duration
	failRate     float64
	heartbeat    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:          "robotsim",
		Short:        "robotsim — mock HTTP robot for the command console",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.consoleURL, "console", envOrDefault("ROBOTSIM_CONSOLE", "http://127.0.0.1:5000"), "Console base URL")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("ROBOTSIM_TOKEN", ""), "Console API token (required)")
	root.PersistentFlags().StringVar(&cfg.robotID, "id", envOrDefault("ROBOTSIM_ID", "sim-1"), "Robot id to register")
	root.PersistentFlags().StringVar(&cfg.robotType, "type", envOrDefault("ROBOTSIM_TYPE", "sim"), "Robot type label")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen", envOrDefault("ROBOTSIM_LISTEN", "127.0.0.1:0"), "Exec endpoint listen address")
	root.PersistentFlags().StringVar(&cfg.advertise, "advertise", envOrDefault("ROBOTSIM_ADVERTISE", ""), "Endpoint URL to advertise (default: derived from the bound listener)")
	root.PersistentFlags().StringSliceVar(&cfg.capabilities, "capability", nil, "Capability to advertise (repeatable; empty accepts everything)")
	root.PersistentFlags().DurationVar(&cfg.latency, "latency", 0, "Artificial execution latency per command")
	root.PersistentFlags().Float64Var(&cfg.failRate, "fail-rate", 0, "Probability [0,1] that a command fails with HTTP 500")
	root.PersistentFlags().DurationVar(&cfg.heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")

	return root
}

func run(ctx context.Context, cfg *config) error {
	if cfg.token == "" {
		return fmt.Errorf("token is required — set --token or ROBOTSIM_TOKEN")
	}
	if cfg.failRate < 0 || cfg.failRate > 1 {
		return fmt.Errorf("fail-rate must be within [0,1], got %g", cfg.failRate)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.listenAddr, err)
	}
	endpoint := cfg.advertise
	if endpoint == "" {
		endpoint = "http://" + ln.Addr().String()
	}

	sim := &simulator{cfg: cfg, logger: logger.Named("sim")}
	srv := &http.Server{Handler: http.HandlerFunc(sim.exec)}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("exec endpoint failed", zap.Error(err))
		}
	}()

	logger.Info("robotsim listening",
		zap.String("endpoint", endpoint),
		zap.String("robot_id", cfg.robotID),
		zap.Duration("latency", cfg.latency),
		zap.Float64("fail_rate", cfg.failRate),
	)

	client := &consoleClient{
		base:  cfg.consoleURL,
		token: cfg.token,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
	if err := client.register(ctx, cfg, endpoint); err != nil {
		return err
	}
	logger.Info("registered with console", zap.String("console", cfg.consoleURL))

	ticker := time.NewTicker(cfg.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			logger.Info("robotsim stopped")
			return nil
		case <-ticker.C:
			if err := client.heartbeat(ctx, cfg.robotID); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// simulator answers the console's dispatch requests.
type simulator struct {
	cfg    *config
	logger *zap.Logger
}

func (s *simulator) exec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string          `json:"command_id"`
		Type      string          `json:"type"`
		Params    json.RawMessage `json:"params,omitempty"`
		TraceID   string          `json:"trace_id"`
		Timestamp string          `json:"timestamp"`
		ReplyTo   string          `json:"reply_to,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	log := s.logger.With(
		zap.String("command_id", req.CommandID),
		zap.String("type", req.Type),
		zap.String("trace_id", req.TraceID),
	)
	log.Info("command received")

	if s.cfg.latency > 0 {
		select {
		case <-time.After(s.cfg.latency):
		case <-r.Context().Done():
			// The console gave up: cancel or timeout on its side.
			log.Info("command abandoned by console")
			return
		}
	}

	if s.cfg.failRate > 0 && rand.Float64() < s.cfg.failRate {
		log.Warn("injected failure")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "injected failure"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"command_id": req.CommandID,
		"executed":   req.Type,
		"params":     req.Params,
		"latency_ms": s.cfg.latency.Milliseconds(),
	})
	log.Info("command executed")
}

// consoleClient is the minimal slice of the console API the simulator needs.
type consoleClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *consoleClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

// register announces the simulator, retrying while the console finishes
// starting up.
func (c *consoleClient) register(ctx context.Context, cfg *config, endpoint string) error {
	payload := map[string]any{
		"robot_id":   cfg.robotID,
		"robot_type": cfg.robotType,
		"endpoint":   endpoint,
		"protocol":   "http",
	}
	if len(cfg.capabilities) > 0 {
		payload["capabilities"] = cfg.capabilities
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = c.post(ctx, "/v1/robots/register", payload); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("register failed after retries: %w", lastErr)
}

func (c *consoleClient) heartbeat(ctx context.Context, robotID string) error {
	return c.post(ctx, "/v1/robots/heartbeat", map[string]any{"robot_id": robotID})
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
