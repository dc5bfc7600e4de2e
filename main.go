package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cota-go/dialogue/internal/agent/dialogue"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/observers"
	"github.com/cota-go/dialogue/internal/agent/repo"
	"github.com/cota-go/dialogue/internal/core"
	"github.com/cota-go/dialogue/internal/metrics"
	logx "github.com/cota-go/dialogue/pkg/logger"
	pkgredis "github.com/cota-go/dialogue/pkg/redis"
)

// AppConfig defines the process parameters, sourced from environment
// variables (loaded from .env for local runs).
type AppConfig struct {
	Environment core.Environment `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis pkgredis.Config

	// Agent
	AgentConfig  string        `envconfig:"AGENT_CONFIG" default:"agent.yml"`
	AgentInput   string        `envconfig:"AGENT_INPUT"`
	KnowledgeNS  string        `envconfig:"KNOWLEDGE_NAMESPACE" default:"default"`
	KnowledgeTTL time.Duration `envconfig:"KNOWLEDGE_TTL" default:"24h"`
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to process environment config: %v\n", err)
		os.Exit(1)
	}
	logx.Init(logx.LoggerOpts{Environment: envCfg.Environment})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, envCfg, prometheus.DefaultRegisterer, os.Stdin)
	stop()
	os.Exit(code)
}

// run builds the agent and drives one session, returning the exit code.
// Everything opened here is closed before it returns.
func run(ctx context.Context, envCfg AppConfig, reg prometheus.Registerer, in io.Reader) int {
	cfg, err := model.LoadAgentConfig(envCfg.AgentConfig)
	if err != nil {
		logx.Error().Err(err).Str("path", envCfg.AgentConfig).Msg("failed to load agent config")
		return 1
	}

	opts := []dialogue.Option{
		dialogue.WithMetrics(metrics.NewCollector(reg)),
		dialogue.WithCallbacks(observers.NewAllCallbacks()),
	}
	if envCfg.Redis.Enabled() {
		rdb, err := envCfg.Redis.New(ctx)
		if err != nil {
			logx.Error().Err(err).Msg("failed to initialise Redis client")
			return 1
		}
		defer rdb.Close()
		opts = append(opts, dialogue.WithKnowledge(repo.NewRedisKnowledgeRepository(rdb, envCfg.KnowledgeNS, envCfg.KnowledgeTTL)))
		logx.Info().Str("namespace", envCfg.KnowledgeNS).Msg("using Redis knowledge repository")
	}

	agent, err := dialogue.New(ctx, cfg, opts...)
	if err != nil {
		logx.Error().Err(err).Msg("failed to build agent")
		return 1
	}

	session := agent.NewSession()
	if envCfg.AgentInput != "" {
		if !say(ctx, session, envCfg.AgentInput) {
			return 1
		}
	}

	if cfg.Dialogue.UseProxyUser {
		out, err := session.Run(ctx)
		printTranscript(session)
		fmt.Printf("Session ended: %s (bot steps %d, user steps %d, cost $%.6f)\n",
			out.Reason, out.BotSteps, out.UserSteps, session.Tracker().TotalCostUSD())
		if err != nil {
			return 1
		}
		return 0
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}
		say(ctx, session, text)
		if ctx.Err() != nil {
			break
		}
	}
	fmt.Printf("Total cost: $%.6f\n", session.Tracker().TotalCostUSD())
	return 0
}

// say runs one user turn and prints the bot replies.
func say(ctx context.Context, s *dialogue.Session, text string) bool {
	replies, err := s.HandleUserMessage(ctx, text)
	for _, m := range replies {
		fmt.Printf("bot: %s\n", m.Text())
	}
	if err != nil {
		logx.Error().Err(err).Str("session_id", s.ID()).Msg("turn failed")
		return false
	}
	return true
}

func printTranscript(s *dialogue.Session) {
	for _, a := range s.Tracker().Actions() {
		for _, m := range a.Result() {
			if m.Text() != "" {
				fmt.Printf("%s: %s\n", m.Sender(), m.Text())
			}
		}
	}
}
