// Command arbiter runs the multi-agent orchestration server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/arbiterhq/arbiter/agent"
	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/llms"
	"github.com/arbiterhq/arbiter/logger"
	"github.com/arbiterhq/arbiter/memory"
	"github.com/arbiterhq/arbiter/server"
	"github.com/arbiterhq/arbiter/team"
	"github.com/arbiterhq/arbiter/telemetry"
	"github.com/arbiterhq/arbiter/tools"
	"github.com/arbiterhq/arbiter/workflow"
)

var version = "dev"

type cli struct {
	Config   string `short:"c" help:"Path to the YAML config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogJSON  bool   `help:"Emit JSON logs."`

	Serve    serveCmd    `cmd:"" default:"1" help:"Start the orchestration server."`
	Validate validateCmd `cmd:"" help:"Validate the configuration and exit."`
	Profile  profileCmd  `cmd:"" help:"Print the detected device profile."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type serveCmd struct {
	Host string `help:"Override the listen host."`
	Port int    `help:"Override the listen port."`
}

type validateCmd struct{}

type profileCmd struct{}

type versionCmd struct{}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("arbiter"),
		kong.Description("Multi-agent LLM orchestration server."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c))
}

func loadConfig(c *cli) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.Load(c.Config)
}

func (v *versionCmd) Run(c *cli) error {
	fmt.Println("arbiter", version)
	return nil
}

func (p *profileCmd) Run(c *cli) error {
	profile := config.DetectProfile()
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (v *validateCmd) Run(c *cli) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Printf("configuration valid: %d backends, listening on %s:%d\n",
		len(cfg.Backends), cfg.Server.Host, cfg.Server.Port)
	return nil
}

func (s *serveCmd) Run(c *cli) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if s.Host != "" {
		cfg.Server.Host = s.Host
	}
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}

	format := logger.FormatText
	if c.LogJSON {
		format = logger.FormatJSON
	}
	level := cfg.Logging.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	cleanup, err := logger.Init(level, format, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer cleanup()
	log := logger.Get("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device := config.DetectProfile()
	log.Info("starting", "version", version, "device", device.Device)

	shutdownTracing, err := telemetry.InitTracing(cfg.Telemetry.Observe)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	providers, err := llms.NewLLMRegistryFromConfig(cfg)
	if err != nil {
		return err
	}
	toolReg, err := tools.NewBuiltinRegistry(cfg)
	if err != nil {
		return err
	}
	mem, err := memory.NewStore(cfg.Memory.Dir)
	if err != nil {
		return err
	}
	evaluator, err := telemetry.NewEvaluator(cfg.Telemetry.Database)
	if err != nil {
		return err
	}
	defer evaluator.Close()
	metrics := telemetry.NewMetrics()

	engine := agent.NewEngine(providers, toolReg, mem, evaluator, metrics)

	if cfg.Classifier.KeywordsFile != "" {
		if err := engine.Router().Classifier().LoadFile(cfg.Classifier.KeywordsFile); err != nil {
			return err
		}
		if cfg.Classifier.Watch {
			path := cfg.Classifier.KeywordsFile
			go func() {
				err := config.WatchFile(ctx, path, func() {
					if err := engine.Router().Classifier().LoadFile(path); err != nil {
						log.Warn("keyword table reload failed", "error", err)
					} else {
						log.Info("keyword table reloaded", "path", path)
					}
				})
				if err != nil {
					log.Warn("keyword table watch failed", "error", err)
				}
			}()
		}
	}

	planStore, err := workflow.NewPlanStore(cfg.Memory.Dir)
	if err != nil {
		return err
	}
	planner := workflow.NewPlanner(engine, planStore)
	executor := workflow.NewExecutor(planStore, func(ctx context.Context, agentType, instruction string) (string, error) {
		result, err := engine.ExecuteTask(ctx, agent.TaskRequest{Instruction: instruction, Agent: agentType})
		if err != nil {
			return "", err
		}
		return result.Response, nil
	})

	coordinator, err := team.NewCoordinator(engine, cfg.Memory.Dir)
	if err != nil {
		return err
	}

	// Periodic eviction of idle sessions. Saved sessions survive.
	go func() {
		interval := time.Duration(cfg.Memory.CleanupMinutes) * time.Minute
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		ttl := time.Duration(cfg.Memory.SessionTTLHrs) * time.Hour
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := mem.CleanupOldSessions(ttl); n > 0 {
					log.Info("evicted idle sessions", "count", n)
				}
			}
		}
	}()

	sandbox := &tools.CommandSandbox{Root: cfg.Workspace.ProjectRoot}
	srv := server.New(cfg.Server, engine, planner, executor, coordinator, evaluator, metrics, sandbox)
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
