// Command flowrun executes a YAML-defined task pipeline against a local,
// Docker, or Kubernetes backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kbukum/flowrun/backend"
	_ "github.com/kbukum/flowrun/backend/docker"
	_ "github.com/kbukum/flowrun/backend/kube"
	_ "github.com/kbukum/flowrun/backend/local"
	"github.com/kbukum/flowrun/cache"
	"github.com/kbukum/flowrun/config"
	"github.com/kbukum/flowrun/engine"
	"github.com/kbukum/flowrun/graph"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/observability"
	"github.com/kbukum/flowrun/pipeline"
	"github.com/kbukum/flowrun/report"
	"github.com/kbukum/flowrun/version"
)

const serviceName = "flowrun"

type flags struct {
	configFile  string
	pipelineRef string
	profile     string
	params      map[string]string
	workdir     string
	provider    string
	cpu         string
	memory      string
	maxParallel int
	resume      bool
	logLevel    string
	trace       bool
	validate    bool
	version     bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var f flags
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.StringVarP(&f.configFile, "config", "c", "", "run configuration file")
	fs.StringVarP(&f.pipelineRef, "pipeline", "p", "", "pipeline file path or name")
	fs.StringToStringVar(&f.params, "param", nil, "pipeline parameter (key=value, repeatable)")
	fs.StringVar(&f.profile, "profile", "", "named parameter profile declared by the pipeline")
	fs.StringVarP(&f.workdir, "workdir", "w", "", "work directory for outputs and cache")
	fs.StringVar(&f.provider, "backend", "", "execution backend: local, docker, kubernetes")
	fs.StringVar(&f.cpu, "cpu", "", "total CPU budget (e.g. 16, 500m)")
	fs.StringVar(&f.memory, "memory", "", "total memory budget (e.g. 64g)")
	fs.IntVar(&f.maxParallel, "max-parallel", 0, "max concurrently running instances (0 = unlimited)")
	fs.BoolVar(&f.resume, "resume", false, "reuse cached outputs for unchanged tasks")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&f.trace, "trace", false, "export OpenTelemetry traces")
	fs.BoolVar(&f.validate, "validate", false, "build the graph and exit without running")
	fs.BoolVar(&f.version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if f.version {
		fmt.Println(serviceName, version.Get().String())
		return 0
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logger.New(&cfg.Logging, serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(ctx, cfg.Tracing.TracerConfig(serviceName))
		if err != nil {
			log.Warn("tracing disabled", map[string]interface{}{logger.FieldError: err.Error()})
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	g, err := buildGraph(cfg)
	if err != nil {
		log.Error("pipeline rejected", map[string]interface{}{logger.FieldError: err.Error()})
		return 2
	}
	if f.validate {
		fmt.Printf("pipeline ok: %d task instances\n", g.Len())
		return 0
	}

	eng, err := buildEngine(cfg, log)
	if err != nil {
		log.Error("engine setup failed", map[string]interface{}{logger.FieldError: err.Error()})
		return 2
	}

	runErr := eng.Run(ctx, g)
	fmt.Println()
	report.Render(os.Stdout, report.Snapshot(g))

	if runErr != nil {
		log.Error("run failed", map[string]interface{}{logger.FieldError: runErr.Error()})
		return 1
	}
	return 0
}

// loadConfig layers flag overrides on top of file and environment config.
func loadConfig(f flags) (*config.Config, error) {
	var opts []config.LoaderOption
	if f.configFile != "" {
		opts = append(opts, config.WithConfigFile(f.configFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}

	if f.pipelineRef != "" {
		if _, statErr := os.Stat(f.pipelineRef); statErr == nil {
			cfg.Pipeline.File = f.pipelineRef
			cfg.Pipeline.Name = ""
		} else {
			cfg.Pipeline.Name = f.pipelineRef
			cfg.Pipeline.File = ""
		}
	}
	if f.profile != "" {
		cfg.Pipeline.Profile = f.profile
	}
	for k, v := range f.params {
		cfg.Params[k] = v
	}
	if f.workdir != "" {
		cfg.Workdir = f.workdir
	}
	if f.provider != "" {
		cfg.Backend.Provider = f.provider
	}
	if f.cpu != "" {
		cfg.Engine.CPU = f.cpu
	}
	if f.memory != "" {
		cfg.Engine.Memory = f.memory
	}
	if f.maxParallel > 0 {
		cfg.Engine.MaxParallel = f.maxParallel
	}
	if f.resume {
		cfg.Resume = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.trace {
		cfg.Tracing.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildGraph loads and resolves the pipeline definition and materializes the
// dependency graph.
func buildGraph(cfg *config.Config) (*graph.Graph, error) {
	loader := pipeline.NewFileLoader(cfg.Pipeline.Dirs...)

	var p *pipeline.Pipeline
	var err error
	if cfg.Pipeline.File != "" {
		p, err = pipeline.LoadFile(cfg.Pipeline.File)
	} else {
		p, err = loader.Load(cfg.Pipeline.Name)
	}
	if err != nil {
		return nil, err
	}
	p, err = pipeline.Resolve(p, loader)
	if err != nil {
		return nil, err
	}
	if err := p.ApplyProfile(cfg.Pipeline.Profile); err != nil {
		return nil, err
	}

	params := p.MergedParams(cfg.Params)
	sources, err := pipeline.BuildSources(p.Sources, params)
	if err != nil {
		return nil, err
	}
	return graph.Build(p.Tasks, sources, params, cfg.Workdir)
}

// buildEngine wires the backend, scheduler, and optional resume cache.
func buildEngine(cfg *config.Config, log *logger.Logger) (*engine.Engine, error) {
	providerCfg, err := cfg.Backend.ProviderConfig()
	if err != nil {
		return nil, err
	}
	be, err := backend.New(cfg.Backend.Config, providerCfg, log)
	if err != nil {
		return nil, err
	}

	engCfg, err := cfg.Engine.Build()
	if err != nil {
		return nil, err
	}
	if engCfg.GracePeriod == 0 {
		engCfg.GracePeriod = cfg.Backend.GracePeriod
	}

	opts := []engine.Option{
		engine.WithProgress(10*time.Second, func(g *graph.Graph) {
			report.Render(os.Stderr, report.Snapshot(g))
		}),
	}
	if cfg.Resume {
		c, err := cache.New(cfg.Workdir, log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithCache(c))
	}
	return engine.New(engCfg, be, log, opts...)
}
