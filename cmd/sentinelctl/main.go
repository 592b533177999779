// Command sentinelctl provisions a remote Docker host and deploys a
// compose stack to it over SSH.
//
// Invoked with no subcommand it runs the full deployment pipeline.
// `sentinelctl setup` converges host state (Docker, NVIDIA toolkit,
// daemon configuration) and is safe to re-run at any time.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"sentinelctl/internal/config"
	"sentinelctl/internal/converge"
	"sentinelctl/internal/discover"
	"sentinelctl/internal/journal"
	"sentinelctl/internal/logging"
	"sentinelctl/internal/pipeline"
	"sentinelctl/internal/remote"
	"sentinelctl/internal/syncer"
)

const usage = `sentinelctl - remote Docker host provisioning and deployment

Usage:
  sentinelctl [flags]              run the full deployment pipeline
  sentinelctl setup                converge host state (Docker, GPU stack)
  sentinelctl sync                 sync source to the remote path
  sentinelctl build                build images on the remote host
  sentinelctl restart              restart the compose stack
  sentinelctl status               show compose service status
  sentinelctl logs [service] [-f]  tail service logs
  sentinelctl shell                open a login shell on the host
  sentinelctl discover <cidr>      scan a subnet for SSH-ready hosts
  sentinelctl history [-n N]       show recent runs

Flags:
`

func main() {
	flags := flag.NewFlagSet("sentinelctl", flag.ExitOnError)
	envPath := flags.String("env", "", "environment file (default: $SENTINELCTL_ENV, ./.env, ~/.config/sentinelctl/env)")
	logLevel := flags.String("log-level", "", "log verbosity: trace, debug, info, warn, error")
	buildRemote := flags.Bool("build", true, "build images during deploy")
	restartSvcs := flags.Bool("restart", true, "restart services during deploy")
	copyEnv := flags.Bool("copy-env", false, "upload the application env file during deploy")
	follow := flags.BoolP("follow", "f", false, "follow log output")
	limit := flags.IntP("limit", "n", 10, "history entries to show")
	assumeYes := flags.BoolP("yes", "y", false, "answer yes to all prompts")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{
		flags:       flags,
		envPath:     *envPath,
		logLevel:    *logLevel,
		buildRemote: *buildRemote,
		restartSvcs: *restartSvcs,
		copyEnv:     *copyEnv,
		follow:      *follow,
		limit:       *limit,
		assumeYes:   *assumeYes,
	}
	os.Exit(app.run(ctx, flags.Args()))
}

type app struct {
	flags       *flag.FlagSet
	envPath     string
	logLevel    string
	buildRemote bool
	restartSvcs bool
	copyEnv     bool
	follow      bool
	limit       int
	assumeYes   bool

	log zerolog.Logger
}

func (a *app) run(ctx context.Context, args []string) int {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	// discover and history never touch the remote host, so they must
	// not fail on a config file missing connection keys.
	switch cmd {
	case "discover":
		cfg := config.LoadLenient()
		a.log = logging.NewStderr(a.levelFor(cfg))
		return a.discover(ctx, args[1:])
	case "history":
		cfg := config.LoadLenient()
		a.log = logging.NewStderr(a.levelFor(cfg))
		return a.history(ctx, cfg)
	}

	cfg, path, err := a.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		if errors.Is(err, config.ErrMissingRequired) {
			fmt.Fprintln(os.Stderr, "create a .env file or point SENTINELCTL_ENV at one; see README for keys")
		}
		return 1
	}
	a.log = logging.NewStderr(a.levelFor(cfg))
	if path != "" {
		a.log.Debug().Str("path", path).Msg("loaded config")
	}

	ssh, err := remote.Dial(ctx, remote.SSHConfig{
		Addr:           cfg.Addr(),
		User:           cfg.RemoteUser,
		KeyPath:        cfg.SSHKeyPath,
		Password:       cfg.SSHPassword,
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
	})
	if err != nil {
		a.log.Error().Err(err).Str("addr", cfg.Addr()).Msg("cannot reach host")
		return 1
	}
	defer ssh.Close()

	switch cmd {
	case "":
		return a.deploy(ctx, cfg, ssh)
	case "setup":
		return a.setup(ctx, cfg, ssh)
	case "sync":
		strategy, err := a.strategy(cfg, ssh)
		if err != nil {
			a.log.Error().Err(err).Msg("sync setup failed")
			return 1
		}
		if err := strategy.Sync(ctx); err != nil {
			a.log.Error().Err(err).Msg("sync failed")
			return 1
		}
		fmt.Println("sync complete")
		return 0
	case "build":
		p, err := a.pipeline(cfg, ssh)
		if err != nil {
			a.log.Error().Err(err).Msg("pipeline setup failed")
			return 1
		}
		if err := p.Build(ctx); err != nil {
			a.log.Error().Err(err).Msg("build failed")
			return 1
		}
		fmt.Println("build complete")
		return 0
	case "restart":
		p, err := a.pipeline(cfg, ssh)
		if err != nil {
			a.log.Error().Err(err).Msg("pipeline setup failed")
			return 1
		}
		if err := p.Restart(ctx); err != nil {
			a.log.Error().Err(err).Msg("restart failed")
			return 1
		}
		fmt.Println("services restarted")
		return 0
	case "status":
		p, err := a.pipeline(cfg, ssh)
		if err != nil {
			a.log.Error().Err(err).Msg("pipeline setup failed")
			return 1
		}
		out, err := p.Status(ctx)
		if err != nil {
			a.log.Error().Err(err).Msg("status failed")
			return 1
		}
		fmt.Print(out)
		return 0
	case "logs":
		p, err := a.pipeline(cfg, ssh)
		if err != nil {
			a.log.Error().Err(err).Msg("pipeline setup failed")
			return 1
		}
		service := ""
		if len(args) > 1 {
			service = args[1]
		}
		if err := p.Logs(ctx, os.Stdout, service, a.follow); err != nil {
			a.log.Error().Err(err).Msg("logs failed")
			return 1
		}
		return 0
	case "shell":
		p, err := a.pipeline(cfg, ssh)
		if err != nil {
			a.log.Error().Err(err).Msg("pipeline setup failed")
			return 1
		}
		if err := p.Shell(); err != nil {
			a.log.Error().Err(err).Msg("shell failed")
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "sentinelctl: unknown command %q\n\n", cmd)
		a.flags.Usage()
		return 2
	}
}

func (a *app) loadConfig() (*config.Config, string, error) {
	if a.envPath != "" {
		return config.LoadFromPath(a.envPath)
	}
	return config.Load()
}

// levelFor prefers the --log-level flag over the configured level.
func (a *app) levelFor(cfg *config.Config) string {
	if a.logLevel != "" {
		return a.logLevel
	}
	return cfg.LogLevel
}

func (a *app) setup(ctx context.Context, cfg *config.Config, ssh *remote.SSH) int {
	eng := converge.New(ssh, converge.Options{
		DNSServers:        cfg.DNSServers,
		GPUDefaultRuntime: cfg.GPUDefaultRuntime,
		BuilderName:       cfg.BuilderName,
	}, a.log)

	started := time.Now()
	report, err := eng.Converge(ctx)
	a.recordRun(ctx, cfg, journal.KindConverge, convergeOutcome(report, err), started, convergeSteps(report))

	printConvergeReport(report)
	if err != nil {
		a.log.Error().Err(err).Msg("setup failed")
		return 1
	}
	if report.RebootRequired {
		fmt.Println("\nreboot the host, then run `sentinelctl setup` again to finish")
		return 0
	}
	fmt.Println("\nhost converged")
	return 0
}

func (a *app) deploy(ctx context.Context, cfg *config.Config, ssh *remote.SSH) int {
	p, err := a.pipeline(cfg, ssh)
	if err != nil {
		a.log.Error().Err(err).Msg("pipeline setup failed")
		return 1
	}

	run := pipeline.Run{
		BuildRemote:     cfg.BuildRemote,
		RestartServices: cfg.RestartServices,
		CopyEnv:         cfg.CopyEnv,
	}
	// Flags override config only when given explicitly.
	if a.flags.Changed("build") {
		run.BuildRemote = a.buildRemote
	}
	if a.flags.Changed("restart") {
		run.RestartServices = a.restartSvcs
	}
	if a.flags.Changed("copy-env") {
		run.CopyEnv = a.copyEnv
	}

	started := time.Now()
	report, err := p.Deploy(ctx, run)
	a.recordRun(ctx, cfg, journal.KindDeploy, deployOutcome(err), started, deploySteps(report))

	printDeployReport(report)
	if err != nil {
		a.log.Error().Err(err).Msg("deploy failed")
		return 1
	}
	fmt.Println("\ndeploy complete")
	return 0
}

func (a *app) discover(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sentinelctl discover <cidr>")
		return 2
	}
	scanner := discover.NewScanner(a.log)
	hosts, err := scanner.Scan(ctx, args[0])
	if err != nil {
		a.log.Error().Err(err).Msg("scan failed")
		return 1
	}
	if len(hosts) == 0 {
		fmt.Println("no hosts with open candidate ports found")
		return 0
	}
	for _, h := range hosts {
		marker := " "
		if h.SSHReady {
			marker = "*"
		}
		name := h.Hostname
		if name == "" {
			name = "-"
		}
		fmt.Printf("%s %-15s %-30s ports %v\n", marker, h.IP, name, h.OpenPorts)
	}
	fmt.Println("\n* = SSH reachable")
	return 0
}

func (a *app) history(ctx context.Context, cfg *config.Config) int {
	j, err := journal.Open(cfg.JournalDB)
	if err != nil {
		a.log.Error().Err(err).Msg("cannot open journal")
		return 1
	}
	defer j.Close()

	runs, err := j.Recent(ctx, a.limit)
	if err != nil {
		a.log.Error().Err(err).Msg("cannot read journal")
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return 0
	}
	for _, r := range runs {
		fmt.Printf("%s  %-8s %-10s %-20s %s\n",
			r.Started.Local().Format("2006-01-02 15:04:05"),
			r.Kind, r.Outcome, r.Host, r.Duration.Round(time.Millisecond))
		for _, s := range r.Steps {
			detail := s.Detail
			if detail != "" {
				detail = "  " + detail
			}
			fmt.Printf("    %-28s %-14s%s\n", s.Name, s.Status, detail)
		}
	}
	return 0
}

func (a *app) pipeline(cfg *config.Config, ssh *remote.SSH) (*pipeline.Pipeline, error) {
	strategy, err := a.strategy(cfg, ssh)
	if err != nil {
		return nil, err
	}
	return pipeline.New(ssh, strategy, pipeline.Options{
		RemotePath:       cfg.RemotePath,
		ComposeFile:      cfg.ComposeFile,
		DataDirs:         cfg.DataDirs,
		EnvFile:          cfg.EnvFile,
		BuilderName:      cfg.BuilderName,
		LocalComposeFile: cfg.ComposeFile,
	}, a.log), nil
}

func (a *app) strategy(cfg *config.Config, ssh *remote.SSH) (syncer.Strategy, error) {
	return syncer.ForMethod(cfg.Method, ssh, syncer.Options{
		LocalPath:      ".",
		RemotePath:     cfg.RemotePath,
		Host:           cfg.RemoteHost,
		User:           cfg.RemoteUser,
		Port:           cfg.RemotePort,
		KeyPath:        cfg.SSHKeyPath,
		Branch:         cfg.Branch,
		FallbackBranch: cfg.FallbackBranch,
	}, a.confirmer(), a.log)
}

func (a *app) confirmer() syncer.Confirmer {
	if a.assumeYes {
		return syncer.ConfirmerFunc(func(string) bool { return true })
	}
	return syncer.ConfirmerFunc(func(prompt string) bool {
		fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	})
}

// recordRun persists a run to the journal. Journal failures never fail
// the command that produced the run.
func (a *app) recordRun(ctx context.Context, cfg *config.Config, kind journal.Kind, outcome string, started time.Time, steps []journal.StepRecord) {
	j, err := journal.Open(cfg.JournalDB)
	if err != nil {
		a.log.Warn().Err(err).Msg("journal unavailable, run not recorded")
		return
	}
	defer j.Close()

	err = j.Record(ctx, journal.Run{
		Kind:     kind,
		Host:     cfg.RemoteHost,
		Outcome:  outcome,
		Started:  started,
		Duration: time.Since(started),
		Steps:    steps,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("run not recorded")
	}
}

func convergeOutcome(report *converge.Report, err error) string {
	switch {
	case err != nil:
		return "failed"
	case report != nil && report.RebootRequired:
		return "reboot-required"
	default:
		return "ok"
	}
}

func deployOutcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func convergeSteps(report *converge.Report) []journal.StepRecord {
	if report == nil {
		return nil
	}
	steps := make([]journal.StepRecord, 0, len(report.Steps))
	for _, s := range report.Steps {
		detail := s.Detail
		if s.Err != nil {
			detail = s.Err.Error()
		}
		steps = append(steps, journal.StepRecord{
			Name:     s.Name,
			Status:   string(s.Status),
			Detail:   detail,
			Duration: s.Duration,
		})
	}
	return steps
}

func deploySteps(report *pipeline.Report) []journal.StepRecord {
	if report == nil {
		return nil
	}
	steps := make([]journal.StepRecord, 0, len(report.Steps))
	for _, s := range report.Steps {
		steps = append(steps, journal.StepRecord{
			Name:     s.Name,
			Status:   s.Status,
			Detail:   s.Detail,
			Duration: s.Duration,
		})
	}
	return steps
}

func printConvergeReport(report *converge.Report) {
	if report == nil {
		return
	}
	fmt.Println("component                    status          detail")
	for _, s := range report.Steps {
		detail := s.Detail
		if s.Err != nil {
			detail = s.Err.Error()
		}
		fmt.Printf("%-28s %-15s %s\n", s.Name, s.Status, detail)
	}
	if n := report.Warnings(); n > 0 {
		fmt.Printf("%d component(s) finished with warnings\n", n)
	}
}

func printDeployReport(report *pipeline.Report) {
	if report == nil {
		return
	}
	for _, s := range report.Steps {
		fmt.Printf("%-14s %-8s %s  (%s)\n", s.Name, s.Status, s.Detail, s.Duration.Round(time.Millisecond))
	}
	if report.Status != "" {
		fmt.Printf("\n%s\n", report.Status)
	}
}
