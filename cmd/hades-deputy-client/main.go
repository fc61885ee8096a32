// Command hades-deputy-client is a one-shot CLI that publishes a signed
// "refresh" or "cleanup" task to a Deputy instance over the RPC transport
// of spec.md §4.6, for operator- or cron-triggered invocation (e.g. after
// a database migration, or on a periodic timer for radacct/radpostauth
// retention).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/exitcode"
	"github.com/agdsn/hades/internal/hadescfg"
	"github.com/agdsn/hades/internal/logging"
	"github.com/agdsn/hades/internal/rpctransport"
)

var version = "dev"

func main() {
	var (
		configPath string
		routingKey string
		force      bool
		timeout    time.Duration
		logType    logging.Type
		showVer    bool
	)

	cmd := &cobra.Command{
		Use:          "hades-deputy-client TASK",
		Short:        "Publish a refresh/cleanup task to a Deputy instance",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVer {
				fmt.Println(version)
				return nil
			}
			if len(args) != 1 {
				return exitcode.WithCode(exitcode.Usage, fmt.Errorf("expected exactly one task name: refresh|cleanup"))
			}
			task := args[0]
			if task != "refresh" && task != "cleanup" {
				return exitcode.WithCode(exitcode.Usage, fmt.Errorf("unknown task %q, want refresh|cleanup", task))
			}
			return run(configPath, routingKey, task, force, timeout, logType)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a KEY=VALUE environment file")
	flags.StringVar(&routingKey, "to", "", "target routing key (defaults to the configured site key)")
	flags.BoolVar(&force, "force", false, "for refresh: regenerate artifacts even if nothing changed")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "publish timeout (the broker dial itself is not bounded by it)")
	flags.VarP(&logType, "log-type", "", "log output style [auto|dev|prod]")
	flags.BoolVarP(&showVer, "version", "V", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(int(exitcode.CodeOf(err)))
	}
}

type refreshRequest struct {
	Force bool `json:"force"`
}

func run(configPath, routingKey, task string, force bool, timeout time.Duration, logType logging.Type) error {
	if configPath != "" {
		if err := hadescfg.LoadFile(configPath); err != nil {
			return exitcode.WithCode(exitcode.Config, err)
		}
	}
	var env hadescfg.Env
	if err := hadescfg.Load(&env); err != nil {
		return exitcode.WithCode(exitcode.Config, err)
	}

	log, _ := logging.Setup(logType, zap.InfoLevel)
	defer log.Sync()

	if env.HadesAMQPURI == "" {
		return exitcode.WithCode(exitcode.Config, fmt.Errorf("HADES_AMQP_URI not set"))
	}
	priv, err := hadescfg.ParsePrivateKey(env.HadesPrivateKey)
	if err != nil {
		return exitcode.WithCode(exitcode.Config, err)
	}
	if routingKey == "" {
		routingKey = env.HadesSiteKey
	}
	if routingKey == "" {
		return exitcode.WithCode(exitcode.Usage, fmt.Errorf("--to or HADES_SITE_KEY must name a target routing key"))
	}

	transport := rpctransport.New(rpctransport.Config{
		BrokerURI:  env.HadesAMQPURI,
		NodeKey:    env.HadesNodeKey,
		SiteKey:    env.HadesSiteKey,
		PrivateKey: priv,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		return exitcode.WithCode(exitcode.Unavailable, fmt.Errorf("connect to broker: %w", err))
	}
	defer transport.Close()

	var payload interface{}
	if task == "refresh" {
		payload = refreshRequest{Force: force}
	} else {
		payload = struct{}{}
	}

	if err := transport.PublishTask(ctx, routingKey, task, payload); err != nil {
		return exitcode.WithCode(exitcode.Unavailable, fmt.Errorf("publish %s task: %w", task, err))
	}
	log.Info("published task", zap.String("task", task), zap.String("to", routingKey))
	return nil
}
