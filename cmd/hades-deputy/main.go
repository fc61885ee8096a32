// Command hades-deputy is the privileged node orchestration service of
// spec.md §4.8, the second of "THE CORE" subsystems. One instance runs
// per RADIUS role (--auth or --unauth); it answers "refresh"/"cleanup"
// tasks delivered over the signed AMQP RPC transport and VRRP transition
// notifications delivered over a small local control socket.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/deputy"
	"github.com/agdsn/hades/internal/envelope"
	"github.com/agdsn/hades/internal/exitcode"
	"github.com/agdsn/hades/internal/hadescfg"
	"github.com/agdsn/hades/internal/initctl"
	"github.com/agdsn/hades/internal/logging"
	"github.com/agdsn/hades/internal/metrics"
	"github.com/agdsn/hades/internal/rpctransport"
	"github.com/agdsn/hades/internal/viewdiffer"
)

var version = "dev"

func main() {
	var (
		configPath           string
		socketPath           string
		authFlag, unauthFlag bool
		logType              logging.Type
		showVer              bool
	)

	cmd := &cobra.Command{
		Use:          "hades-deputy",
		Short:        "Privileged node orchestration service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVer {
				fmt.Println(version)
				return nil
			}
			instance, err := instanceFromFlags(authFlag, unauthFlag)
			if err != nil {
				return exitcode.WithCode(exitcode.Usage, err)
			}
			return run(configPath, socketPath, instance, logType)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a KEY=VALUE environment file")
	flags.StringVar(&socketPath, "socket", "/run/hades/deputy-notify.sock", "VRRP notify control socket path")
	flags.BoolVar(&authFlag, "auth", false, "act as the auth-side deputy")
	flags.BoolVar(&unauthFlag, "unauth", false, "act as the unauth-side deputy")
	flags.VarP(&logType, "log-type", "", "log output style [auto|dev|prod]")
	flags.BoolVarP(&showVer, "version", "V", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(int(exitcode.CodeOf(err)))
	}
}

func instanceFromFlags(authFlag, unauthFlag bool) (hadescfg.Instance, error) {
	switch {
	case authFlag && unauthFlag:
		return "", fmt.Errorf("--auth and --unauth are mutually exclusive")
	case authFlag:
		return hadescfg.InstanceAuth, nil
	case unauthFlag:
		return hadescfg.InstanceUnauth, nil
	default:
		return "", fmt.Errorf("one of --auth or --unauth is required")
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func parseRetention(s string) (time.Duration, error) {
	if s == "" {
		return 30 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func loadKeys(env hadescfg.Env) (ed25519.PrivateKey, envelope.TrustedSigners, error) {
	if env.HadesPrivateKey == "" {
		return nil, nil, fmt.Errorf("HADES_PRIVATE_KEY not set")
	}
	priv, err := hadescfg.ParsePrivateKey(env.HadesPrivateKey)
	if err != nil {
		return nil, nil, err
	}
	trusted, err := hadescfg.ParseTrustedSigners(env.HadesTrustedSigners)
	if err != nil {
		return nil, nil, err
	}
	return priv, trusted, nil
}

type refreshRequest struct {
	Force bool `json:"force"`
}

func refreshTask(dep *deputy.Deputy) rpctransport.TaskHandler {
	return func(ctx context.Context, body []byte) error {
		var req refreshRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("decode refresh request: %w", err)
			}
		}
		return dep.Refresh(ctx, req.Force)
	}
}

func cleanupTask(dep *deputy.Deputy) rpctransport.TaskHandler {
	return func(ctx context.Context, body []byte) error {
		return dep.Cleanup(ctx)
	}
}

func run(configPath, socketPath string, instance hadescfg.Instance, logType logging.Type) error {
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
	log = log.Named(string(instance))

	if env.HadesDBURI == "" {
		return exitcode.WithCode(exitcode.Config, fmt.Errorf("HADES_DB_URI not set"))
	}
	db, err := sql.Open("postgres", env.HadesDBURI)
	if err != nil {
		return exitcode.WithCode(exitcode.TempFail, fmt.Errorf("open database: %w", err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return exitcode.WithCode(exitcode.TempFail, fmt.Errorf("ping database: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initConn, err := initctl.Connect(ctx)
	if err != nil {
		return exitcode.WithCode(exitcode.Unavailable, fmt.Errorf("connect to systemd: %w", err))
	}
	defer initConn.Close()

	retention, err := parseRetention(env.HadesRetention)
	if err != nil {
		return exitcode.WithCode(exitcode.Config, err)
	}

	var transport *rpctransport.Transport
	if env.HadesAMQPURI != "" {
		priv, trusted, err := loadKeys(env)
		if err != nil {
			return exitcode.WithCode(exitcode.Config, err)
		}
		transport = rpctransport.New(rpctransport.Config{
			BrokerURI:  env.HadesAMQPURI,
			NodeKey:    env.HadesNodeKey,
			SiteKey:    env.HadesSiteKey,
			PrivateKey: priv,
			Trusted:    trusted,
			Accept:     map[string]bool{"refresh": true, "cleanup": true},
		}, log)
	}

	switch instance {
	case hadescfg.InstanceAuth:
		dep := deputy.New(deputy.Config{
			DHCPHostsPath:     env.HadesDHCPHostsPath,
			DHCPHostsUID:      env.HadesDHCPHostsUID,
			DHCPHostsGID:      env.HadesDHCPHostsGID,
			DHCPUnit:          orDefault(env.HadesDHCPUnit, "auth-dhcp"),
			RadiusClientsPath: env.HadesRadiusClientsPath,
			RadiusClientsUID:  env.HadesRadiusClientsUID,
			RadiusClientsGID:  env.HadesRadiusClientsGID,
			RadiusUnit:        orDefault(env.HadesRadiusUnit, "radius"),
			IPSetName:         env.HadesIPSetName,
			IPSetNamespace:    orDefault(env.HadesAuthNamespace, "auth"),
			SendReleases:      env.HadesSendReleases,
			ReleaseNamespace:  orDefault(env.HadesAuthNamespace, "auth"),
			ReleaseInterface:  env.HadesReleaseIface,
			ReleaseServerIP:   env.HadesReleaseServerIP,
			ReleaseFromIP:     env.HadesReleaseFromIP,
			RetentionInterval: retention,
		}, db, initConn, log)

		if transport != nil {
			transport.RegisterTask("refresh", refreshTask(dep))
			transport.RegisterTask("cleanup", cleanupTask(dep))
		}
	case hadescfg.InstanceUnauth:
		// The unauth-side deputy owns only the untracked RADIUS views (no
		// client-facing artifacts of its own), but still answers
		// refresh/cleanup for operator uniformity.
		untracked := []string{"radcheck", "radreply", "radgroupcheck", "radgroupreply", "radusergroup"}
		differ := viewdiffer.New(db, log, nil, untracked)
		if transport != nil {
			transport.RegisterTask("refresh", func(ctx context.Context, body []byte) error {
				_, err := differ.RunOnce(ctx)
				return err
			})
			transport.RegisterTask("cleanup", func(ctx context.Context, body []byte) error {
				return nil
			})
		}
	}

	runErrs := make(chan error, 3)
	go func() {
		if err := metrics.Serve(ctx, env.HadesMetricsAddr); err != nil {
			runErrs <- err
		}
	}()

	if transport != nil {
		go func() { runErrs <- transport.Run(ctx) }()

		if socketPath != "" {
			nl, err := rpctransport.ListenNotify(socketPath, log)
			if err != nil {
				return exitcode.WithCode(exitcode.Unavailable, err)
			}
			go func() { runErrs <- nl.Serve(ctx, transport) }()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		cancel()
	case err := <-runErrs:
		if err != nil && ctx.Err() == nil {
			cancel()
			return exitcode.WithCode(exitcode.OSErr, err)
		}
	}
	return nil
}
