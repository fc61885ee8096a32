// Command hades-dhcp-leases is the dnsmasq --dhcp-script IPC server of
// spec.md §4.1–4.3, the first of "THE CORE" subsystems: dnsmasq invokes a
// tiny forwarder on every lease event, which connects to this process's
// UNIX socket, passes its argv/environment/stdio over SCM_RIGHTS, and
// relays back the single status byte this process replies with.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/exitcode"
	"github.com/agdsn/hades/internal/hadescfg"
	"github.com/agdsn/hades/internal/leasescript"
	"github.com/agdsn/hades/internal/leasestore"
	"github.com/agdsn/hades/internal/logging"
	"github.com/agdsn/hades/internal/metrics"
)

var version = "dev"

func main() {
	var (
		configPath string
		socketPath string
		logType    logging.Type
		showVer    bool
	)

	cmd := &cobra.Command{
		Use:          "hades-dhcp-leases",
		Short:        "Lease-script IPC server for dnsmasq",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVer {
				fmt.Println(version)
				return nil
			}
			return run(configPath, socketPath, logType)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a KEY=VALUE environment file")
	flags.StringVar(&socketPath, "socket", "/run/hades/dhcp-leases.sock", "lease-script IPC socket path")
	flags.VarP(&logType, "log-type", "", "log output style [auto|dev|prod]")
	flags.BoolVarP(&showVer, "version", "V", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(int(exitcode.CodeOf(err)))
	}
}

func run(configPath, socketPath string, logType logging.Type) error {
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
	// Size-1 pool with overflow 2, matching spec.md §5's "DB connection
	// from a size-1 pool with overflow 2 and pre-ping" for the
	// lease-script's shared-resource model.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)

	store := leasestore.New(db, log)
	srv := leasescript.New(store, log)
	if err := srv.Listen(socketPath); err != nil {
		return exitcode.WithCode(exitcode.Unavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := metrics.Serve(ctx, env.HadesMetricsAddr); err != nil {
			log.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()

	// Serve owns its own SIGINT/SIGTERM handling and returns nil on a
	// clean signal-driven shutdown once in-flight connections drain.
	if err := srv.Serve(ctx); err != nil {
		return exitcode.WithCode(exitcode.OSErr, err)
	}
	return nil
}
