// Command hades-radiusd-notify is keepalived's --notify script target: it
// forwards one VRRP transition to the Deputy's local control socket
// (internal/rpctransport.NotifyListener) so an unprivileged notify script
// never needs AMQP broker credentials of its own. keepalived invokes it as
// `hades-radiusd-notify TYPE NAME STATE [PRIORITY]`.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agdsn/hades/internal/exitcode"
	"github.com/agdsn/hades/internal/rpctransport"
)

var version = "dev"

func main() {
	var (
		socketPath string
		timeout    time.Duration
		showVer    bool
	)

	cmd := &cobra.Command{
		Use:          "hades-radiusd-notify TYPE NAME STATE [PRIORITY]",
		Short:        "Forward a keepalived VRRP notification to the Deputy",
		Args:         cobra.RangeArgs(0, 4),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVer {
				fmt.Println(version)
				return nil
			}
			note, err := parseArgs(args)
			if err != nil {
				return exitcode.WithCode(exitcode.Usage, err)
			}
			return run(socketPath, timeout, note)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&socketPath, "socket", "/run/hades/deputy-notify.sock", "Deputy notify control socket path")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "socket dial/round-trip timeout")
	flags.BoolVarP(&showVer, "version", "V", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(int(exitcode.CodeOf(err)))
	}
}

func parseArgs(args []string) (rpctransport.Notification, error) {
	if len(args) < 3 {
		return rpctransport.Notification{}, fmt.Errorf("expected TYPE NAME STATE [PRIORITY], got %d arguments", len(args))
	}
	state, err := rpctransport.ParseRADIUSState(args[2])
	if err != nil {
		return rpctransport.Notification{}, err
	}
	note := rpctransport.Notification{
		Type:  args[0],
		Name:  args[1],
		State: state,
	}
	if len(args) == 4 {
		priority, err := strconv.Atoi(args[3])
		if err != nil {
			return rpctransport.Notification{}, fmt.Errorf("parse priority %q: %w", args[3], err)
		}
		note.Priority = priority
	}
	return note, nil
}

func run(socketPath string, timeout time.Duration, note rpctransport.Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return exitcode.WithCode(exitcode.Unavailable, fmt.Errorf("dial %s: %w", socketPath, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(note); err != nil {
		return exitcode.WithCode(exitcode.OSErr, fmt.Errorf("send notification: %w", err))
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return exitcode.WithCode(exitcode.OSErr, fmt.Errorf("read reply: %w", err))
	}
	if len(reply) >= 5 && reply[:5] == "ERROR" {
		return exitcode.WithCode(exitcode.Software, fmt.Errorf("deputy rejected notification: %s", reply))
	}
	return nil
}
