package deputy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/agdsn/hades/internal/netctl"
)

// buildIPSetScript produces an atomic ipset(8) restore script (§4.8):
// build into a scratch set named "tmp", then swap it in for name and
// destroy the scratch set, so consumers of name never observe a partial
// update.
func buildIPSetScript(name string, ips []string) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "create tmp hash:ip -exist\n")
	fmt.Fprintf(&buf, "flush tmp\n")
	for _, ip := range ips {
		fmt.Fprintf(&buf, "add tmp %s\n", ip)
	}
	fmt.Fprintf(&buf, "swap %s tmp\n", name)
	fmt.Fprintf(&buf, "destroy tmp\n")
	return buf.String()
}

// execIPSetRestore is the real IPSetSwapper: it enters namespace (RAII,
// via internal/netctl) and pipes script into "ipset restore".
func execIPSetRestore(ctx context.Context, namespace, script string) error {
	guard, err := netctl.Enter(namespace)
	if err != nil {
		return errors.Wrap(err, "deputy: enter namespace for ipset restore")
	}
	defer guard.Close()

	cmd := exec.CommandContext(ctx, "ipset", "restore")
	cmd.Stdin = bytes.NewReader([]byte(script))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "deputy: ipset restore failed: %s", out)
	}
	return nil
}
