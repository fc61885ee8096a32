// Package deputy implements the privileged Deputy service of spec.md
// §4.8, the second of "THE CORE" subsystems: it orchestrates the view
// differ, regenerates the on-disk DHCP hosts file, RADIUS clients file and
// alternative-DNS ipset, reloads/restarts the downstream daemons that
// consume them, and optionally emits administrative DHCP RELEASE packets
// for leases that disappeared from the DHCP hosts view.
package deputy

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/dbretry"
	"github.com/agdsn/hades/internal/release"
	"github.com/agdsn/hades/internal/viewdiffer"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hades_deputy_refresh_total",
		Help: "Count of Deputy.Refresh runs by outcome.",
	}, []string{"result"})
	cleanupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hades_deputy_cleanup_total",
		Help: "Count of Deputy.Cleanup runs by outcome.",
	}, []string{"result"})
	artifactsRegenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hades_deputy_artifact_regenerations_total",
		Help: "Count of artifact regenerations by artifact name.",
	}, []string{"artifact"})
)

// postAuthRetention is the fixed one-day retention for radpostauth rows
// (spec.md §4.8: "post-auth rows older than 1 day" — unlike accounting
// retention, this window is not configurable).
const postAuthRetention = 24 * time.Hour

// UnitReloader is the subset of *internal/initctl.Conn the Deputy needs;
// an interface so tests can substitute a fake instead of a live D-Bus
// connection to systemd.
type UnitReloader interface {
	ReloadUnit(ctx context.Context, unit string) error
	RestartUnit(ctx context.Context, unit string) error
}

// ReleaseSender matches release.Send's signature, as an interface seam so
// tests don't need a real network namespace and UDP socket.
type ReleaseSender func(req release.Request, payload []byte, opts release.SendOptions) error

// IPSetSwapper executes an atomic ipset restore script inside a network
// namespace; the default implementation shells out to ipset(8) via
// internal/netctl, tests substitute a recording fake.
type IPSetSwapper func(ctx context.Context, namespace, script string) error

// Config names the units, paths, and namespaces one Deputy instance owns.
// cmd/hades-deputy builds a Deputy only for --auth; the --unauth side runs
// a bare viewdiffer.Differ instead.
type Config struct {
	DHCPHostsPath     string
	DHCPHostsUID      int
	DHCPHostsGID      int
	DHCPUnit          string

	RadiusClientsPath string
	RadiusClientsUID  int
	RadiusClientsGID  int
	RadiusUnit        string

	IPSetName      string
	IPSetNamespace string

	// ReleaseNamespace/Interface/ServerIP/FromIP configure administrative
	// DHCP RELEASE emission for leases dropped from the DHCP hosts view.
	// SendReleases must be explicitly enabled; a missing ServerIP disables
	// it regardless, since there is nothing to release to.
	SendReleases     bool
	ReleaseNamespace string
	ReleaseInterface string
	ReleaseServerIP  string
	ReleaseFromIP    string

	RetentionInterval time.Duration
}

// Deputy is the single-event-loop orchestrator of §4.8/§5: Refresh and
// Cleanup are mutually exclusive (mu) and run on the caller's goroutine —
// there is no internal worker pool, matching "long-running DB work is
// executed on the loop thread."
type Deputy struct {
	cfg    Config
	db     *sql.DB
	log    *zap.Logger
	differ *viewdiffer.Differ
	units  UnitReloader

	sendRelease ReleaseSender
	swapIPSet   IPSetSwapper

	mu sync.Mutex
}

// New constructs a Deputy wired to the real release.Send and a real ipset
// swap via internal/netctl; tests override those two fields directly.
func New(cfg Config, db *sql.DB, units UnitReloader, log *zap.Logger) *Deputy {
	tracked, untracked := viewdiffer.AuthViews()
	return &Deputy{
		cfg:         cfg,
		db:          db,
		log:         log,
		differ:      viewdiffer.New(db, log, tracked, untracked),
		units:       units,
		sendRelease: release.Send,
		swapIPSet:   execIPSetRestore,
	}
}

// Refresh runs the view differ and conditionally (or, if force, always)
// regenerates and reloads the DHCP hosts file, RADIUS clients file, and
// alternative-DNS ipset, per §4.8.
func (d *Deputy) Refresh(ctx context.Context, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	diffs, err := d.differ.RunOnce(ctx)
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return errors.Wrap(err, "deputy: refresh: view differ")
	}

	byView := make(map[string]viewdiffer.Diff, len(diffs))
	for _, diff := range diffs {
		byView[diff.View] = diff
	}

	dhcpDiff := byView["dhcp_host"]
	radiusDiff := byView["radius_client"]
	dnsDiff := byView["alternative_dns"]

	if force || !dhcpDiff.Empty() {
		if err := d.refreshDHCPHosts(ctx, dhcpDiff); err != nil {
			refreshTotal.WithLabelValues("error").Inc()
			return errors.Wrap(err, "deputy: refresh: dhcp hosts file")
		}
		artifactsRegenerated.WithLabelValues("dhcp_hosts").Inc()
	}
	if force || !radiusDiff.Empty() {
		if err := d.refreshRadiusClients(ctx); err != nil {
			refreshTotal.WithLabelValues("error").Inc()
			return errors.Wrap(err, "deputy: refresh: radius clients file")
		}
		artifactsRegenerated.WithLabelValues("radius_clients").Inc()
	}
	if force || !dnsDiff.Empty() {
		if err := d.refreshAlternativeDNS(ctx); err != nil {
			refreshTotal.WithLabelValues("error").Inc()
			return errors.Wrap(err, "deputy: refresh: alternative dns ipset")
		}
		artifactsRegenerated.WithLabelValues("alternative_dns").Inc()
	}
	refreshTotal.WithLabelValues("ok").Inc()
	return nil
}

func (d *Deputy) refreshDHCPHosts(ctx context.Context, diff viewdiffer.Diff) error {
	rows, err := d.db.QueryContext(ctx, `SELECT mac, ip FROM dhcp_host ORDER BY mac`)
	if err != nil {
		return err
	}
	if err := writeDHCPHostsFile(d.cfg.DHCPHostsPath, d.cfg.DHCPHostsUID, d.cfg.DHCPHostsGID, rows); err != nil {
		return err
	}
	if err := d.units.ReloadUnit(ctx, d.cfg.DHCPUnit); err != nil {
		return err
	}

	if d.cfg.SendReleases {
		d.sendReleasesFor(ctx, diff.Removed)
	}
	return nil
}

func (d *Deputy) sendReleasesFor(ctx context.Context, removed []viewdiffer.Row) {
	if d.cfg.ReleaseServerIP == "" {
		return
	}
	for _, row := range removed {
		req, payload, err := buildReleaseFor(row, d.cfg.ReleaseServerIP)
		if err != nil {
			d.log.Warn("deputy: skipping administrative release", zap.Error(err))
			continue
		}
		opts := release.SendOptions{
			Namespace: d.cfg.ReleaseNamespace,
			Interface: d.cfg.ReleaseInterface,
		}
		if d.cfg.ReleaseFromIP != "" {
			opts.FromIP = parseIP(d.cfg.ReleaseFromIP)
		}
		if err := d.sendRelease(req, payload, opts); err != nil {
			d.log.Warn("deputy: administrative release failed", zap.Error(err), zap.String("mac", req.MAC.String()))
		}
	}
}

func (d *Deputy) refreshRadiusClients(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx,
		`SELECT shortname, ipaddr, secret, nastype, coa_server FROM radius_client ORDER BY shortname`)
	if err != nil {
		return err
	}
	if err := writeRadiusClientsFile(d.cfg.RadiusClientsPath, d.cfg.RadiusClientsUID, d.cfg.RadiusClientsGID, rows); err != nil {
		return err
	}
	return d.units.RestartUnit(ctx, d.cfg.RadiusUnit)
}

func (d *Deputy) refreshAlternativeDNS(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `SELECT ip_address FROM alternative_dns ORDER BY ip_address`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return err
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	script := buildIPSetScript(d.cfg.IPSetName, ips)
	return d.swapIPSet(ctx, d.cfg.IPSetNamespace, script)
}

// Cleanup deletes accounting rows older than RetentionInterval and
// post-auth rows older than one day (§4.8), each a single bounded DELETE
// run under SERIALIZABLE isolation with a retry on serialization failure
// (REDESIGN FLAGS).
func (d *Deputy) Cleanup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := dbretry.Do(ctx, func(ctx context.Context) error {
		tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM radacct WHERE acctstoptime IS NOT NULL AND acctstoptime < now() - ($1 * interval '1 second')`,
			d.cfg.RetentionInterval.Seconds()); err != nil {
			return errors.Wrap(err, "deputy: cleanup radacct")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM radpostauth WHERE authdate < now() - ($1 * interval '1 second')`,
			postAuthRetention.Seconds()); err != nil {
			return errors.Wrap(err, "deputy: cleanup radpostauth")
		}
		return tx.Commit()
	})
	if err != nil {
		cleanupTotal.WithLabelValues("error").Inc()
		return err
	}
	cleanupTotal.WithLabelValues("ok").Inc()
	return nil
}
