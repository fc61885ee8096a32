package deputy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/dbtest"
	"github.com/agdsn/hades/internal/release"
)

func TestEscapeRadiusSecret(t *testing.T) {
	require.Equal(t, `a\\b\"c`, escapeRadiusSecret(`a\b"c`))
}

func TestBuildIPSetScript(t *testing.T) {
	script := buildIPSetScript("alt_dns", []string{"1.2.3.4", "5.6.7.8"})
	require.Equal(t, "create tmp hash:ip -exist\nflush tmp\nadd tmp 1.2.3.4\nadd tmp 5.6.7.8\nswap alt_dns tmp\ndestroy tmp\n", script)
}

type fakeUnits struct {
	reloaded []string
	restarted []string
}

func (f *fakeUnits) ReloadUnit(ctx context.Context, unit string) error {
	f.reloaded = append(f.reloaded, unit)
	return nil
}

func (f *fakeUnits) RestartUnit(ctx context.Context, unit string) error {
	f.restarted = append(f.restarted, unit)
	return nil
}

const deputyTestSchema = `
CREATE TABLE dhcp_lease (mac macaddr PRIMARY KEY, ip inet NOT NULL);
CREATE MATERIALIZED VIEW dhcp_host AS SELECT mac::text AS mac, host(ip) AS ip FROM dhcp_lease;
CREATE TABLE temp_dhcp_host (mac text PRIMARY KEY, ip text NOT NULL);

CREATE TABLE radius_client_src (shortname text PRIMARY KEY, ipaddr text, secret text, nastype text, coa_server text);
CREATE MATERIALIZED VIEW radius_client AS SELECT * FROM radius_client_src;
CREATE TABLE temp_radius_client (shortname text PRIMARY KEY, ipaddr text, secret text, nastype text, coa_server text);

CREATE TABLE alt_dns_src (ip_address text PRIMARY KEY);
CREATE MATERIALIZED VIEW alternative_dns AS SELECT * FROM alt_dns_src;
CREATE TABLE temp_alternative_dns (ip_address text PRIMARY KEY);

CREATE TABLE radcheck_src (id int);
CREATE MATERIALIZED VIEW radcheck AS SELECT * FROM radcheck_src;
CREATE TABLE radreply_src (id int);
CREATE MATERIALIZED VIEW radreply AS SELECT * FROM radreply_src;
CREATE TABLE radgroupcheck_src (id int);
CREATE MATERIALIZED VIEW radgroupcheck AS SELECT * FROM radgroupcheck_src;
CREATE TABLE radgroupreply_src (id int);
CREATE MATERIALIZED VIEW radgroupreply AS SELECT * FROM radgroupreply_src;
CREATE TABLE radusergroup_src (id int);
CREATE MATERIALIZED VIEW radusergroup AS SELECT * FROM radusergroup_src;

CREATE TABLE radacct (acctstoptime timestamptz);
CREATE TABLE radpostauth (authdate timestamptz NOT NULL);
`

func newTestDeputy(t *testing.T) (*Deputy, *fakeUnits, string, string) {
	ctx := context.Background()
	db := dbtest.OpenDB(t, ctx, deputyTestSchema)

	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "dhcp_hosts")
	clientsPath := filepath.Join(dir, "clients.conf")

	units := &fakeUnits{}
	d := New(Config{
		DHCPHostsPath:     hostsPath,
		DHCPHostsUID:      -1,
		DHCPHostsGID:      -1,
		DHCPUnit:          "auth-dhcp",
		RadiusClientsPath: clientsPath,
		RadiusClientsUID:  -1,
		RadiusClientsGID:  -1,
		RadiusUnit:        "radius",
		IPSetName:         "alt_dns",
		RetentionInterval: 30 * 24 * time.Hour,
	}, db, units, zap.NewNop())

	d.swapIPSet = func(ctx context.Context, namespace, script string) error {
		return nil
	}
	d.sendRelease = func(req release.Request, payload []byte, opts release.SendOptions) error {
		return nil
	}

	return d, units, hostsPath, clientsPath
}

func TestRefreshRegeneratesChangedArtifactsOnly(t *testing.T) {
	d, units, hostsPath, clientsPath := newTestDeputy(t)
	ctx := context.Background()

	_, err := d.db.ExecContext(ctx, `INSERT INTO dhcp_lease VALUES ('00:11:22:33:44:55', '10.0.0.5')`)
	require.NoError(t, err)
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO radius_client_src VALUES ('nas1', '10.0.0.1', 's3cret"\x', 'other', '10.0.0.1')`)
	require.NoError(t, err)

	require.NoError(t, d.Refresh(ctx, false))

	hostsContent, err := os.ReadFile(hostsPath)
	require.NoError(t, err)
	require.Equal(t, "00:11:22:33:44:55,10.0.0.5\n", string(hostsContent))

	clientsContent, err := os.ReadFile(clientsPath)
	require.NoError(t, err)
	require.Contains(t, string(clientsContent), `secret="s3cret\"\\x"`)

	require.Equal(t, []string{"auth-dhcp"}, units.reloaded)
	require.Equal(t, []string{"radius"}, units.restarted)

	units.reloaded = nil
	units.restarted = nil
	require.NoError(t, d.Refresh(ctx, false))
	require.Empty(t, units.reloaded)
	require.Empty(t, units.restarted)
}

func TestRefreshForceAlwaysRegenerates(t *testing.T) {
	d, units, _, _ := newTestDeputy(t)
	ctx := context.Background()

	require.NoError(t, d.Refresh(ctx, true))
	require.Equal(t, []string{"auth-dhcp"}, units.reloaded)
	require.Equal(t, []string{"radius"}, units.restarted)
}

func TestCleanupDeletesOldRows(t *testing.T) {
	d, _, _, _ := newTestDeputy(t)
	ctx := context.Background()

	_, err := d.db.ExecContext(ctx, `INSERT INTO radacct (acctstoptime) VALUES (now() - interval '60 days'), (now())`)
	require.NoError(t, err)
	_, err = d.db.ExecContext(ctx, `INSERT INTO radpostauth (authdate) VALUES (now() - interval '2 days'), (now())`)
	require.NoError(t, err)

	require.NoError(t, d.Cleanup(ctx))

	var acctCount, postAuthCount int
	require.NoError(t, d.db.QueryRowContext(ctx, `SELECT count(*) FROM radacct`).Scan(&acctCount))
	require.NoError(t, d.db.QueryRowContext(ctx, `SELECT count(*) FROM radpostauth`).Scan(&postAuthCount))
	require.Equal(t, 1, acctCount)
	require.Equal(t, 1, postAuthCount)
}
