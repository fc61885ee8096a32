// Package dbtest provides an easy way to start and control temporary
// instances of PostgreSQL for tests, adapted from
// bg/common/briefpg: it shells out to the local initdb/pg_ctl/psql rather
// than mandating a particular driver or a system-wide cluster, since CI
// runners cannot assume one exists.
package dbtest

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const pgConf = `
unix_socket_directories = '%s'
listen_addresses = ''
shared_buffers = 12MB
fsync = off
synchronous_commit = off
full_page_writes = off
max_worker_processes = 4
`

var utilities = []string{"psql", "initdb", "pg_ctl"}

var (
	prefix string
	pgVer  string
	pgCmds = map[string]string{}
)

func init() {
	u, err := user.Current()
	if err != nil {
		return
	}
	prefix = fmt.Sprintf("hades-dbtest.%s", u.Username)

	var allPaths []string
	allPaths = append(allPaths, strings.Split(os.Getenv("PATH"), ":")...)
	for _, glob := range []string{
		"/usr/lib/postgresql/*/bin",
		"/usr/pgsql-*/bin",
		"/usr/local/pgsql/bin",
	} {
		if paths, err := filepath.Glob(glob); err == nil {
			allPaths = append(allPaths, paths...)
		}
	}

pathLoop:
	for _, path := range allPaths {
		found := make(map[string]string)
		for _, name := range utilities {
			p := filepath.Join(path, name)
			if _, err := os.Stat(p); err != nil {
				continue pathLoop
			}
			found[name] = p
		}
		pgCmds = found
		break
	}
	if len(pgCmds) == 0 {
		return
	}
	out, err := exec.Command(pgCmds["psql"], "-V").Output()
	if err == nil {
		fields := strings.Fields(strings.TrimSpace(string(out)))
		pgVer = fields[len(fields)-1]
	}
}

// Available reports whether a usable local postgres toolchain was found, so
// callers can t.Skip cleanly in environments without one.
func Available() bool {
	return len(pgCmds) == len(utilities)
}

// EphemeralPG manages one throwaway postgres instance (data directory,
// running postmaster, and the databases created against it) for the
// lifetime of a test.
type EphemeralPG struct {
	tmpDir  string
	started bool
}

func wrapExecErr(msg string, cmd *exec.Cmd, err error) error {
	if xerr, ok := err.(*exec.ExitError); ok {
		return errors.Wrapf(xerr, "%s; command: %s; stderr: %s", msg, strings.Join(cmd.Args, " "), xerr.Stderr)
	}
	return errors.Wrapf(err, "%s; command: %s", msg, strings.Join(cmd.Args, " "))
}

// Start initializes and launches a fresh cluster in a temp directory.
func (e *EphemeralPG) Start(ctx context.Context) error {
	if !Available() {
		return errors.New("dbtest: no postgres installation found")
	}
	tmp, err := ioutil.TempDir("", prefix)
	if err != nil {
		return errors.Wrap(err, "dbtest: mktemp")
	}
	e.tmpDir = tmp

	dbDir := filepath.Join(tmp, pgVer)
	cmd := exec.Command(pgCmds["initdb"], "--nosync", "-D", dbDir, "-E", "UNICODE", "-A", "trust")
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = out
		return wrapExecErr("dbtest: initdb failed", cmd, err)
	}
	conf := filepath.Join(dbDir, "postgresql.conf")
	if err := ioutil.WriteFile(conf, []byte(fmt.Sprintf(pgConf, tmp)), 0600); err != nil {
		return errors.Wrap(err, "dbtest: write postgresql.conf")
	}

	logFile := filepath.Join(dbDir, "postgres.log")
	cmd = exec.Command(pgCmds["pg_ctl"], "-w", "-o", "-c listen_addresses=''", "-s", "-D", dbDir, "-l", logFile, "start")
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = out
		return wrapExecErr("dbtest: pg_ctl start failed", cmd, err)
	}
	e.started = true
	return nil
}

// CreateDB creates a fresh, empty database and returns its lib/pq URI.
func (e *EphemeralPG) CreateDB(ctx context.Context, name string) (string, error) {
	if !e.started {
		return "", errors.New("dbtest: server not started")
	}
	cmd := exec.Command(pgCmds["psql"], "-c", fmt.Sprintf(`CREATE DATABASE %q`, name), e.uri("postgres"))
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = out
		return "", wrapExecErr("dbtest: createdb failed", cmd, err)
	}
	return e.uri(name), nil
}

func (e *EphemeralPG) uri(dbName string) string {
	return fmt.Sprintf("postgresql:///%s?host=%s", dbName, url.PathEscape(e.tmpDir))
}

// Stop shuts down the server (immediate mode, this is throwaway data) and
// removes the temp directory.
func (e *EphemeralPG) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}
	dbDir := filepath.Join(e.tmpDir, pgVer)
	cmd := exec.Command(pgCmds["pg_ctl"], "-m", "immediate", "-w", "-D", dbDir, "stop")
	out, err := cmd.CombinedOutput()
	_ = out
	os.RemoveAll(e.tmpDir)
	if err != nil {
		return wrapExecErr("dbtest: pg_ctl stop failed", cmd, err)
	}
	return nil
}

// leaseSchema is the minimal lease table DDL exercised by leasestore's
// tests; the production schema lives in the deployment's migrations, not
// in this module (spec.md's Non-goals exclude a general schema/migration
// framework).
const leaseSchema = `
CREATE TABLE lease (
	ip_address        inet PRIMARY KEY,
	mac               macaddr NOT NULL,
	client_id         bytea,
	expires_at        timestamptz NOT NULL,
	hostname          text,
	supplied_hostname text,
	tags              text[],
	domain            text,
	circuit_id        bytea,
	subscriber_id     bytea,
	remote_id         bytea,
	vendor_class      text,
	user_classes      text[],
	relay_ip_address  inet,
	requested_options smallint[],
	updated_at        timestamptz NOT NULL DEFAULT now()
);
`

// OpenLeaseDB spins up an ephemeral cluster, creates a uniquely named
// database with the lease table, and returns an open *sql.DB whose
// teardown is registered with t.Cleanup. Like OpenDB, it skips the test
// when no local postgres toolchain is available.
func OpenLeaseDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	return OpenDB(t, ctx, leaseSchema)
}

// OpenDB spins up an ephemeral cluster, creates a uniquely named database,
// loads schema into it (one or more semicolon-separated statements passed
// to a single Exec, since materialized views and their supporting tables
// are naturally expressed as one DDL script), and returns an open *sql.DB.
// It calls t.Skip itself when Available reports no local postgres
// toolchain, so this never fails a suite merely for lacking postgres.
func OpenDB(t *testing.T, ctx context.Context, schema string) *sql.DB {
	t.Helper()
	if !Available() {
		t.Skip("dbtest: no local postgres toolchain found")
	}

	e := &EphemeralPG{}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("dbtest: start failed: %v", err)
	}
	t.Cleanup(func() { e.Stop(ctx) })

	uri, err := e.CreateDB(ctx, sanitize(t.Name()))
	if err != nil {
		t.Fatalf("dbtest: createdb failed: %v", err)
	}
	db, err := sql.Open("postgres", uri)
	if err != nil {
		t.Fatalf("dbtest: open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if schema != "" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			t.Fatalf("dbtest: load schema failed: %v", err)
		}
	}
	return db
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
