package deputy

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// atomicWrite calls write once with a sibling temp file in dir(path), chowns/chmods it to (uid, gid, mode), fsyncs,
// then renames it onto path — spec.md §4.8/§7's atomic file replacement:
// on any failure the temp file is discarded and the original is untouched.
func atomicWrite(path string, uid, gid int, mode fs.FileMode, write func(w *renameio.PendingFile) error) (err error) {
	f, err := renameio.NewPendingFile(path, renameio.WithPermissions(mode))
	if err != nil {
		return errors.Wrapf(err, "deputy: open temp file for %s", path)
	}
	defer func() {
		if err != nil {
			f.Cleanup()
		}
	}()

	if err = write(f); err != nil {
		return errors.Wrapf(err, "deputy: write %s", path)
	}

	if uid >= 0 && gid >= 0 {
		if err = os.Chown(f.Name(), uid, gid); err != nil {
			return errors.Wrapf(err, "deputy: chown %s", path)
		}
	}

	if err = f.CloseAtomicallyReplace(); err != nil {
		return errors.Wrapf(err, "deputy: replace %s", path)
	}
	return nil
}

// writeDHCPHostsFile writes the dnsmasq-compatible hosts file: one
// "{mac},{ip}\n" line per row (§6). rows is consumed and closed here so
// callers can pass a live cursor directly.
func writeDHCPHostsFile(path string, uid, gid int, rows *sql.Rows) error {
	defer rows.Close()

	return atomicWrite(path, uid, gid, 0440, func(f *renameio.PendingFile) error {
		for rows.Next() {
			var mac, ip string
			if err := rows.Scan(&mac, &ip); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(f, "%s,%s\n", mac, ip); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// escapeRadiusSecret backslash-escapes backslashes and double quotes in a
// RADIUS shared secret before it is embedded in a quoted clients-file
// attribute (§6: "Double-quote and backslash in the secret must be
// escaped with a leading backslash").
func escapeRadiusSecret(secret string) string {
	secret = strings.ReplaceAll(secret, `\`, `\\`)
	secret = strings.ReplaceAll(secret, `"`, `\"`)
	return secret
}

const radiusClientBlock = `client %[1]s {
	shortname="%[1]s"
	ipaddr="%[2]s"
	secret="%[3]s"
	require_message_authenticator=no
	nastype=%[4]s
	coa_server="%[5]s"
}
home_server %[1]s {
	type=coa
	ipaddr="%[2]s"
	port=3799
	secret="%[3]s"
	coa {
		irt=2
		mrt=16
		mrc=5
		mrd=30
	}
}
`

// writeRadiusClientsFile writes the per-client freeRADIUS clients.conf
// fragment described in §6. rows is consumed and closed here.
func writeRadiusClientsFile(path string, uid, gid int, rows *sql.Rows) error {
	defer rows.Close()

	return atomicWrite(path, uid, gid, 0440, func(f *renameio.PendingFile) error {
		for rows.Next() {
			var shortname, ipaddr, secret, nastype, coaServer string
			if err := rows.Scan(&shortname, &ipaddr, &secret, &nastype, &coaServer); err != nil {
				return err
			}
			_, err := fmt.Fprintf(f, radiusClientBlock,
				shortname, ipaddr, escapeRadiusSecret(secret), nastype, coaServer)
			if err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
