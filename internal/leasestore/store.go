package leasestore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/guregu/null"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NotFoundError mirrors bg/cloud_models/appliancedb.NotFoundError: a typed
// "no such row" signal distinct from transport/DB-transient failures.
type NotFoundError struct{ s string }

func (e NotFoundError) Error() string { return e.s }

// Store provides the transactional lease operations of spec.md §4.2. Every
// operation runs inside a single SERIALIZABLE transaction, per the
// REDESIGN FLAGS decision in SPEC_FULL.md resolving the source's
// inconsistent isolation levels.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New wraps an open *sql.DB (expected to be "postgres" via lib/pq) as a
// Store.
func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

func (s *Store) beginSerializable(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

type row struct {
	IPAddress        string
	MAC              string
	ClientID         []byte
	ExpiresAt        time.Time
	Hostname         null.String
	SuppliedHostname null.String
	Tags             pq.StringArray
	Domain           null.String
	CircuitID        []byte
	SubscriberID     []byte
	RemoteID         []byte
	VendorClass      null.String
	UserClasses      pq.StringArray
	RelayIPAddress   null.String
	RequestedOptions pq.Int64Array
	UpdatedAt        time.Time
}

func toRow(l Lease) row {
	r := row{
		IPAddress:        l.IPAddress.String(),
		MAC:              l.MAC.String(),
		ClientID:         l.ClientID,
		ExpiresAt:        l.ExpiresAt,
		Hostname:         l.Hostname,
		SuppliedHostname: l.SuppliedHostname,
		Tags:             l.Tags,
		Domain:           l.Domain,
		CircuitID:        l.CircuitID,
		SubscriberID:     l.SubscriberID,
		RemoteID:         l.RemoteID,
		VendorClass:      l.VendorClass,
		UserClasses:      l.UserClasses,
		RequestedOptions: toInt64Array(l.RequestedOptions),
	}
	if l.RelayIPAddress != nil {
		r.RelayIPAddress = null.StringFrom(l.RelayIPAddress.String())
	}
	return r
}

func toInt64Array(in []int) pq.Int64Array {
	if in == nil {
		return nil
	}
	out := make(pq.Int64Array, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func fromRow(r row) (Lease, error) {
	ip := net.ParseIP(r.IPAddress)
	mac, err := net.ParseMAC(r.MAC)
	if err != nil {
		return Lease{}, errors.Wrapf(err, "leasestore: stored row has bad MAC %q", r.MAC)
	}
	l := Lease{
		IPAddress:        ip,
		MAC:              mac,
		ClientID:         r.ClientID,
		ExpiresAt:        r.ExpiresAt.UTC(),
		Hostname:         r.Hostname,
		SuppliedHostname: r.SuppliedHostname,
		Tags:             []string(r.Tags),
		Domain:           r.Domain,
		CircuitID:        r.CircuitID,
		SubscriberID:     r.SubscriberID,
		RemoteID:         r.RemoteID,
		VendorClass:      r.VendorClass,
		UserClasses:      []string(r.UserClasses),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	if r.RelayIPAddress.Valid {
		l.RelayIPAddress = net.ParseIP(r.RelayIPAddress.String)
	}
	for _, v := range r.RequestedOptions {
		l.RequestedOptions = append(l.RequestedOptions, int(v))
	}
	return l, nil
}

const selectColumns = `ip_address, mac, client_id, expires_at, hostname, supplied_hostname,
	tags, domain, circuit_id, subscriber_id, remote_id, vendor_class,
	user_classes, relay_ip_address, requested_options, updated_at`

func scanRow(scan func(dest ...interface{}) error) (row, error) {
	var r row
	err := scan(&r.IPAddress, &r.MAC, &r.ClientID, &r.ExpiresAt, &r.Hostname,
		&r.SuppliedHostname, &r.Tags, &r.Domain, &r.CircuitID, &r.SubscriberID,
		&r.RemoteID, &r.VendorClass, &r.UserClasses, &r.RelayIPAddress,
		&r.RequestedOptions, &r.UpdatedAt)
	return r, err
}

// LeaseIterator streams rows from ListAll without materializing the whole
// table, matching §4.8's "generators must be stream-friendly" requirement
// applied consistently across the repo.
type LeaseIterator struct {
	rows *sql.Rows
	tx   *sql.Tx
}

// Next advances the iterator. Returns false at end of stream or on error;
// call Err to distinguish the two.
func (it *LeaseIterator) Next() bool {
	return it.rows.Next()
}

// Lease returns the current row. Only valid after a successful Next.
func (it *LeaseIterator) Lease() (Lease, error) {
	r, err := scanRow(it.rows.Scan)
	if err != nil {
		return Lease{}, err
	}
	return fromRow(r)
}

// Err returns any error encountered while iterating.
func (it *LeaseIterator) Err() error { return it.rows.Err() }

// Close releases the iterator's transaction and rows.
func (it *LeaseIterator) Close() error {
	it.rows.Close()
	return it.tx.Commit()
}

// ListAll streams every lease row (spec.md §4.2: list_all() → stream<Lease>).
func (s *Store) ListAll(ctx context.Context) (*LeaseIterator, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "leasestore: begin")
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+selectColumns+` FROM lease ORDER BY ip_address`)
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "leasestore: list_all query")
	}
	return &LeaseIterator{rows: rows, tx: tx}, nil
}

// Add inserts a new lease row, or degrades to Update if dnsmasq re-issued an
// "add" for an IP it already told us about (a restart race per spec.md
// §4.2 and the REDESIGN FLAGS open question, which this spec resolves by
// keeping the fallback with a warning).
func (s *Store) Add(ctx context.Context, l Lease) error {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return errors.Wrap(err, "leasestore: begin")
	}
	defer tx.Rollback()

	existing, err := lockRow(ctx, tx, l.IPAddress)
	if err != nil {
		return err
	}
	if existing != nil {
		if s.log != nil {
			s.log.Warn("add: lease already exists, degrading to update",
				zap.String("ip", l.IPAddress.String()), zap.String("mac", l.MAC.String()))
		}
		if err := applyUpdate(ctx, tx, l, existing); err != nil {
			return err
		}
		return tx.Commit()
	}

	r := toRow(l)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lease (`+selectColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())`,
		r.IPAddress, r.MAC, r.ClientID, r.ExpiresAt, r.Hostname, r.SuppliedHostname,
		r.Tags, r.Domain, r.CircuitID, r.SubscriberID, r.RemoteID, r.VendorClass,
		r.UserClasses, r.RelayIPAddress, r.RequestedOptions)
	if err != nil {
		return errors.Wrap(err, "leasestore: insert")
	}
	return tx.Commit()
}

// Update applies an "old" dhcp-script event: SELECT ... FOR UPDATE, then
// either insert (row vanished) or a column-diff UPDATE.
func (s *Store) Update(ctx context.Context, l Lease) error {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return errors.Wrap(err, "leasestore: begin")
	}
	defer tx.Rollback()

	existing, err := lockRow(ctx, tx, l.IPAddress)
	if err != nil {
		return err
	}
	if err := applyUpdate(ctx, tx, l, existing); err != nil {
		return err
	}
	return tx.Commit()
}

func lockRow(ctx context.Context, tx *sql.Tx, ip net.IP) (*row, error) {
	rr, err := scanRow(func(dest ...interface{}) error {
		return tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM lease WHERE ip_address = $1 FOR UPDATE`,
			ip.String()).Scan(dest...)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "leasestore: select for update")
	default:
		return &rr, nil
	}
}

func applyUpdate(ctx context.Context, tx *sql.Tx, l Lease, existing *row) error {
	r := toRow(l)
	if existing == nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lease (`+selectColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())`,
			r.IPAddress, r.MAC, r.ClientID, r.ExpiresAt, r.Hostname, r.SuppliedHostname,
			r.Tags, r.Domain, r.CircuitID, r.SubscriberID, r.RemoteID, r.VendorClass,
			r.UserClasses, r.RelayIPAddress, r.RequestedOptions)
		return errors.Wrap(err, "leasestore: insert-on-update")
	}

	sets, args := diffColumns(*existing, r)
	if len(sets) == 0 {
		// No-op: spec.md §4.2 "skip entirely if diff is empty".
		return nil
	}
	args = append(args, r.IPAddress)
	query := fmt.Sprintf(`UPDATE lease SET %s, updated_at = now() WHERE ip_address = $%d`,
		joinSets(sets), len(args))
	_, err := tx.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "leasestore: update")
}

// Delete removes a lease by IP (spec.md §4.2). Deleting an absent row is
// not an error; a mismatched rowcount is only logged.
func (s *Store) Delete(ctx context.Context, ip net.IP) error {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return errors.Wrap(err, "leasestore: begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM lease WHERE ip_address = $1`, ip.String())
	if err != nil {
		return errors.Wrap(err, "leasestore: delete")
	}
	n, _ := res.RowsAffected()
	if n != 1 && s.log != nil {
		s.log.Warn("delete: unexpected rowcount", zap.String("ip", ip.String()), zap.Int64("rows", n))
	}
	return tx.Commit()
}
