// Package viewdiffer implements spec.md §4.7: for each diff-tracked
// materialized view V with twin table temp_V, refresh V, compute the
// (added, removed, modified) symmetric difference against temp_V, then
// copy V's new contents into temp_V for the next cycle. Untracked views
// are refreshed without diffing.
package viewdiffer

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/dbretry"
)

// TrackedView names a materialized view that is diffed against its
// temp_<name> twin. PrimaryKey lists the column(s) identifying a row
// across refreshes.
type TrackedView struct {
	Name       string
	PrimaryKey []string
}

// Row is one row of a tracked view, keyed by column name. Values are
// whatever the driver returns natively (string, int64, float64, bool,
// time.Time, []byte, or nil) — viewdiffer never needs to interpret them,
// only compare them.
type Row map[string]interface{}

// Diff is the result of one tracked view's refresh cycle.
type Diff struct {
	View     string
	Added    []Row
	Removed  []Row
	Modified []Row
}

// Empty reports whether all three sets are empty, the "no downstream
// action" case of §4.7.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Differ owns the list of tracked and untracked views and the DB handle
// used to refresh and diff them.
type Differ struct {
	db        *sql.DB
	log       *zap.Logger
	tracked   []TrackedView
	untracked []string
}

// New constructs a Differ. untracked views (radcheck, radreply,
// radgroupcheck, radgroupreply, radusergroup per §4.7) are refreshed only,
// never diffed.
func New(db *sql.DB, log *zap.Logger, tracked []TrackedView, untracked []string) *Differ {
	return &Differ{db: db, log: log, tracked: tracked, untracked: untracked}
}

// AuthViews are the tracked/untracked views owned by the "auth" namespace
// Deputy instance, grounded in the client-facing artifacts of §6 (DHCP
// hosts file, RADIUS clients file).
func AuthViews() ([]TrackedView, []string) {
	return []TrackedView{
			{Name: "dhcp_host", PrimaryKey: []string{"mac"}},
			{Name: "radius_client", PrimaryKey: []string{"shortname"}},
			{Name: "alternative_dns", PrimaryKey: []string{"ip_address"}},
		}, []string{
			"radcheck", "radreply", "radgroupcheck", "radgroupreply", "radusergroup",
		}
}

// RunOnce refreshes every untracked view, then refreshes and diffs every
// tracked view, returning one Diff per tracked view in configuration
// order.
func (d *Differ) RunOnce(ctx context.Context) ([]Diff, error) {
	for _, name := range d.untracked {
		if err := dbretry.Do(ctx, func(ctx context.Context) error {
			return d.refreshOnly(ctx, name)
		}); err != nil {
			return nil, errors.Wrapf(err, "viewdiffer: refresh %s", name)
		}
	}

	diffs := make([]Diff, 0, len(d.tracked))
	for _, tv := range d.tracked {
		var diff Diff
		err := dbretry.Do(ctx, func(ctx context.Context) error {
			var err error
			diff, err = d.diffOne(ctx, tv)
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "viewdiffer: diff %s", tv.Name)
		}
		diffs = append(diffs, diff)
	}
	return diffs, nil
}

func (d *Differ) refreshOnly(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+pq.QuoteIdentifier(name))
	return err
}

func tempName(view string) string {
	return "temp_" + view
}

func (d *Differ) diffOne(ctx context.Context, tv TrackedView) (diff Diff, err error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Diff{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+pq.QuoteIdentifier(tv.Name)); err != nil {
		return Diff{}, err
	}

	oldRows, err := loadRows(ctx, tx, tempName(tv.Name), tv.PrimaryKey)
	if err != nil {
		return Diff{}, err
	}
	newRows, err := loadRows(ctx, tx, tv.Name, tv.PrimaryKey)
	if err != nil {
		return Diff{}, err
	}

	diff = compare(tv.Name, oldRows, newRows)

	quoted := pq.QuoteIdentifier(tempName(tv.Name))
	if _, err = tx.ExecContext(ctx, "TRUNCATE "+quoted); err != nil {
		return Diff{}, err
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO "+quoted+" SELECT * FROM "+pq.QuoteIdentifier(tv.Name)); err != nil {
		return Diff{}, err
	}

	if err = tx.Commit(); err != nil {
		return Diff{}, err
	}
	return diff, nil
}

type keyedRow struct {
	key string
	row Row
}

func loadRows(ctx context.Context, tx *sql.Tx, table string, primaryKey []string) (map[string]keyedRow, error) {
	rows, err := tx.QueryContext(ctx, "SELECT * FROM "+pq.QuoteIdentifier(table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := make(map[string]keyedRow)
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		key, err := primaryKeyValue(row, primaryKey, table)
		if err != nil {
			return nil, err
		}
		result[key] = keyedRow{key: key, row: row}
	}
	return result, rows.Err()
}

func primaryKeyValue(row Row, primaryKey []string, table string) (string, error) {
	parts := make([]string, len(primaryKey))
	for i, col := range primaryKey {
		v, ok := row[col]
		if !ok {
			return "", errors.Errorf("viewdiffer: %s: primary key column %q not present in result", table, col)
		}
		parts[i] = pkScalar(v)
	}
	return strings.Join(parts, "\x00"), nil
}

func pkScalar(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// compare computes the symmetric difference between old and new by
// primary key, classifying same-key rows with differing non-key columns
// as modified.
func compare(view string, oldRows, newRows map[string]keyedRow) Diff {
	diff := Diff{View: view}
	for key, nr := range newRows {
		or, existed := oldRows[key]
		if !existed {
			diff.Added = append(diff.Added, nr.row)
			continue
		}
		if !reflect.DeepEqual(or.row, nr.row) {
			diff.Modified = append(diff.Modified, nr.row)
		}
	}
	for key, or := range oldRows {
		if _, stillPresent := newRows[key]; !stillPresent {
			diff.Removed = append(diff.Removed, or.row)
		}
	}
	return diff
}
