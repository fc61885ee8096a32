package viewdiffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/dbtest"
)

const testSchema = `
CREATE TABLE widget (
	id   integer PRIMARY KEY,
	name text NOT NULL
);

CREATE MATERIALIZED VIEW widget_view AS SELECT id, name FROM widget;

CREATE TABLE temp_widget_view (
	id   integer PRIMARY KEY,
	name text NOT NULL
);

CREATE TABLE untracked_thing (val text);
CREATE MATERIALIZED VIEW untracked_view AS SELECT val FROM untracked_thing;
`

func TestDifferDetectsAddedRemovedModified(t *testing.T) {
	ctx := context.Background()
	db := dbtest.OpenDB(t, ctx, testSchema)
	d := New(db, zap.NewNop(),
		[]TrackedView{{Name: "widget_view", PrimaryKey: []string{"id"}}},
		[]string{"untracked_view"})

	_, err := db.ExecContext(ctx, `INSERT INTO widget VALUES (1, 'alpha'), (2, 'bravo')`)
	require.NoError(t, err)

	diffs, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, "widget_view", diffs[0].View)
	require.Len(t, diffs[0].Added, 2)
	require.Empty(t, diffs[0].Removed)
	require.Empty(t, diffs[0].Modified)

	_, err = db.ExecContext(ctx, `UPDATE widget SET name = 'alpha2' WHERE id = 1`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM widget WHERE id = 2`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO widget VALUES (3, 'charlie')`)
	require.NoError(t, err)

	diffs, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, diffs[0].Added, 1)
	require.Equal(t, "charlie", diffs[0].Added[0]["name"])
	require.Len(t, diffs[0].Removed, 1)
	require.Equal(t, "bravo", diffs[0].Removed[0]["name"])
	require.Len(t, diffs[0].Modified, 1)
	require.Equal(t, "alpha2", diffs[0].Modified[0]["name"])

	diffs, err = d.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, diffs[0].Empty())
}

func TestDifferUntrackedViewJustRefreshes(t *testing.T) {
	ctx := context.Background()
	db := dbtest.OpenDB(t, ctx, testSchema)
	d := New(db, zap.NewNop(), nil, []string{"untracked_view"})

	_, err := db.ExecContext(ctx, `INSERT INTO untracked_thing VALUES ('x')`)
	require.NoError(t, err)

	diffs, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, diffs)

	var val string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT val FROM untracked_view`).Scan(&val))
	require.Equal(t, "x", val)
}
