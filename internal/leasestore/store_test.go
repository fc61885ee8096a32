package leasestore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/agdsn/hades/internal/dbtest"
	"github.com/stretchr/testify/require"
)

func testLease(ip string) Lease {
	mac, _ := net.ParseMAC("00:de:ad:be:ef:00")
	return Lease{
		IPAddress: net.ParseIP(ip),
		MAC:       mac,
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second).UTC(),
		Tags:      []string{"guest"},
	}
}

func TestStoreAddThenUpdate(t *testing.T) {
	ctx := context.Background()
	db := dbtest.OpenLeaseDB(t, ctx)
	s := New(db, nil)

	l := testLease("10.0.0.5")
	require.NoError(t, s.Add(ctx, l))

	l2 := l
	l2.Hostname = l.Hostname
	l2.Tags = []string{"guest", "staff"}
	require.NoError(t, s.Update(ctx, l2))

	it, err := s.ListAll(ctx)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	got, err := it.Lease()
	require.NoError(t, err)
	require.Equal(t, []string{"guest", "staff"}, got.Tags)
	require.False(t, it.Next())
}

func TestStoreAddDegradesToUpdateOnDuplicate(t *testing.T) {
	ctx := context.Background()
	db := dbtest.OpenLeaseDB(t, ctx)
	s := New(db, nil)

	l := testLease("10.0.0.6")
	require.NoError(t, s.Add(ctx, l))

	dup := l
	dup.Tags = []string{"re-added"}
	require.NoError(t, s.Add(ctx, dup))

	it, err := s.ListAll(ctx)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	got, err := it.Lease()
	require.NoError(t, err)
	require.Equal(t, []string{"re-added"}, got.Tags)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	db := dbtest.OpenLeaseDB(t, ctx)
	s := New(db, nil)

	l := testLease("10.0.0.7")
	require.NoError(t, s.Add(ctx, l))
	require.NoError(t, s.Delete(ctx, l.IPAddress))

	it, err := s.ListAll(ctx)
	require.NoError(t, err)
	defer it.Close()
	require.False(t, it.Next())
}

func TestStoreUpdateNoopWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	db := dbtest.OpenLeaseDB(t, ctx)
	s := New(db, nil)

	l := testLease("10.0.0.8")
	require.NoError(t, s.Add(ctx, l))

	it, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.True(t, it.Next())
	before, err := it.Lease()
	require.NoError(t, err)
	it.Close()

	require.NoError(t, s.Update(ctx, l))

	it2, err := s.ListAll(ctx)
	require.NoError(t, err)
	defer it2.Close()
	require.True(t, it2.Next())
	after, err := it2.Lease()
	require.NoError(t, err)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}
