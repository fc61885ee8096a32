package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agdsn/hades/internal/hadescfg"
)

func TestInstanceFromFlags(t *testing.T) {
	inst, err := instanceFromFlags(true, false)
	require.NoError(t, err)
	require.Equal(t, hadescfg.InstanceAuth, inst)

	inst, err = instanceFromFlags(false, true)
	require.NoError(t, err)
	require.Equal(t, hadescfg.InstanceUnauth, inst)

	_, err = instanceFromFlags(true, true)
	require.Error(t, err)

	_, err = instanceFromFlags(false, false)
	require.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	require.Equal(t, "fallback", orDefault("", "fallback"))
	require.Equal(t, "set", orDefault("set", "fallback"))
}

func TestParseRetention(t *testing.T) {
	d, err := parseRetention("")
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, d)

	d, err = parseRetention("48h")
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, d)

	_, err = parseRetention("not-a-duration")
	require.Error(t, err)
}
