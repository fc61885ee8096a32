package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdsn/hades/internal/rpctransport"
)

func TestParseArgs(t *testing.T) {
	note, err := parseArgs([]string{"INSTANCE", "hades-radius", "MASTER"})
	require.NoError(t, err)
	require.Equal(t, rpctransport.Notification{
		Type:  "INSTANCE",
		Name:  "hades-radius",
		State: rpctransport.StateMaster,
	}, note)

	note, err = parseArgs([]string{"INSTANCE", "hades-radius", "BACKUP", "100"})
	require.NoError(t, err)
	require.Equal(t, 100, note.Priority)
	require.Equal(t, rpctransport.StateBackup, note.State)
}

func TestParseArgsRejectsTooFewArguments(t *testing.T) {
	_, err := parseArgs([]string{"INSTANCE", "hades-radius"})
	require.Error(t, err)
}

func TestParseArgsRejectsUnknownState(t *testing.T) {
	_, err := parseArgs([]string{"INSTANCE", "hades-radius", "SPLIT-BRAIN"})
	require.Error(t, err)
}

func TestParseArgsRejectsNonNumericPriority(t *testing.T) {
	_, err := parseArgs([]string{"INSTANCE", "hades-radius", "FAULT", "not-a-number"})
	require.Error(t, err)
}
