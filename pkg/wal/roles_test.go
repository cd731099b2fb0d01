package wal

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name  string
		phase Phase
		event Event
		next  Phase
		steps []Step
	}{
		{
			name:  "rotate active",
			phase: PhaseActive,
			event: EventRotate,
			next:  PhaseRotated,
			steps: []Step{{Kind: StepRename, From: RoleCurrent, To: RolePre}},
		},
		{
			name:  "rotate while rotated",
			phase: PhaseRotated,
			event: EventRotate,
			next:  PhaseRotated,
		},
		{
			name:  "flushed after rotation",
			phase: PhaseRotated,
			event: EventFlushed,
			next:  PhaseActive,
			steps: []Step{
				{Kind: StepRename, From: RolePre, To: RoleToBeDeleted},
				{Kind: StepRemove, From: RoleToBeDeleted},
			},
		},
		{
			name:  "flushed while active",
			phase: PhaseActive,
			event: EventFlushed,
			next:  PhaseActive,
			steps: []Step{{Kind: StepRemove, From: RoleToBeDeleted}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, steps := Transition(tt.phase, tt.event)
			require.Equal(t, tt.next, next)
			require.Equal(t, tt.steps, steps)
		})
	}
}

func TestApplySteps_MissingFilesSkipped(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/wal", 0750))

	_, steps := Transition(PhaseRotated, EventFlushed)
	require.NoError(t, applySteps(fsys, "/wal", steps))
}

func TestApplySteps_Rotation(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/wal/wal.current", []byte("x"), 0600))

	_, steps := Transition(PhaseActive, EventRotate)
	require.NoError(t, applySteps(fsys, "/wal", steps))

	ok, err := afero.Exists(fsys, "/wal/wal.current")
	require.NoError(t, err)
	require.False(t, ok)

	data, err := afero.ReadFile(fsys, "/wal/wal.pre")
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}

func TestDetectPhase(t *testing.T) {
	t.Run("empty dir", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, fsys.MkdirAll("/wal", 0750))

		p, err := detectPhase(fsys, "/wal")
		require.NoError(t, err)
		require.Equal(t, PhaseActive, p)
	})

	t.Run("pre present", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, filepath.Join("/wal", string(RolePre)), nil, 0600))

		p, err := detectPhase(fsys, "/wal")
		require.NoError(t, err)
		require.Equal(t, PhaseRotated, p)
	})

	t.Run("leftover to be deleted", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		tbd := filepath.Join("/wal", string(RoleToBeDeleted))
		require.NoError(t, afero.WriteFile(fsys, tbd, []byte("old"), 0600))

		p, err := detectPhase(fsys, "/wal")
		require.NoError(t, err)
		require.Equal(t, PhaseActive, p)

		ok, err := afero.Exists(fsys, tbd)
		require.NoError(t, err)
		require.False(t, ok)
	})
}
