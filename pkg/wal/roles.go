package wal

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// Role names one of the log files.
type Role string

const (
	// RoleCurrent receives drained records.
	RoleCurrent Role = "wal.current"
	// RolePre holds rotated-out records until their flush is confirmed.
	RolePre Role = "wal.pre"
	// RoleToBeDeleted is the transitional name of a confirmed pre file.
	RoleToBeDeleted Role = "wal.to_be_deleted"
)

// Phase is the log's position in the rotation cycle.
type Phase uint8

const (
	// PhaseActive: only the current file is in play.
	PhaseActive Phase = iota
	// PhaseRotated: a pre file is waiting for its flush to be confirmed.
	PhaseRotated
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseRotated:
		return "rotated"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

type Event uint8

const (
	// EventRotate: a memtable snapshot was taken.
	EventRotate Event = iota
	// EventFlushed: the snapshot is durable in the persistence sink.
	EventFlushed
)

type StepKind uint8

const (
	StepRename StepKind = iota
	StepRemove
)

// Step is a single file operation. Remove steps only use From.
type Step struct {
	Kind StepKind
	From Role
	To   Role
}

func (s Step) String() string {
	if s.Kind == StepRename {
		return fmt.Sprintf("rename %s -> %s", s.From, s.To)
	}
	return fmt.Sprintf("remove %s", s.From)
}

// Transition returns the next phase and the file operations leading to it.
// It has no side effects.
func Transition(p Phase, ev Event) (Phase, []Step) {
	switch {
	case p == PhaseActive && ev == EventRotate:
		return PhaseRotated, []Step{{Kind: StepRename, From: RoleCurrent, To: RolePre}}
	case p == PhaseRotated && ev == EventRotate:
		// the previous rotation is unresolved
		return PhaseRotated, nil
	case p == PhaseRotated && ev == EventFlushed:
		return PhaseActive, []Step{
			{Kind: StepRename, From: RolePre, To: RoleToBeDeleted},
			{Kind: StepRemove, From: RoleToBeDeleted},
		}
	default: // PhaseActive, EventFlushed
		return PhaseActive, []Step{{Kind: StepRemove, From: RoleToBeDeleted}}
	}
}

// applySteps executes steps in order. Missing source files are skipped so
// that replaying a half-applied sequence after a crash is harmless.
func applySteps(fsys afero.Fs, dir string, steps []Step) error {
	for _, s := range steps {
		from := filepath.Join(dir, string(s.From))
		var err error
		switch s.Kind {
		case StepRename:
			err = fsys.Rename(from, filepath.Join(dir, string(s.To)))
		case StepRemove:
			err = fsys.Remove(from)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to %s: %w", s, err)
		}
	}
	return nil
}

// detectPhase inspects dir after a restart. A leftover to-be-deleted file
// belongs to a flush that was already confirmed and is removed.
func detectPhase(fsys afero.Fs, dir string) (Phase, error) {
	if err := applySteps(fsys, dir, []Step{{Kind: StepRemove, From: RoleToBeDeleted}}); err != nil {
		return PhaseActive, err
	}

	exists, err := afero.Exists(fsys, filepath.Join(dir, string(RolePre)))
	if err != nil {
		return PhaseActive, fmt.Errorf("failed to stat %s: %w", RolePre, err)
	}
	if exists {
		return PhaseRotated, nil
	}
	return PhaseActive, nil
}
