// Package proctree inspects and terminates process trees through the host
// process table.
package proctree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound indicates the process does not exist
var ErrNotFound = errors.New("proctree: process not found")

// Table is the subset of the process table the service manager needs
type Table interface {
	// Alive reports whether pid names a live process
	Alive(ctx context.Context, pid int) (bool, error)
	// CreateTime returns the creation time of pid
	CreateTime(ctx context.Context, pid int) (time.Time, error)
	// Children returns the direct children of pid
	Children(ctx context.Context, pid int) ([]int, error)
	// Kill forcibly terminates pid
	Kill(ctx context.Context, pid int) error
}

// System is the Table of the running host, backed by gopsutil
type System struct{}

// NewSystem returns the host process table
func NewSystem() *System {
	return &System{}
}

// Alive reports whether pid names a live process
func (System) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
}

// CreateTime returns the creation time of pid
func (System) CreateTime(ctx context.Context, pid int) (time.Time, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return time.Time{}, notFound(pid, err)
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("create time of %d: %w", pid, err)
	}
	return time.UnixMilli(ms), nil
}

// Children returns the direct children of pid
func (System) Children(ctx context.Context, pid int) ([]int, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return nil, notFound(pid, err)
	}
	children, err := p.ChildrenWithContext(ctx)
	if errors.Is(err, process.ErrorNoChildren) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("children of %d: %w", pid, err)
	}
	pids := make([]int, 0, len(children))
	for _, c := range children {
		pids = append(pids, int(c.Pid))
	}
	return pids, nil
}

// Kill forcibly terminates pid
func (System) Kill(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return notFound(pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		if ok, _ := p.IsRunningWithContext(ctx); !ok {
			return notFound(pid, err)
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

func notFound(pid int, err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return fmt.Errorf("%w: %d", ErrNotFound, pid)
	}
	return fmt.Errorf("%w: %d: %v", ErrNotFound, pid, err)
}

// IsAlive reports whether pid is alive and, when created is non-zero, was
// created within tolerance of created. A mismatch means the PID was reused.
func IsAlive(ctx context.Context, t Table, pid int, created time.Time, tolerance time.Duration) (bool, error) {
	alive, err := t.Alive(ctx, pid)
	if err != nil || !alive {
		return false, err
	}
	if created.IsZero() {
		return true, nil
	}
	actual, err := t.CreateTime(ctx, pid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	d := actual.Sub(created)
	if d < 0 {
		d = -d
	}
	return d <= tolerance, nil
}

// KillTree terminates pid and all of its descendants, children before
// parents, so no orphan is re-parented and left running. Processes that
// vanish during the walk are skipped.
func KillTree(ctx context.Context, t Table, pid int) error {
	order, err := postOrder(ctx, t, pid, map[int]bool{})
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range order {
		if err := t.Kill(ctx, p); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func postOrder(ctx context.Context, t Table, pid int, seen map[int]bool) ([]int, error) {
	if seen[pid] {
		return nil, nil
	}
	seen[pid] = true

	children, err := t.Children(ctx, pid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var order []int
	for _, c := range children {
		sub, err := postOrder(ctx, t, c, seen)
		if err != nil {
			return nil, err
		}
		order = append(order, sub...)
	}
	return append(order, pid), nil
}
