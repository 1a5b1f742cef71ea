// Package procinspect answers questions about live processes (child PIDs,
// environment) behind a narrow interface so supervisors stay testable
// without spawning real trees.
package procinspect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Inspector exposes the process facts the job engine needs.
type Inspector interface {
	// Children returns the direct child PIDs of pid.
	Children(pid int32) ([]int32, error)
	// Environment returns pid's environment as a key/value map.
	Environment(pid int32) (map[string]string, error)
}

// New returns the gopsutil-backed inspector.
func New() Inspector { return gopsInspector{} }

type gopsInspector struct{}

func (gopsInspector) Children(pid int32) ([]int32, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	children, err := p.Children()
	if err != nil {
		// gopsutil reports "no children" as an error; callers want an empty list.
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	pids := make([]int32, 0, len(children))
	for _, c := range children {
		pids = append(pids, c.Pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}

func (gopsInspector) Environment(pid int32) (map[string]string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	env, err := p.Environ()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m, nil
}

// Descendants returns pid's full descendant set (depth-first, pid excluded).
func Descendants(insp Inspector, pid int32) []int32 {
	var out []int32
	stack := []int32{pid}
	seen := map[int32]bool{pid: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		kids, err := insp.Children(cur)
		if err != nil {
			continue
		}
		for _, k := range kids {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
			stack = append(stack, k)
		}
	}
	return out
}

// KillTree SIGKILLs pid and everything below it, leaves first so children
// cannot be reparented and escape mid-walk.
func KillTree(insp Inspector, pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	desc := Descendants(insp, pid)
	var firstErr error
	for i := len(desc) - 1; i >= 0; i-- {
		if err := syscall.Kill(int(desc[i]), syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := syscall.Kill(int(pid), syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Terminate sends SIGTERM to pid only (graceful-stop first step).
func Terminate(pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(int(pid), syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
