//go:build linux

package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/jkaninda/plugbox/internal/security"
)

type procfsSampler struct {
	fs procfs.FS
}

func newPlatformSampler() sampler {
	return &procfsSampler{}
}

func (s *procfsSampler) init() error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return fmt.Errorf("opening procfs: %w", err)
	}
	s.fs = fs
	return nil
}

// sample aggregates every process whose process group is pid. Sandboxed
// children lead their own group, so interpreters and their helpers count
// against the same limits.
func (s *procfsSampler) sample(pid int) (security.ResourceUsage, error) {
	leader, err := s.fs.Proc(pid)
	if err != nil {
		return security.ResourceUsage{}, fmt.Errorf("reading process %d: %w", pid, err)
	}
	leaderStat, err := leader.Stat()
	if err != nil {
		return security.ResourceUsage{}, fmt.Errorf("reading stat of %d: %w", pid, err)
	}

	members := []procfs.Proc{leader}
	if leaderStat.PGRP == pid {
		if all, err := s.fs.AllProcs(); err == nil {
			for _, p := range all {
				if p.PID == pid {
					continue
				}
				st, err := p.Stat()
				if err != nil || st.PGRP != pid {
					continue
				}
				members = append(members, p)
			}
		}
	}

	var (
		u       security.ResourceUsage
		cpu     float64
		rss     int
		sampled int
		errs    []error
	)
	for _, p := range members {
		st, err := p.Stat()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sampled++
		cpu += st.CPUTime()
		rss += st.ResidentMemory()

		if n, err := p.FileDescriptorsLen(); err == nil {
			u.FileHandlesUsed += uint64(n)
		}
		if targets, err := p.FileDescriptorTargets(); err == nil {
			for _, t := range targets {
				if strings.HasPrefix(t, "socket:") {
					u.NetworkConnectionsUsed++
				}
			}
		}
	}
	if sampled == 0 {
		return security.ResourceUsage{}, errors.Join(errs...)
	}
	u.CPUTimeUsed = time.Duration(cpu * float64(time.Second))
	u.MemoryUsedMB = uint64(rss) / (1 << 20)
	return u, nil
}
