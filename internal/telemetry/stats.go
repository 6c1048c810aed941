package telemetry

import (
	"os"
	"sync"

	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// StatsSource yields a best-effort resource snapshot. nil means no
// snapshot is available and the message goes out without one.
type StatsSource interface {
	Sample() *session.Stats
}

type StatsFunc func() *session.Stats

func (f StatsFunc) Sample() *session.Stats { return f() }

// ProcessSampler reads CPU and IO counters of one process through
// gopsutil. CPU is normalized by the logical core count.
type ProcessSampler struct {
	pid   int32
	log   zerolog.Logger
	once  sync.Once
	proc  *process.Process
	cores int
	err   error
}

func NewProcessSampler(pid int32, logger zerolog.Logger) *ProcessSampler {
	if pid <= 0 {
		pid = int32(os.Getpid())
	}
	return &ProcessSampler{pid: pid, log: logger}
}

func (s *ProcessSampler) init() {
	s.proc, s.err = process.NewProcess(s.pid)
	if s.err != nil {
		s.log.Debug().Err(s.err).Int32("pid", s.pid).Msg("stats sampler unavailable")
		return
	}
	s.cores, _ = cpu.Counts(true)
	if s.cores <= 0 {
		s.cores = 1
	}
	// Percent(0) measures against the previous call; prime it.
	_, _ = s.proc.Percent(0)
}

func (s *ProcessSampler) Sample() *session.Stats {
	s.once.Do(s.init)
	if s.err != nil {
		return nil
	}
	pct, err := s.proc.Percent(0)
	if err != nil {
		s.log.Debug().Err(err).Msg("cpu sample failed")
		return nil
	}
	io, err := s.proc.IOCounters()
	if err != nil {
		s.log.Debug().Err(err).Msg("io sample failed")
		return nil
	}
	return &session.Stats{
		CPUPercent:   pct / float64(s.cores),
		IOReadBytes:  io.ReadBytes,
		IOWriteBytes: io.WriteBytes,
	}
}
