package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	tz := s.cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Running:       d.running.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			it.LastError = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		items = append(items, it)
	}
	return Snapshot{
		Enabled:   s.cfg.Enabled,
		Timezone:  tz,
		Runs:      s.runs.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
		Schedules: items,
	}
}
