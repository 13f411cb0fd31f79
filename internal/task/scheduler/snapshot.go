package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Recovered: s.recovered, Stopped: s.stopped, InFlight: len(s.inflight)}
	snap.Armed = make([]ArmedInfo, 0, len(s.armed))
	for _, at := range s.armed {
		snap.Armed = append(snap.Armed, ArmedInfo{TaskID: at.task.ID, MailingID: at.task.MailingID, Kind: at.task.Kind, DueAt: at.task.DueAt})
	}
	s.mu.Unlock()

	sort.Slice(snap.Armed, func(i, j int) bool {
		a, b := snap.Armed[i], snap.Armed[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.TaskID < b.TaskID
	})
	return snap
}
