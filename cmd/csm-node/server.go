package main

import (
	"sync"

	"github.com/ironvault/containerraft/pkg/csm"
	"github.com/ironvault/containerraft/pkg/log"
)

// logOnlyServer is the minimal csm.ServerSurface this demo binary offers: it
// has no pipeline-closure or cluster-membership machinery of its own, so
// every notification is just logged at the node's own component scope. A
// real host process wires these into whatever owns group lifecycle and
// membership instead.
type logOnlyServer struct {
	nodeID string

	mu     sync.Mutex
	closed map[csm.Gid]bool
}

func newLogOnlyServer(nodeID string) *logOnlyServer {
	return &logOnlyServer{nodeID: nodeID, closed: make(map[csm.Gid]bool)}
}

// ClosedGroups implements csm.ShutdownSampler.
func (s *logOnlyServer) ClosedGroups() (closed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.closed {
		if v {
			closed++
		}
	}
	return closed, len(s.closed)
}

func (s *logOnlyServer) NotifyGroupAdd(gid csm.Gid) {
	s.mu.Lock()
	s.closed[gid] = false
	s.mu.Unlock()
	log.WithComponent("csm-node").Info().Str("gid", gid.String()).Msg("group added")
}

func (s *logOnlyServer) NotifyGroupRemove(gid csm.Gid) {
	s.mu.Lock()
	s.closed[gid] = true
	s.mu.Unlock()
	log.WithComponent("csm-node").Info().Str("gid", gid.String()).Msg("group removed")
}

func (s *logOnlyServer) HandleNodeSlowness(gid csm.Gid) {
	log.WithComponent("csm-node").Warn().Str("gid", gid.String()).Msg("follower slowness reported")
}

func (s *logOnlyServer) HandleNoLeader(gid csm.Gid) {
	log.WithComponent("csm-node").Warn().Str("gid", gid.String()).Msg("extended no-leader period")
}

func (s *logOnlyServer) HandleApplyTransactionFailure(gid csm.Gid, err error) {
	log.WithComponent("csm-node").Error().Err(err).Str("gid", gid.String()).Msg("apply transaction failure")
}

func (s *logOnlyServer) HandleLeaderChangedNotification(gid csm.Gid) {
	log.WithComponent("csm-node").Info().Str("gid", gid.String()).Msg("leader changed")
}

func (s *logOnlyServer) HandleNodeLogFailure(gid csm.Gid, err error) {
	log.WithComponent("csm-node").Error().Err(err).Str("gid", gid.String()).Msg("log failure")
}

func (s *logOnlyServer) HandleInstallSnapshotFromLeader(gid csm.Gid) {
	log.WithComponent("csm-node").Info().Str("gid", gid.String()).Msg("installing snapshot from leader")
}
