package csm

import (
	"time"

	"github.com/ironvault/containerraft/pkg/log"
)

// NotifyTermIndexUpdated handles a non-data log entry (conf change,
// metadata) committing: it registers a no-op completion so lastApplied can
// advance across it, then reconciles the cache under relaxed retention.
func (sm *StateMachine) NotifyTermIndexUpdated(term Term, index LogIndex) {
	sm.apply.notifyTermIndexUpdated(term, index)
	if !sm.waitOnAllFollowers {
		sm.cache.RemoveUpTo(index)
	}
}

// NotifyNotLeader evicts the cache unconditionally on loss of leadership.
func (sm *StateMachine) NotifyNotLeader() {
	sm.cache.Clear()
}

// Truncate drops cache entries above index on log truncation.
func (sm *StateMachine) Truncate(index LogIndex) {
	sm.cache.RemoveAbove(index)
}

// NotifyGroupRemove best-effort quasi-closes every container this
// instance's map still references.
func (sm *StateMachine) NotifyGroupRemove() {
	sm.mu.RLock()
	containers := make([]ContainerID, 0, len(sm.containerBCSID))
	for c := range sm.containerBCSID {
		containers = append(containers, c)
	}
	sm.mu.RUnlock()

	for _, containerID := range containers {
		if err := sm.dispatcher.QuasiCloseContainer(containerID, "group removed"); err != nil {
			log.WithComponent("csm").Warn().
				Err(err).
				Str("gid", sm.gid.String()).
				Int64("container_id", int64(containerID)).
				Msg("quasi-close on group removal failed; continuing")
		}
	}

	if sm.server != nil {
		sm.server.NotifyGroupRemove(sm.gid)
	}
}

// NotifyLeaderChanged, NotifyFollowerSlowness, NotifyExtendedNoLeader,
// NotifyLogFailed and NotifyInstallSnapshotFromLeader forward straight to
// the injected server surface; this component takes no action of its own
// beyond recording the event.
func (sm *StateMachine) NotifyLeaderChanged() {
	if sm.server != nil {
		sm.server.HandleLeaderChangedNotification(sm.gid)
	}
}

func (sm *StateMachine) NotifyFollowerSlowness() {
	if sm.server != nil {
		sm.server.HandleNodeSlowness(sm.gid)
	}
}

func (sm *StateMachine) NotifyExtendedNoLeader() {
	if sm.server != nil {
		sm.server.HandleNoLeader(sm.gid)
	}
}

func (sm *StateMachine) NotifyLogFailed(err error) {
	if sm.server != nil {
		sm.server.HandleNodeLogFailure(sm.gid, err)
	}
}

func (sm *StateMachine) NotifyInstallSnapshotFromLeader() {
	if sm.server != nil {
		sm.server.HandleInstallSnapshotFromLeader(sm.gid)
	}
}

// shutdownGracePeriod is how long NotifyServerShutdown waits before logging
// the host terminate, giving other groups a chance to finish their own
// close sequence first.
const shutdownGracePeriod = 2 * time.Second

// ShutdownSampler reports how many groups on this host are closed versus
// hosted in total, so NotifyServerShutdown can log a meaningful sample
// before terminating. Supplied by the host process, not owned here.
type ShutdownSampler interface {
	ClosedGroups() (closed, total int)
}

// NotifyServerShutdown handles a server-wide shutdown notification: the
// first call in the process (guarded by the process-wide shutdown latch)
// samples how many groups are closed vs total, logs the sample, and logs a
// terminate message once shutdownGracePeriod has elapsed. It does not stop
// the process itself; later calls are no-ops.
func (sm *StateMachine) NotifyServerShutdown(sampler ShutdownSampler) {
	processShutdownLatch.fireOnce(func() {
		closed, total := 0, 0
		if sampler != nil {
			closed, total = sampler.ClosedGroups()
		}
		logger := log.WithComponent("csm")
		logger.Info().
			Int("closed_groups", closed).
			Int("total_groups", total).
			Dur("grace_period", shutdownGracePeriod).
			Msg("server shutdown requested; scheduling host terminate")

		go func() {
			time.Sleep(shutdownGracePeriod)
			logger.Info().Msg("terminating host after shutdown grace period")
		}()
	})
}
