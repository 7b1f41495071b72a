package csm

import "context"

// Dispatcher is the downward contract to the chunk/block storage
// dispatcher. Its implementation — on-disk chunk
// layout, token validation, container lifecycle — is an external
// collaborator and explicitly out of scope for this component. pkg/dispatcher provides a concrete reference implementation
// used by this component's own tests.
type Dispatcher interface {
	// ValidateContainerCommand performs the pre-replication check run
	// before a client command is proposed to the log. A "container not
	// open" failure is distinguished from other failures so the pipeline
	// can route it to its own metric.
	ValidateContainerCommand(ctx context.Context, cmd Command) error

	// Dispatch executes cmd locally and returns a response carrying a
	// Result code. Used both for the Apply Coordinator's COMMIT_DATA path
	// and the write path's WRITE_DATA path.
	Dispatch(ctx context.Context, cmd Command, dctx DispatchContext) (Response, error)

	// GetStreamDataChannel opens a data sink for the streaming bulk write
	// path.
	GetStreamDataChannel(ctx context.Context, cmd Command) (StreamChannel, error)

	// BuildMissingContainerSet reconciles on-disk state against a restored
	// container->BCSID map and returns the set of containers this replica
	// should have but does not.
	BuildMissingContainerSet(ctx context.Context, containerBCSID map[ContainerID]BCSID) (map[ContainerID]struct{}, error)

	// IsFinalizedBlockExist and AddFinalizedBlock implement the
	// finalization ledger consulted by the pipeline.
	IsFinalizedBlockExist(containerID ContainerID, localID LocalID) bool
	AddFinalizedBlock(containerID ContainerID, localID LocalID)

	// MarkContainerForClose and QuasiCloseContainer are used on group
	// removal.
	MarkContainerForClose(containerID ContainerID) error
	QuasiCloseContainer(containerID ContainerID, reason string) error
}

// ContainerNotOpenError distinguishes the "container not open"
// pre-validation failure from any other validation error.
type ContainerNotOpenError struct {
	ContainerID ContainerID
}

func (e *ContainerNotOpenError) Error() string {
	return "container not open"
}

// StreamChannel is the out-of-band data sink opened by GetStreamDataChannel
// for the streaming bulk write path.
type StreamChannel interface {
	// Write accepts bytes directly, out-of-band from the replicated log.
	Write(p []byte) (int, error)
	// Close finalizes the channel. It must be called before the cached
	// PutBlock is dispatched on link.
	Close() error
	// CleanUp releases any resources held by the channel after a failed
	// link.
	CleanUp()
	// PutBlock returns the PutBlock command cached on this channel, set
	// when the stream was opened.
	PutBlock() Command
	// Linked reports whether link() has already completed successfully
	// for this channel (MarkLinked was called). Link itself does not
	// check it before dispatching.
	Linked() bool
	MarkLinked()
}

// ServerSurface is the injected capability the state machine uses to
// forward notifications it does not itself act on. It is an interface, never an owned back-reference to an
// outer server object.
type ServerSurface interface {
	NotifyGroupAdd(gid Gid)
	NotifyGroupRemove(gid Gid)
	HandleNodeSlowness(gid Gid)
	HandleNoLeader(gid Gid)
	HandleApplyTransactionFailure(gid Gid, err error)
	HandleLeaderChangedNotification(gid Gid)
	HandleNodeLogFailure(gid Gid, err error)
	HandleInstallSnapshotFromLeader(gid Gid)
}
