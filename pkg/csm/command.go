package csm

import "encoding/json"

// Kind is the tagged variant over every command this state machine
// recognizes.
type Kind string

const (
	KindCreateContainer  Kind = "create_container"
	KindWriteChunk       Kind = "write_chunk"
	KindPutBlock         Kind = "put_block"
	KindFinalizeBlock    Kind = "finalize_block"
	KindPutSmallFile     Kind = "put_small_file"
	KindStreamInit       Kind = "stream_init"
	KindCloseContainer   Kind = "close_container"
	KindDeleteContainer  Kind = "delete_container"
	KindReadChunk        Kind = "read_chunk"
	KindReadContainer    Kind = "read_container"
	KindGetSmallFile     Kind = "get_small_file"
	KindEcho             Kind = "echo"
)

// Command is the decoded client request, carrying both the always-present
// envelope fields and a kind-specific payload. It is encoded to and decoded
// from the wire with encoding/json: the log-replicated form is the JSON
// encoding of a Command tagged with its Kind, while the state-machine-data
// side channel carries the raw WriteChunk payload bytes.
type Command struct {
	Kind        Kind            `json:"kind"`
	ContainerID ContainerID     `json:"containerId"`
	BlockID     LocalID         `json:"blockId,omitempty"`
	PipelineID  Gid             `json:"pipelineId,omitzero"`
	Token       string          `json:"token,omitempty"`
	Data        []byte          `json:"data,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// Clone returns a deep-enough copy of c for building a log-view that is
// mutated independently of the request-view.
func (c Command) Clone() Command {
	clone := c
	if c.Data != nil {
		clone.Data = append([]byte(nil), c.Data...)
	}
	if c.Args != nil {
		clone.Args = append(json.RawMessage(nil), c.Args...)
	}
	return clone
}

// Block returns the BlockID this command addresses.
func (c Command) Block() BlockID {
	return BlockID{ContainerID: c.ContainerID, LocalID: c.BlockID}
}

// commandSpec is the per-kind table entry driving stage/context assembly:
// it replaces a switch spread across the pipeline, write path, and apply
// coordinator with one place that says what a kind needs.
type commandSpec struct {
	// stage is the dispatch stage used when this kind reaches the Apply
	// Coordinator or the write path.
	stage Stage
	// carriesPayload is true for command kinds whose Data must be split
	// off into the state-machine-data side channel before replication
	// (today, only WriteChunk; PutSmallFile carries its payload inline
	// through the log by design, per the source).
	carriesPayload bool
	// mutatesBlock is true for kinds that must run after CreateContainer
	// and after prior writes to the same container have committed, i.e.
	// kinds that must be serialized by the per-container task queue.
	mutatesBlock bool
}

var commandTable = map[Kind]commandSpec{
	KindCreateContainer: {stage: StageCommitData, mutatesBlock: true},
	KindWriteChunk:      {stage: StageWriteData, carriesPayload: true, mutatesBlock: true},
	KindPutBlock:        {stage: StageCommitData, mutatesBlock: true},
	KindFinalizeBlock:   {stage: StageCommitData, mutatesBlock: true},
	KindPutSmallFile:    {stage: StageCommitData, mutatesBlock: true},
	KindStreamInit:      {stage: StageCommitData},
	KindCloseContainer:  {stage: StageCommitData, mutatesBlock: true},
	KindDeleteContainer: {stage: StageCommitData, mutatesBlock: true},
	KindReadChunk:       {stage: StageCommitData},
	KindReadContainer:   {stage: StageCommitData},
	KindGetSmallFile:    {stage: StageCommitData},
	KindEcho:            {stage: StageCommitData},
}

// specFor returns the table entry for k, defaulting to a harmless read-only
// entry for unrecognized kinds so callers never index a missing key; decode
// validation is responsible for rejecting truly unknown kinds earlier.
func specFor(k Kind) commandSpec {
	if s, ok := commandTable[k]; ok {
		return s
	}
	return commandSpec{stage: StageCommitData}
}

func decodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, err
	}
	return c, nil
}

func encodeCommand(c Command) ([]byte, error) {
	return json.Marshal(c)
}
