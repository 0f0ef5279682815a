package engine

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/frame"
)

// MessageType tags a worker message.
type MessageType string

const (
	// Host to worker.
	MsgProcess MessageType = "process"
	MsgCancel  MessageType = "cancel"
	MsgStats   MessageType = "stats"

	// Worker to host.
	MsgReady     MessageType = "ready"
	MsgProgress  MessageType = "progress"
	MsgComplete  MessageType = "complete"
	MsgError     MessageType = "error"
	MsgCancelled MessageType = "cancelled"
)

// WorkerStats answers a stats request.
type WorkerStats struct {
	IsProcessing   bool    `msgpack:"is_processing"`
	Progress       float64 `msgpack:"progress"`
	FPS            float64 `msgpack:"fps"`
	ElapsedSeconds float64 `msgpack:"elapsed_seconds"`
}

// Message is the single envelope crossing the worker boundary. Only the
// fields relevant to Type are set.
type Message struct {
	Type MessageType `msgpack:"type"`

	// process
	Frames frame.Sequence  `msgpack:"frames,omitempty"`
	Params *amplify.Params `msgpack:"params,omitempty"`

	// progress
	Progress *Progress `msgpack:"progress,omitempty"`

	// complete
	Data frame.Sequence `msgpack:"data,omitempty"`

	// error; FrameIndex is -1 when the failure is not tied to a frame
	Message    string `msgpack:"message,omitempty"`
	FrameIndex int    `msgpack:"frame_index,omitempty"`

	// stats reply
	Stats *WorkerStats `msgpack:"stats,omitempty"`
}

// encodeMessage serialises m. Every message crosses the boundary as bytes,
// so no frame buffer is ever shared between host and worker.
func encodeMessage(m Message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode worker message: %w", err)
	}
	return m, nil
}
