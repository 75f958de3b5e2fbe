package game

import "github.com/emberfell/server/internal/v1/types"

// MaxQueuedInputs caps each session's pending-input queue. The queue is a
// burst absorber, not a buffer for intentional slowdown: one input drains
// per tick, and anything beyond the cap is refused at enqueue so a
// misbehaving client cannot grow server memory.
const MaxQueuedInputs = 10

// InputMessage is a validated movement input awaiting tick processing.
type InputMessage struct {
	Seq uint64
	Dir Direction
}

// ParseInput checks the shape of a wire input payload. Sequence freshness
// against the player's last processed sequence is the room's job, since it
// owns the state.
func ParseInput(p types.InputPayload) (InputMessage, error) {
	if err := p.Validate(); err != nil {
		return InputMessage{}, err
	}
	dir, ok := ParseDirection(p.Direction)
	if !ok {
		return InputMessage{}, &InvalidDirectionError{Value: p.Direction}
	}
	return InputMessage{Seq: p.SequenceNumber, Dir: dir}, nil
}

// InvalidDirectionError reports a direction value outside the enum.
type InvalidDirectionError struct {
	Value string
}

func (e *InvalidDirectionError) Error() string {
	return "invalid direction " + e.Value
}

// InputQueue is a per-session bounded FIFO of validated inputs. It is not
// safe for concurrent use; the owning room serializes access.
type InputQueue struct {
	items []InputMessage
}

func NewInputQueue() *InputQueue {
	return &InputQueue{items: make([]InputMessage, 0, MaxQueuedInputs)}
}

// Push appends an input at the tail. It returns false when the queue is at
// capacity; the caller drops the newest input (the oldest well-formed input
// is the one the client is still waiting to see acknowledged).
func (q *InputQueue) Push(in InputMessage) bool {
	if len(q.items) >= MaxQueuedInputs {
		return false
	}
	q.items = append(q.items, in)
	return true
}

// Pop removes and returns the head of the queue.
func (q *InputQueue) Pop() (InputMessage, bool) {
	if len(q.items) == 0 {
		return InputMessage{}, false
	}
	in := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return in, true
}

// Len returns the number of queued inputs.
func (q *InputQueue) Len() int { return len(q.items) }
