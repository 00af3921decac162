package replicate

import "github.com/vbp1/rbdsync/internal/checkpoint"

// Mode is the replication mode of a run: Full or Incremental.
type Mode interface {
	String() string
	sealed()
}

// Full copies the whole volume; the source carries no owned checkpoint.
type Full struct{}

// Incremental copies the changes since Base, the single owned checkpoint
// of the source.
type Incremental struct {
	Base checkpoint.Checkpoint
}

func (Full) String() string        { return "full" }
func (Incremental) String() string { return "incremental" }

func (Full) sealed()        {}
func (Incremental) sealed() {}

// Match dispatches on m. Every caller handles both modes.
func Match[T any](m Mode, full func(Full) T, incremental func(Incremental) T) T {
	switch v := m.(type) {
	case Full:
		return full(v)
	case Incremental:
		return incremental(v)
	}
	panic("replicate: unknown mode")
}
