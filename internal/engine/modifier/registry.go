package modifier

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
	"github.com/Faultbox/quadsphere/internal/logger"
)

var (
	// ErrUnsupported is returned for objects that are not modifiers at all.
	ErrUnsupported = errors.New("unsupported modifier")
	// ErrSealed is returned when registering after Resolve.
	ErrSealed = errors.New("modifier registry already resolved")
)

// Kind tells how a registered modifier runs in the batched pipeline.
type Kind int

const (
	KindBatched     Kind = iota // implements the batched contract
	KindShimmed                 // concurrent-safe legacy modifier wrapped by the registry
	KindUnsupported             // legacy only; forces the sphere onto the legacy path
)

func (k Kind) String() string {
	switch k {
	case KindBatched:
		return "batched"
	case KindShimmed:
		return "shimmed"
	case KindUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// Entry is one registered modifier.
type Entry struct {
	Name    string
	Kind    Kind
	Batched Modifier
	Legacy  Legacy
}

// Plan is the resolved, immutable result of registration.
type Plan struct {
	Entries []Entry
	// Fallback is set when at least one modifier cannot run batched; the whole
	// sphere then builds through the legacy path.
	Fallback bool
}

// Batched returns the modifiers of the batched pipeline in registration order.
func (p Plan) Batched() []Modifier {
	out := make([]Modifier, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Batched != nil {
			out = append(out, e.Batched)
		}
	}
	return out
}

// Legacy returns the modifiers of the legacy path in registration order.
func (p Plan) Legacy() []Legacy {
	out := make([]Legacy, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Legacy != nil {
			out = append(out, e.Legacy)
		}
	}
	return out
}

// Registry collects host modifier objects once per sphere setup.
type Registry struct {
	mu       sync.Mutex
	entries  []Entry
	resolved bool
	log      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: logger.OrNop(log)}
}

// Register classifies obj and appends it in registration order.
func (r *Registry) Register(obj any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return ErrSealed
	}
	e, err := classify(obj)
	if err != nil {
		return err
	}
	if e.Kind == KindUnsupported {
		r.log.Warn("modifier cannot run batched, sphere will use the legacy build path",
			zap.String("modifier", e.Name))
	} else {
		r.log.Debug("registered modifier", zap.String("modifier", e.Name), zap.Stringer("kind", e.Kind))
	}
	r.entries = append(r.entries, e)
	return nil
}

// Resolve seals the registry and returns the plan. The fallback decision is made
// here, once; later calls return the same plan.
func (r *Registry) Resolve() Plan {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolved = true
	plan := Plan{Entries: append([]Entry(nil), r.entries...)}
	for _, e := range r.entries {
		if e.Kind == KindUnsupported {
			plan.Fallback = true
		}
	}
	if plan.Fallback {
		for _, e := range r.entries {
			if e.Legacy == nil {
				r.log.Warn("modifier has no legacy form and is skipped on the legacy path",
					zap.String("modifier", e.Name))
			}
		}
	}
	return plan
}

func classify(obj any) (Entry, error) {
	if obj == nil {
		return Entry{}, fmt.Errorf("%w: nil", ErrUnsupported)
	}
	legacy, _ := obj.(Legacy)

	if m, ok := obj.(Modifier); ok && isBatched(obj) {
		return Entry{Name: m.Name(), Kind: KindBatched, Batched: m, Legacy: legacy}, nil
	}
	if legacy != nil {
		if cs, ok := obj.(ConcurrentSafe); ok && cs.ConcurrentSafe() {
			return Entry{Name: legacy.Name(), Kind: KindShimmed, Batched: &legacyShim{legacy: legacy}, Legacy: legacy}, nil
		}
		return Entry{Name: legacy.Name(), Kind: KindUnsupported, Legacy: legacy}, nil
	}
	return Entry{}, fmt.Errorf("%w: %T", ErrUnsupported, obj)
}

func isBatched(obj any) bool {
	switch obj.(type) {
	case PreBuilder, HeightStage, VertexStage, CompleteStage:
		return true
	}
	return false
}

// StateFor runs OnPreBuild for stateful modifiers; stateless modifiers are their own state.
func StateFor(m Modifier, bc *BuildContext) (any, error) {
	if pb, ok := m.(PreBuilder); ok {
		return pb.OnPreBuild(bc)
	}
	return m, nil
}

// legacyShim runs a concurrent-safe legacy modifier over a whole buffer. Both phases
// write shared arrays, so each job is chained after prev.
type legacyShim struct {
	legacy Legacy
}

func (s *legacyShim) Name() string {
	return s.legacy.Name()
}

func (s *legacyShim) BuildHeights(ex *jobs.Executor, bc *BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		var v VertexData
		for i := 0; i < buf.Len(); i++ {
			v.Load(buf, i)
			s.legacy.OnVertexBuildHeight(bc, &v)
			v.Store(buf)
		}
		return nil
	}, prev)
}

func (s *legacyShim) BuildVertices(ex *jobs.Executor, bc *BuildContext, buf *buildbuf.Buffer, prev *jobs.Handle) *jobs.Handle {
	return ex.Schedule(func() error {
		var v VertexData
		for i := 0; i < buf.Len(); i++ {
			v.Load(buf, i)
			s.legacy.OnVertexBuild(bc, &v)
			v.Store(buf)
		}
		return nil
	}, prev)
}
