package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/engine/quadtree"
	"github.com/Faultbox/quadsphere/internal/engine/terrain"
)

type recordingBuilder struct {
	mu     sync.Mutex
	counts map[int]int
	fail   func(n *quadtree.Node) bool
}

func newRecordingBuilder() *recordingBuilder {
	return &recordingBuilder{counts: map[int]int{}}
}

func (b *recordingBuilder) Build(_ context.Context, n *quadtree.Node) error {
	if b.fail != nil && b.fail(n) {
		return errors.New("modifier failed")
	}
	return n.EnsureBuilt(func(n *quadtree.Node) (*terrain.Mesh, [4][]mgl64.Vec3, error) {
		b.mu.Lock()
		b.counts[n.ID]++
		b.mu.Unlock()
		return &terrain.Mesh{}, [4][]mgl64.Vec3{}, nil
	})
}

func (b *recordingBuilder) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, c := range b.counts {
		n += c
	}
	return n
}

func testConfig() config.SphereConfig {
	cfg := config.Default().Sphere
	cfg.Radius = 1000
	cfg.MinRadius = 990
	cfg.MaxRadius = 1010
	cfg.MinLevel = 0
	cfg.MaxLevel = 4
	cfg.VisibleRadius = 1e9
	cfg.FrameBudget = 0
	return cfg
}

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestFarCameraKeepsRoots(t *testing.T) {
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	s := New(tree, b, testConfig(), Options{})

	st, err := s.Update(context.Background(), mgl64.Vec3{0, 1e7, 0})
	require.NoError(t, err)
	assert.Equal(t, quadtree.FaceCount, st.Quads)
	assert.Zero(t, st.Subdivided)
	assert.Equal(t, quadtree.FaceCount, st.Built)
	for _, r := range tree.Roots() {
		assert.True(t, r.IsVisible())
		assert.True(t, r.IsBuilt())
	}
}

func TestRootSubdividesNearCamera(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 1
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	s := New(tree, b, cfg, Options{})

	// Close above the +Y face.
	camera := mgl64.Vec3{0, 1000 + 100, 0}
	st, err := s.Update(context.Background(), camera)
	require.NoError(t, err)

	top := tree.Roots()[0]
	require.True(t, top.IsSubdivided())
	assert.False(t, top.IsVisible())

	children, _ := tree.Children(top)
	for _, c := range children {
		assert.True(t, c.IsLeaf())
		assert.True(t, c.IsVisible())
		assert.Equal(t, 1, c.Builds())
	}
	assert.GreaterOrEqual(t, st.Subdivided, 1)
	require.NoError(t, tree.CheckInvariants())
}

func TestDescentAndAscent(t *testing.T) {
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	cfg := testConfig()
	s := New(tree, b, cfg, Options{})

	ctx := context.Background()
	for _, alt := range []float64{4000, 2000, 500, 100, 20, 5} {
		_, err := s.Update(ctx, mgl64.Vec3{alt + cfg.Radius, 0, 0})
		require.NoError(t, err)
		require.NoError(t, tree.CheckInvariants(), "altitude %v", alt)
	}
	// Deeper levels wait for their neighbors; hovering lets them catch up.
	for i := 0; i < 30; i++ {
		st, err := s.Update(ctx, mgl64.Vec3{5 + cfg.Radius, 0, 0})
		require.NoError(t, err)
		require.NoError(t, tree.CheckInvariants())
		if st.Subdivided == 0 {
			break
		}
	}
	deep := tree.ActiveCount()
	assert.Greater(t, deep, quadtree.FaceCount+4)

	var maxDepth int
	tree.Walk(func(n *quadtree.Node) bool {
		if n.Depth() > maxDepth {
			maxDepth = n.Depth()
		}
		return true
	})
	assert.Equal(t, cfg.MaxLevel, maxDepth)

	for i := 0; i < cfg.MaxLevel+2; i++ {
		st, err := s.Update(ctx, mgl64.Vec3{1e7, 0, 0})
		require.NoError(t, err)
		require.NoError(t, tree.CheckInvariants())
		if st.Collapsed == 0 {
			break
		}
	}
	assert.Equal(t, quadtree.FaceCount, tree.ActiveCount())
	for _, r := range tree.Roots() {
		assert.True(t, r.IsVisible())
	}
}

func TestVisibleRadius(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 0
	cfg.VisibleRadius = 2000
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	s := New(tree, b, cfg, Options{})

	_, err := s.Update(context.Background(), mgl64.Vec3{0, 0, 1500})
	require.NoError(t, err)

	for _, r := range tree.Roots() {
		d := r.Distance()
		assert.Equal(t, d < cfg.VisibleRadius, r.IsVisible(), "face %d at %v", r.Face(), d)
		assert.Equal(t, r.IsVisible(), r.IsBuilt())
	}
}

func TestForcedInvisible(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 0
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	s := New(tree, b, cfg, Options{})

	hidden := tree.Roots()[3]
	hidden.SetForcedInvisible(true)
	_, err := s.Update(context.Background(), mgl64.Vec3{1e6, 0, 0})
	require.NoError(t, err)
	assert.False(t, hidden.IsVisible())
	assert.False(t, hidden.IsBuilt())
}

func TestMinLevelForcesSubdivision(t *testing.T) {
	cfg := testConfig()
	cfg.MinLevel = 2
	cfg.MaxLevel = 2
	tree := quadtree.New(nil)
	s := New(tree, newRecordingBuilder(), cfg, Options{})

	// Children wait one frame for the other root faces to subdivide.
	for i := 0; i < 3; i++ {
		_, err := s.Update(context.Background(), mgl64.Vec3{1e9, 0, 0})
		require.NoError(t, err)
	}
	assert.Equal(t, quadtree.FaceCount*16+quadtree.FaceCount*4+quadtree.FaceCount, tree.ActiveCount())
	for _, n := range tree.Leaves() {
		assert.Equal(t, 2, n.Depth())
	}
}

func TestBuildFailureIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 0
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	bad := tree.Roots()[1]
	b.fail = func(n *quadtree.Node) bool { return n == bad }
	s := New(tree, b, cfg, Options{})

	st, err := s.Update(context.Background(), mgl64.Vec3{0, 1e6, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, st.BuildErrors)
	assert.Equal(t, quadtree.FaceCount-1, st.Built)
	assert.False(t, bad.IsVisible())
	assert.False(t, bad.IsBuilt())
}

func TestOutOfTimeStopsRecursion(t *testing.T) {
	cfg := testConfig()
	cfg.FrameBudget = time.Millisecond
	clock := &fakeClock{step: 10 * time.Millisecond}
	tree := quadtree.New(nil)
	s := New(tree, newRecordingBuilder(), cfg, Options{Now: clock.Now})

	st, err := s.Update(context.Background(), mgl64.Vec3{cfg.Radius + 1, 0, 0})
	require.NoError(t, err)
	assert.True(t, st.OutOfTime)
	assert.Zero(t, st.Subdivided)
	assert.Equal(t, quadtree.FaceCount, tree.ActiveCount())
}

func TestOutOfTimeBlocksCollapse(t *testing.T) {
	cfg := testConfig()
	clock := &fakeClock{step: 0}
	tree := quadtree.New(nil)
	s := New(tree, newRecordingBuilder(), cfg, Options{Now: clock.Now})

	_, err := s.Update(context.Background(), mgl64.Vec3{cfg.Radius + 10, 0, 0})
	require.NoError(t, err)
	count := tree.ActiveCount()
	require.Greater(t, count, quadtree.FaceCount)

	s.cfg.FrameBudget = time.Millisecond
	clock.step = 10 * time.Millisecond
	st, err := s.Update(context.Background(), mgl64.Vec3{1e9, 0, 0})
	require.NoError(t, err)
	assert.True(t, st.OutOfTime)
	assert.Zero(t, st.Collapsed)
	assert.Equal(t, count, tree.ActiveCount())
}

func TestUpdateInitSettlesWithoutBuilding(t *testing.T) {
	tree := quadtree.New(nil)
	b := newRecordingBuilder()
	cfg := testConfig()
	s := New(tree, b, cfg, Options{InitRetries: 16})

	iterations, st, err := s.UpdateInit(context.Background(), mgl64.Vec3{0, 0, cfg.Radius + 1})
	require.NoError(t, err)
	assert.Greater(t, iterations, 1)
	assert.LessOrEqual(t, iterations, 16)
	assert.Greater(t, st.Subdivided, 0)
	assert.Zero(t, b.total())
	require.NoError(t, tree.CheckInvariants())

	count := tree.ActiveCount()
	iterations, _, err = s.UpdateInit(context.Background(), mgl64.Vec3{0, 0, cfg.Radius + 1})
	require.NoError(t, err)
	assert.Equal(t, 1, iterations)
	assert.Equal(t, count, tree.ActiveCount())
}

func TestUpdateInitRetryLimit(t *testing.T) {
	tree := quadtree.New(nil)
	cfg := testConfig()
	s := New(tree, newRecordingBuilder(), cfg, Options{InitRetries: 1})

	iterations, _, err := s.UpdateInit(context.Background(), mgl64.Vec3{0, 0, cfg.Radius + 1})
	require.NoError(t, err)
	assert.Equal(t, 1, iterations)
}

func TestCancelledContext(t *testing.T) {
	tree := quadtree.New(nil)
	s := New(tree, newRecordingBuilder(), testConfig(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Update(ctx, mgl64.Vec3{})
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = s.UpdateInit(ctx, mgl64.Vec3{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVisibilityCallbacks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 1
	tree := quadtree.New(nil)

	var mu sync.Mutex
	events := map[int][]bool{}
	s := New(tree, newRecordingBuilder(), cfg, Options{
		OnVisibility: func(n *quadtree.Node, v bool) {
			mu.Lock()
			events[n.ID] = append(events[n.ID], v)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	_, err := s.Update(ctx, mgl64.Vec3{1e7, 0, 0})
	require.NoError(t, err)
	plusX := tree.Roots()[2]
	assert.Equal(t, []bool{true}, events[plusX.ID])

	_, err = s.Update(ctx, mgl64.Vec3{cfg.Radius + 10, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, events[plusX.ID])

	children, ok := tree.Children(plusX)
	require.True(t, ok)
	for _, c := range children {
		assert.Equal(t, []bool{true}, events[c.ID])
	}
}
