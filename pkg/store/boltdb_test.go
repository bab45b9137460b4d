package store

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{UUID: "node-1", ProvisionState: types.StateEnroll}
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	if node.Revision != 1 {
		t.Errorf("Revision after create = %d, want 1", node.Revision)
	}

	got, err := s.GetNode(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if got.ProvisionState != types.StateEnroll {
		t.Errorf("ProvisionState = %v, want %v", got.ProvisionState, types.StateEnroll)
	}
}

func TestCreateNodeDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{UUID: "node-1"}
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}
	err := s.CreateNode(ctx, &types.Node{UUID: "node-1"})
	if err == nil {
		t.Fatal("CreateNode() on duplicate UUID: want error, got nil")
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNode(context.Background(), "missing")
	var notFound *cerrors.NotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("GetNode() error = %v, want *cerrors.NotFound", err)
	}
}

func TestSaveDetectsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{UUID: "node-1"}
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	// Simulate a second in-memory holder loading the same revision.
	stale := &types.Node{UUID: "node-1", Revision: node.Revision}

	node.ProvisionState = types.StateManageable
	if err := s.Save(ctx, node); err != nil {
		t.Fatalf("Save() first writer error = %v", err)
	}
	if node.Revision != 2 {
		t.Errorf("Revision after first save = %d, want 2", node.Revision)
	}

	stale.ProvisionState = types.StateAvailable
	err := s.Save(ctx, stale)
	var conflict *cerrors.VersionConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Save() with stale revision: error = %v, want *cerrors.VersionConflict", err)
	}
}

func TestRefreshReloadsInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{UUID: "node-1", ProvisionState: types.StateEnroll}
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	other, err := s.GetNode(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	other.ProvisionState = types.StateManageable
	if err := s.Save(ctx, other); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := s.Refresh(ctx, node); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if node.ProvisionState != types.StateManageable {
		t.Errorf("ProvisionState after Refresh = %v, want %v", node.ProvisionState, types.StateManageable)
	}
	if node.Revision != 2 {
		t.Errorf("Revision after Refresh = %d, want 2", node.Revision)
	}
}

func TestListPortsByPortgroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	node := &types.Node{
		UUID: "node-1",
		Ports: []*types.Port{
			{UUID: "p1", PortgroupID: "pg1", PhysicalNetwork: "physnet1", PhysicalNetworkSet: true},
			{UUID: "p2", PortgroupID: "pg1", PhysicalNetwork: "physnet1", PhysicalNetworkSet: true},
			{UUID: "p3", PortgroupID: "pg2"},
		},
	}
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode() error = %v", err)
	}

	ports, err := s.ListPortsByPortgroup(ctx, "node-1", "pg1")
	if err != nil {
		t.Fatalf("ListPortsByPortgroup() error = %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}
}

func TestListNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var seeded []string
	for i := 0; i < 3; i++ {
		id := types.NewUUID()
		seeded = append(seeded, id)
		if err := s.CreateNode(ctx, &types.Node{UUID: id, ProvisionState: types.StateManageable}); err != nil {
			t.Fatalf("CreateNode() error = %v", err)
		}
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(nodes) != len(seeded) {
		t.Fatalf("len(nodes) = %d, want %d", len(nodes), len(seeded))
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.UUID] = true
	}
	for _, id := range seeded {
		if !seen[id] {
			t.Errorf("ListNodes() missing seeded node %s", id)
		}
	}
}

func TestObjWhatChanged(t *testing.T) {
	original := &types.Node{
		UUID:           "node-1",
		ProvisionState: types.StateEnroll,
		Traits:         []string{"a"},
	}
	current := &types.Node{
		UUID:           "node-1",
		ProvisionState: types.StateManageable,
		Traits:         []string{"a", "b"},
	}

	changed := ObjWhatChanged(original, current)
	wantSet := map[string]bool{"provision_state": true, "traits": true}
	if len(changed) != len(wantSet) {
		t.Fatalf("ObjWhatChanged() = %v, want keys %v", changed, wantSet)
	}
	for _, field := range changed {
		if !wantSet[field] {
			t.Errorf("unexpected changed field %q", field)
		}
	}
}
