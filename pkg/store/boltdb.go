package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketNodes = []byte("nodes")

// BoltStore is the bbolt-backed Store implementation: one bucket, one
// JSON-marshaled record per node, keyed by UUID.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateNode(ctx context.Context, node *types.Node) error {
	node.Revision = 1
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(node.UUID)) != nil {
			return cerrors.NewConflict("node %s already exists", node.UUID)
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.UUID), data)
	})
}

func (s *BoltStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return cerrors.NewNotFound("node %s not found", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}

// Save persists node with optimistic concurrency: the revision stored must
// match node.Revision, or the write is rejected with a VersionConflict and the
// in-memory node is left untouched so the caller can Refresh and retry.
func (s *BoltStore) Save(ctx context.Context, node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(node.UUID))
		if data == nil {
			return cerrors.NewNotFound("node %s not found", node.UUID)
		}
		var stored types.Node
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Revision != node.Revision {
			return cerrors.NewVersionConflict(
				"node %s: stored revision %d does not match expected %d",
				node.UUID, stored.Revision, node.Revision,
			)
		}
		node.Revision = stored.Revision + 1
		out, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.UUID), out)
	})
}

// Refresh reloads node in place from the store, overwriting every field
// including Revision.
func (s *BoltStore) Refresh(ctx context.Context, node *types.Node) error {
	fresh, err := s.GetNode(ctx, node.UUID)
	if err != nil {
		return err
	}
	*node = *fresh
	return nil
}

func (s *BoltStore) ListPortsByPortgroup(ctx context.Context, nodeID, portgroupID string) ([]*types.Port, error) {
	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var ports []*types.Port
	for _, p := range node.Ports {
		if p.PortgroupID == portgroupID {
			ports = append(ports, p)
		}
	}
	return ports, nil
}
