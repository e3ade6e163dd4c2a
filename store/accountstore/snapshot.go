package accountstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.etcd.io/etcd/etcdserver/api/snap"
	"go.etcd.io/etcd/raft/raftpb"
	"go.uber.org/zap"
)

// snapRetain is how many snapshot files are kept on disk.
const snapRetain = 5

// Snapshotter persists MemoryStore snapshots as etcd snap files in a
// directory. Every save gets the next index; Load returns the newest.
type Snapshotter struct {
	mu    sync.Mutex
	dir   string
	ss    *snap.Snapshotter
	index uint64
	lg    *zap.Logger
}

var _ Persister = (*Snapshotter)(nil)

func NewSnapshotter(dir string, lg *zap.Logger) (*Snapshotter, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("cannot create dir for snapshot (%v)", err)
	}
	s := &Snapshotter{dir: dir, ss: snap.New(lg, dir), lg: lg}
	if last, err := s.ss.Load(); err == nil {
		s.index = last.Metadata.Index
	} else if err != snap.ErrNoSnapshot {
		return nil, err
	}
	return s, nil
}

func (s *Snapshotter) Persist(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index++
	err := s.ss.SaveSnap(raftpb.Snapshot{
		Data:     data,
		Metadata: raftpb.SnapshotMetadata{Index: s.index, Term: 1},
	})
	if err != nil {
		s.index--
		return err
	}
	s.prune()
	return nil
}

// Load returns the newest snapshot payload, or nil if none was ever saved.
func (s *Snapshotter) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.ss.Load()
	if err == snap.ErrNoSnapshot {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.lg.Info("loading snapshot",
		zap.Uint64("term", snapshot.Metadata.Term), zap.Uint64("index", snapshot.Metadata.Index))
	return snapshot.Data, nil
}

func (s *Snapshotter) prune() {
	names, err := filepath.Glob(filepath.Join(s.dir, "*.snap"))
	if err != nil || len(names) <= snapRetain {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-snapRetain] {
		if err := os.Remove(name); err != nil {
			s.lg.Warn("failed to remove old snapshot", zap.String("path", name), zap.Error(err))
		}
	}
}

// Restore loads the newest snapshot from ss into m, if there is one.
func Restore(m *MemoryStore, ss *Snapshotter) error {
	data, err := ss.Load()
	if err != nil || data == nil {
		return err
	}
	return m.RecoverFromSnapshot(data)
}
