package jobs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/pixel-forge/internal/render"
)

var (
	defaultTargets = []Target{{Label: "8K", Width: 7680}, {Label: "4K", Width: 3840}}
	discardLogger  = log.New(io.Discard, "", 0)
)

// memBlobs は削除回数を記録するインメモリの BlobStore です。
type memBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes map[string]int
	loadErr error
	saveErr error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{
		data:    make(map[string][]byte),
		deletes: make(map[string]int),
	}
}

func (b *memBlobs) Save(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.data[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Load(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", key, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes[key]++
	delete(b.data, key)
	return nil
}

func (b *memBlobs) deleteCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes[key]
}

func (b *memBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

// recordingStore は書き込み後のスナップショットを順に記録します。
type recordingStore struct {
	Store
	mu      sync.Mutex
	history []*Job
}

func (s *recordingStore) Create(ctx context.Context, job *Job) error {
	if err := s.Store.Create(ctx, job); err != nil {
		return err
	}
	s.record(job)
	return nil
}

func (s *recordingStore) Update(ctx context.Context, jobID string, mutate Mutation) (*Job, error) {
	job, err := s.Store.Update(ctx, jobID, mutate)
	if err == nil {
		s.record(job)
	}
	return job, err
}

func (s *recordingStore) record(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, job.Clone())
}

func (s *recordingStore) snapshots() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Job(nil), s.history...)
}

// pendingScheduler は予約されたジョブIDを記録するだけの Scheduler です。
type pendingScheduler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *pendingScheduler) Schedule(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

func okRenderer() render.Renderer {
	return render.RenderFunc(func(ctx context.Context, src []byte, width int) ([]byte, error) {
		return []byte(fmt.Sprintf("%s@%d", src, width)), nil
	})
}

func failingAt(width int, err error) render.Renderer {
	return render.RenderFunc(func(ctx context.Context, src []byte, w int) ([]byte, error) {
		if w == width {
			return nil, err
		}
		return []byte(fmt.Sprintf("%s@%d", src, w)), nil
	})
}

type fixture struct {
	store     *recordingStore
	blobs     *memBlobs
	scheduler *pendingScheduler
	exec      *Executor
	manager   *Manager
}

func newFixture(t *testing.T, renderer render.Renderer, targets []Target) *fixture {
	t.Helper()
	store := &recordingStore{Store: NewMemoryStore()}
	blobs := newMemBlobs()
	exec, err := NewExecutor(store, blobs, renderer, 0, discardLogger)
	require.NoError(t, err)
	scheduler := &pendingScheduler{}
	manager, err := NewManager(store, blobs, scheduler, targets, discardLogger)
	require.NoError(t, err)
	return &fixture{store: store, blobs: blobs, scheduler: scheduler, exec: exec, manager: manager}
}

func (f *fixture) submit(t *testing.T) (string, string) {
	t.Helper()
	id, err := f.manager.Submit(context.Background(), SubmitRequest{Data: []byte("img"), OriginalName: "photo.png", Extension: ".png"})
	require.NoError(t, err)
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return id, job.SourceRef
}

type transition struct {
	Status  Status
	Stage   int
	Percent int
}

// transitions は連続する同一状態をまとめた状態遷移列を返します。
func transitions(history []*Job) []transition {
	var out []transition
	for _, j := range history {
		tr := transition{Status: j.Status, Stage: j.CurrentStage, Percent: j.Progress.Percent}
		if len(out) > 0 && out[len(out)-1] == tr {
			continue
		}
		out = append(out, tr)
	}
	return out
}
