package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tgmirror/internal/copier"
	"tgmirror/internal/mapping"
	"tgmirror/pkg/mirror"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testWorker = mirror.Worker{ID: 1, Name: "alpha"}
	testSource = mirror.ChatRef{ID: 100, Title: "source"}
	testTarget = mirror.ChatRef{ID: 200, Title: "target"}
)

type memoryPersistence struct {
	mu   sync.Mutex
	rows []mirror.MessageMapping
}

func (p *memoryPersistence) UpsertMessageMapping(_ context.Context, row mirror.MessageMapping) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for index := range p.rows {
		existing := p.rows[index]
		if existing.WorkerID == row.WorkerID && existing.SourceChatID == row.SourceChatID && existing.SourceMessageID == row.SourceMessageID {
			p.rows[index] = row
			return nil
		}
	}
	p.rows = append(p.rows, row)
	return nil
}

func (p *memoryPersistence) TargetMessageID(_ context.Context, workerID, sourceChatID int64, sourceMessageID int) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, row := range p.rows {
		if row.WorkerID == workerID && row.SourceChatID == sourceChatID && row.SourceMessageID == sourceMessageID {
			return row.TargetMessageID, true, nil
		}
	}
	return 0, false, nil
}

func (p *memoryPersistence) DeleteMessageMapping(_ context.Context, workerID, sourceChatID int64, sourceMessageID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for index, row := range p.rows {
		if row.WorkerID == workerID && row.SourceChatID == sourceChatID && row.SourceMessageID == sourceMessageID {
			p.rows = append(p.rows[:index], p.rows[index+1:]...)
			return nil
		}
	}
	return nil
}

func (p *memoryPersistence) RecentMessageMappings(_ context.Context, workerID, sourceChatID int64, limit int) ([]mirror.MessageMapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []mirror.MessageMapping
	for index := len(p.rows) - 1; index >= 0 && len(result) < limit; index-- {
		row := p.rows[index]
		if row.WorkerID == workerID && row.SourceChatID == sourceChatID {
			result = append(result, row)
		}
	}
	return result, nil
}

func (p *memoryPersistence) MessageMappingCount(_ context.Context, workerID, sourceChatID int64) (int, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	var latest time.Time
	for _, row := range p.rows {
		if row.WorkerID == workerID && row.SourceChatID == sourceChatID {
			count++
			if row.CreatedAt.After(latest) {
				latest = row.CreatedAt
			}
		}
	}
	return count, latest, nil
}

type stubTransport struct {
	mu         sync.Mutex
	history    []mirror.Message
	historyMin []int
	forwards   []mirror.ForwardRequest
	forwardErr error
	// onMessage runs before each history message is handed to the copier.
	onMessage func(mirror.Message)
}

func (s *stubTransport) Forward(_ context.Context, request mirror.ForwardRequest) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards = append(s.forwards, request)
	if s.forwardErr != nil {
		return nil, s.forwardErr
	}
	result := make([]int, len(request.MessageIDs))
	for index, id := range request.MessageIDs {
		result[index] = id + 10
	}
	return result, nil
}

func (s *stubTransport) EditText(context.Context, mirror.ChatRef, int, string) error { return nil }

func (s *stubTransport) Delete(context.Context, mirror.ChatRef, []int) error { return nil }

func (s *stubTransport) History(_ context.Context, _ mirror.ChatRef, minID int, fn func(mirror.Message) error) error {
	s.mu.Lock()
	s.historyMin = append(s.historyMin, minID)
	messages := append([]mirror.Message(nil), s.history...)
	s.mu.Unlock()

	for _, message := range messages {
		if message.ID <= minID {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(message)
		}
		if err := fn(message); err != nil {
			return err
		}
	}
	return nil
}

type stubTopics struct {
	persisted map[int]int
	forum     bool
	synced    map[int]int
}

func (s *stubTopics) IsForumChat(context.Context, mirror.ChatRef) bool { return s.forum }

func (s *stubTopics) Synchronize(context.Context, mirror.ChatRef, mirror.ChatRef) map[int]int {
	if s.synced == nil {
		return map[int]int{}
	}
	return s.synced
}

func (s *stubTopics) Load(context.Context, mirror.ChatRef, mirror.ChatRef) map[int]int {
	return s.persisted
}

type fixture struct {
	engine    *Engine
	transport *stubTransport
	mappings  *mapping.Manager
	store     *memoryPersistence
}

func newFixture(t *testing.T, transport *stubTransport, topics *stubTopics) fixture {
	t.Helper()

	store := &memoryPersistence{}
	mappings, err := mapping.New(store, testWorker)
	if err != nil {
		t.Fatalf("new mapping manager failed: %v", err)
	}
	copyEngine, err := copier.New(transport, mappings, topics, copier.WithBatchPause(0))
	if err != nil {
		t.Fatalf("new copier failed: %v", err)
	}
	engine, err := New(testWorker, transport, mappings, topics, copyEngine)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}

	return fixture{engine: engine, transport: transport, mappings: mappings, store: store}
}

func bindBoth(t *testing.T, engine *Engine) {
	t.Helper()

	if err := engine.BindSource(testSource); err != nil {
		t.Fatalf("bind source failed: %v", err)
	}
	if err := engine.BindTarget(testTarget); err != nil {
		t.Fatalf("bind target failed: %v", err)
	}
}

func messages(ids ...int) []mirror.Message {
	result := make([]mirror.Message, len(ids))
	for index, id := range ids {
		result[index] = mirror.Message{ID: id}
	}
	return result
}

func TestStartMirrorsFreshPair(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{history: messages(1, 2, 3)}, &stubTopics{persisted: map[int]int{4: 40}})
	bindBoth(t, f.engine)
	ctx := context.Background()

	result, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if result.Copy.Copied != 3 || result.Topics != 1 {
		t.Fatalf("start result = %+v", result)
	}
	if !f.engine.Session().Active() {
		t.Fatal("session not active after start")
	}
	for sourceID, wantTarget := range map[int]int{1: 11, 2: 12, 3: 13} {
		targetID, ok := f.mappings.Get(ctx, testSource, sourceID)
		if !ok || targetID != wantTarget {
			t.Fatalf("mapping %d = (%d, %v), want %d", sourceID, targetID, ok, wantTarget)
		}
	}
	if targetTopic, ok := f.engine.Session().TargetTopic(4); !ok || targetTopic != 40 {
		t.Fatalf("target topic = (%d, %v), want 40", targetTopic, ok)
	}

	f.engine.Handle(ctx, mirror.Event{Kind: mirror.EventKindNewMessage, Chat: testSource, Message: &mirror.Message{ID: 9}})
	if targetID, ok := f.mappings.Get(ctx, testSource, 9); !ok || targetID != 19 {
		t.Fatalf("live mapping = (%d, %v), want 19", targetID, ok)
	}

	if err := f.engine.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := f.engine.Stop(); !errors.Is(err, mirror.ErrNotActive) {
		t.Fatalf("second stop error = %v, want ErrNotActive", err)
	}

	forwardsBefore := len(f.transport.forwards)
	f.engine.Handle(ctx, mirror.Event{Kind: mirror.EventKindNewMessage, Chat: testSource, Message: &mirror.Message{ID: 10}})
	if len(f.transport.forwards) != forwardsBefore {
		t.Fatal("event mirrored after stop")
	}
}

func TestStartRejectsSecondStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{history: messages(1)}, &stubTopics{})
	bindBoth(t, f.engine)

	if _, err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := f.engine.Start(context.Background()); !errors.Is(err, mirror.ErrAlreadyActive) {
		t.Fatalf("second start error = %v, want ErrAlreadyActive", err)
	}
	if len(f.transport.historyMin) != 1 {
		t.Fatalf("history walks = %d, want 1", len(f.transport.historyMin))
	}
}

func TestStartConcurrentCallsCopyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{history: messages(1, 2)}, &stubTopics{})
	bindBoth(t, f.engine)

	const callers = 2
	var (
		ready sync.WaitGroup
		done  sync.WaitGroup
	)
	ready.Add(callers)
	done.Add(callers)
	gate := make(chan struct{})
	errs := make(chan error, callers)
	for range callers {
		go func() {
			defer done.Done()
			ready.Done()
			<-gate
			_, err := f.engine.Start(context.Background())
			errs <- err
		}()
	}
	ready.Wait()
	close(gate)
	done.Wait()
	close(errs)

	started, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, mirror.ErrAlreadyActive):
			rejected++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("started=%d rejected=%d, want 1 and 1", started, rejected)
	}
	if len(f.transport.historyMin) != 1 {
		t.Fatalf("history walks = %d, want 1", len(f.transport.historyMin))
	}
}

func TestStartRoutesLiveTopicMessagesDuringForumCopy(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{history: []mirror.Message{{ID: 1, TopicID: 7}, {ID: 2, TopicID: 7}}}
	f := newFixture(t, transport, &stubTopics{forum: true, synced: map[int]int{7: 70}})
	bindBoth(t, f.engine)
	ctx := context.Background()

	fired := false
	transport.onMessage = func(message mirror.Message) {
		if fired || message.ID != 2 {
			return
		}
		fired = true
		f.engine.Handle(ctx, mirror.Event{
			Kind:    mirror.EventKindNewMessage,
			Chat:    testSource,
			Message: &mirror.Message{ID: 99, TopicID: 7},
		})
	}

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var live *mirror.ForwardRequest
	for index := range transport.forwards {
		if transport.forwards[index].MessageIDs[0] == 99 {
			live = &transport.forwards[index]
		}
	}
	if live == nil {
		t.Fatal("live message was not forwarded during the copy")
	}
	if live.TopicID != 70 {
		t.Fatalf("live message topic = %d, want 70", live.TopicID)
	}
}

func TestStartFailureResetsActive(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{
		history:    messages(1, 2),
		forwardErr: &mirror.TransportError{Kind: mirror.TransportErrorKindForbidden, Type: "CHAT_WRITE_FORBIDDEN"},
	}
	f := newFixture(t, transport, &stubTopics{})
	bindBoth(t, f.engine)

	_, err := f.engine.Start(context.Background())
	if !mirror.IsForbidden(err) {
		t.Fatalf("start error = %v, want forbidden", err)
	}
	if f.engine.Session().Active() {
		t.Fatal("session still active after failed start")
	}
}

func TestStartRequiresBinding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{}, &stubTopics{})
	if err := f.engine.BindSource(testSource); err != nil {
		t.Fatalf("bind source failed: %v", err)
	}

	if _, err := f.engine.Start(context.Background()); !errors.Is(err, mirror.ErrNotBound) {
		t.Fatalf("start error = %v, want ErrNotBound", err)
	}
	if err := f.engine.BindTarget(mirror.ChatRef{}); !errors.Is(err, mirror.ErrInvalidChatRef) {
		t.Fatalf("bind error = %v, want ErrInvalidChatRef", err)
	}
}

func TestRebindingSourceClearsCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{history: messages(1, 2)}, &stubTopics{})
	bindBoth(t, f.engine)

	if _, err := f.engine.Copy(context.Background(), 0, nil); err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if f.mappings.CacheSize() != 2 {
		t.Fatalf("cache size = %d, want 2", f.mappings.CacheSize())
	}

	if err := f.engine.BindSource(testSource); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	if f.mappings.CacheSize() != 2 {
		t.Fatal("rebinding the same source cleared the cache")
	}
	if err := f.engine.BindSource(mirror.ChatRef{ID: 101}); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if f.mappings.CacheSize() != 0 {
		t.Fatalf("cache size = %d, want 0", f.mappings.CacheSize())
	}
}

func TestCopyFromID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{history: messages(3, 4, 5, 6)}, &stubTopics{})
	bindBoth(t, f.engine)

	result, err := f.engine.Copy(context.Background(), 5, nil)
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if result.Copied != 2 || f.transport.historyMin[0] != 4 {
		t.Fatalf("result = %+v history min = %v", result, f.transport.historyMin)
	}
	if f.engine.Session().Active() {
		t.Fatal("copy turned mirroring on")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubTransport{history: messages(1, 2, 3)}, &stubTopics{})

	stats, err := f.engine.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Active || !stats.Source.IsZero() {
		t.Fatalf("unbound stats = %+v", stats)
	}

	bindBoth(t, f.engine)
	if _, err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	stats, err = f.engine.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !stats.Active || stats.Source != testSource || stats.Mapping.StoredMappings != 3 || stats.Mapping.CacheSize != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}
