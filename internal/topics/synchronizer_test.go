package topics

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"tgmirror/pkg/mirror"
)

var (
	testSource = mirror.ChatRef{ID: 100, Title: "source"}
	testTarget = mirror.ChatRef{ID: 200, Title: "target"}
	testWorker = mirror.Worker{ID: 1, Name: "alpha"}
)

type stubTransport struct {
	forum     bool
	forumErr  error
	topics    []mirror.Topic
	listErr   error
	created   []mirror.CreateTopicRequest
	createIDs map[string]int
	createErr map[string]error
	lastLimit int
}

func (s *stubTransport) IsForum(context.Context, mirror.ChatRef) (bool, error) {
	return s.forum, s.forumErr
}

func (s *stubTransport) ListTopics(_ context.Context, _ mirror.ChatRef, limit int) ([]mirror.Topic, error) {
	s.lastLimit = limit
	return s.topics, s.listErr
}

func (s *stubTransport) CreateTopic(_ context.Context, request mirror.CreateTopicRequest) (int, error) {
	s.created = append(s.created, request)
	if err := s.createErr[request.Title]; err != nil {
		return 0, err
	}
	return s.createIDs[request.Title], nil
}

type memoryStore struct {
	mu      sync.Mutex
	rows    []mirror.TopicMapping
	saveErr error
	loadErr error
}

func (s *memoryStore) UpsertTopicMapping(_ context.Context, mapping mirror.TopicMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rows = append(s.rows, mapping)
	return nil
}

func (s *memoryStore) TopicMappings(_ context.Context, workerID, sourceChatID, targetChatID int64) ([]mirror.TopicMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var result []mirror.TopicMapping
	for _, row := range s.rows {
		if row.WorkerID == workerID && row.SourceChatID == sourceChatID && row.TargetChatID == targetChatID {
			result = append(result, row)
		}
	}
	return result, nil
}

func newTestSynchronizer(t *testing.T, transport Transport, store Store, options ...Option) *Synchronizer {
	t.Helper()

	synchronizer, err := New(transport, store, testWorker, options...)
	if err != nil {
		t.Fatalf("new synchronizer failed: %v", err)
	}

	return synchronizer
}

func TestNewRejectsNilDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, &memoryStore{}, testWorker); err == nil {
		t.Fatal("expected nil transport error")
	}
	if _, err := New(&stubTransport{}, nil, testWorker); err == nil {
		t.Fatal("expected nil store error")
	}
}

func TestIsForumChatTreatsErrorsAsFlat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		transport *stubTransport
		want      bool
	}{
		{name: "forum", transport: &stubTransport{forum: true}, want: true},
		{name: "flat", transport: &stubTransport{}, want: false},
		{
			name: "error",
			transport: &stubTransport{
				forum:    true,
				forumErr: &mirror.TransportError{Operation: mirror.OperationIsForum, Kind: mirror.TransportErrorKindForbidden},
			},
			want: false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			synchronizer := newTestSynchronizer(t, testCase.transport, &memoryStore{})
			if got := synchronizer.IsForumChat(context.Background(), testSource); got != testCase.want {
				t.Fatalf("is forum = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestListTopicsEmptyOnError(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{listErr: errors.New("boom"), topics: []mirror.Topic{{ID: 1, Title: "x"}}}
	synchronizer := newTestSynchronizer(t, transport, &memoryStore{})

	if got := synchronizer.ListTopics(context.Background(), testSource); len(got) != 0 {
		t.Fatalf("topics = %+v, want empty", got)
	}
	if transport.lastLimit != DefaultTopicLimit {
		t.Fatalf("limit = %d, want %d", transport.lastLimit, DefaultTopicLimit)
	}
}

func TestCreateCorrespondingTopicIconColor(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{createIDs: map[string]int{"News": 11, "Chat": 12}}
	synchronizer := newTestSynchronizer(t, transport, &memoryStore{})

	if _, ok := synchronizer.CreateCorrespondingTopic(context.Background(), testTarget, mirror.Topic{ID: 2, Title: "News"}); !ok {
		t.Fatal("expected create success")
	}
	if _, ok := synchronizer.CreateCorrespondingTopic(context.Background(), testTarget, mirror.Topic{ID: 3, Title: "Chat", IconColor: 0xFF93B2, IconEmojiID: 99}); !ok {
		t.Fatal("expected create success")
	}

	if transport.created[0].IconColor != DefaultIconColor {
		t.Fatalf("default icon color = %#x, want %#x", transport.created[0].IconColor, DefaultIconColor)
	}
	if transport.created[1].IconColor != 0xFF93B2 || transport.created[1].IconEmojiID != 99 {
		t.Fatalf("source icon not kept: %+v", transport.created[1])
	}
	if transport.created[0].Chat != testTarget {
		t.Fatalf("created in %+v, want target", transport.created[0].Chat)
	}
}

func TestCreateCorrespondingTopicWithoutIDFails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		transport *stubTransport
	}{
		{
			name:      "no id extracted",
			transport: &stubTransport{createIDs: map[string]int{}},
		},
		{
			name:      "explicit unavailable",
			transport: &stubTransport{createErr: map[string]error{"News": mirror.ErrTopicIDUnavailable}},
		},
		{
			name: "transport error",
			transport: &stubTransport{createErr: map[string]error{
				"News": &mirror.TransportError{Operation: mirror.OperationCreateTopic, Kind: mirror.TransportErrorKindForbidden},
			}},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			synchronizer := newTestSynchronizer(t, testCase.transport, &memoryStore{})
			id, ok := synchronizer.CreateCorrespondingTopic(context.Background(), testTarget, mirror.Topic{ID: 2, Title: "News"})
			if ok || id != 0 {
				t.Fatalf("create = (%d, %v), want (0, false)", id, ok)
			}
		})
	}
}

func TestSynchronizeContinuesPastFailures(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{
		topics: []mirror.Topic{
			{ID: 2, Title: "News"},
			{ID: 3, Title: "Broken"},
			{ID: 4, Title: "Chat"},
			{ID: 5, Title: "NoID"},
		},
		createIDs: map[string]int{"News": 21, "Chat": 41},
		createErr: map[string]error{"Broken": errors.New("boom")},
	}
	store := &memoryStore{}
	synchronizer := newTestSynchronizer(t, transport, store)

	got := synchronizer.Synchronize(context.Background(), testSource, testTarget)

	want := map[int]int{2: 21, 4: 41}
	if len(got) != len(want) {
		t.Fatalf("topic map = %v, want %v", got, want)
	}
	for source, target := range want {
		if got[source] != target {
			t.Fatalf("topic map = %v, want %v", got, want)
		}
	}
	if len(transport.created) != 4 {
		t.Fatalf("create calls = %d, want 4", len(transport.created))
	}
	if len(store.rows) != 2 {
		t.Fatalf("persisted rows = %d, want 2", len(store.rows))
	}
	if store.rows[0].Title != "News" || store.rows[0].WorkerID != testWorker.ID || store.rows[0].TargetChatID != testTarget.ID {
		t.Fatalf("persisted row = %+v", store.rows[0])
	}
}

func TestSynchronizeKeepsPairWhenPersistenceFails(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{
		topics:    []mirror.Topic{{ID: 2, Title: "News"}},
		createIDs: map[string]int{"News": 21},
	}
	synchronizer := newTestSynchronizer(t, transport, &memoryStore{saveErr: errors.New("disk full")})

	got := synchronizer.Synchronize(context.Background(), testSource, testTarget)
	if got[2] != 21 {
		t.Fatalf("topic map = %v, want 2->21", got)
	}
}

func TestSynchronizeWithoutTopics(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{}
	synchronizer := newTestSynchronizer(t, transport, &memoryStore{})

	got := synchronizer.Synchronize(context.Background(), testSource, testTarget)
	if got == nil || len(got) != 0 {
		t.Fatalf("topic map = %v, want empty non-nil", got)
	}
	if len(transport.created) != 0 {
		t.Fatalf("unexpected create calls: %d", len(transport.created))
	}
}

func TestLoadReadsPersistedPairs(t *testing.T) {
	t.Parallel()

	store := &memoryStore{rows: []mirror.TopicMapping{
		{WorkerID: testWorker.ID, SourceChatID: testSource.ID, TargetChatID: testTarget.ID, SourceTopicID: 2, TargetTopicID: 21},
		{WorkerID: testWorker.ID, SourceChatID: testSource.ID, TargetChatID: 999, SourceTopicID: 3, TargetTopicID: 31},
		{WorkerID: 2, SourceChatID: testSource.ID, TargetChatID: testTarget.ID, SourceTopicID: 4, TargetTopicID: 41},
	}}
	synchronizer := newTestSynchronizer(t, &stubTransport{}, store)

	got := synchronizer.Load(context.Background(), testSource, testTarget)
	if len(got) != 1 || got[2] != 21 {
		t.Fatalf("loaded = %v, want map[2:21]", got)
	}

	store.loadErr = errors.New("boom")
	if got := synchronizer.Load(context.Background(), testSource, testTarget); len(got) != 0 {
		t.Fatalf("loaded on error = %v, want empty", got)
	}
}

func TestSynchronizeLogsEachFailedTopicOnce(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{
		topics:    []mirror.Topic{{ID: 3, Title: "Broken"}, {ID: 4, Title: "Chat"}},
		createIDs: map[string]int{"Chat": 41},
		createErr: map[string]error{"Broken": errors.New("boom")},
	}
	var logs bytes.Buffer
	synchronizer := newTestSynchronizer(t, transport, &memoryStore{},
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)

	synchronizer.Synchronize(context.Background(), testSource, testTarget)

	if count := strings.Count(logs.String(), "topic creation failed"); count != 1 {
		t.Fatalf("failure records = %d, want 1\n%s", count, logs.String())
	}
	if !strings.Contains(logs.String(), "source_topic_id=3") {
		t.Fatalf("log output = %q, want the failed source topic id", logs.String())
	}
}
