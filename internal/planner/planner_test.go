package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taskengine/internal/domain/task"
	"taskengine/internal/textgen"
)

type fakeStore struct {
	tasks        map[int64]*task.Task
	insertedTmpl []task.SubtaskTemplate
	plannerRes   *task.PlannerResult
	lastStatus   task.Status
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[int64]*task.Task{}, nextID: 100}
}

func (f *fakeStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, task.ErrConcurrentTransition
}

func (f *fakeStore) InsertSubtasks(_ context.Context, parentID int64, templates []task.SubtaskTemplate) ([]int64, error) {
	f.insertedTmpl = templates
	ids := make([]int64, len(templates))
	for i := range templates {
		f.nextID++
		ids[i] = f.nextID
	}
	return ids, nil
}

func (f *fakeStore) InsertPlannerResult(_ context.Context, r task.PlannerResult) (*task.PlannerResult, error) {
	f.plannerRes = &r
	return &r, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, id int64, expected, newStatus task.Status, opts ...task.TransitionOption) error {
	f.lastStatus = newStatus
	return nil
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(_ context.Context, _ textgen.Request) (textgen.Response, error) {
	if f.err != nil {
		return textgen.Response{}, f.err
	}
	return textgen.Response{Response: f.response}, nil
}

type fakeIndex struct {
	hits []SimilarTask
	err  error
}

func (f *fakeIndex) FindSimilar(_ context.Context, _ string, _ int) ([]SimilarTask, error) {
	return f.hits, f.err
}

func TestExpand_ParsesBareArrayAndInsertsSubtasks(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{response: `[{"kind":"shell","description":"list files"},{"kind":"code","description":"write script"}]`}
	e := New(store, llm, nil, "planner-model", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "organize the archive"}})

	require.True(t, result.Success)
	require.Len(t, result.SubtaskIDs, 2)
	require.Len(t, store.insertedTmpl, 2)
	require.Equal(t, task.KindShell, store.insertedTmpl[0].Kind)
	require.Equal(t, task.StatusCompleted, store.lastStatus)
	require.NotNil(t, store.plannerRes)
	require.Equal(t, 2, store.plannerRes.SubtaskCount)
}

func TestExpand_ParsesFencedEnvelope(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{response: "```json\n{\"subtasks\":[{\"kind\":\"tool\",\"description\":\"run tool\"}]}\n```"}
	e := New(store, llm, nil, "planner-model", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "goal"}})

	require.True(t, result.Success)
	require.Len(t, result.SubtaskIDs, 1)
}

func TestExpand_EmptyGoalFailsWithNoSideEffects(t *testing.T) {
	store := newFakeStore()
	e := New(store, &fakeLLM{}, nil, "m", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1})

	require.False(t, result.Success)
	require.Empty(t, store.insertedTmpl)
}

func TestExpand_LLMFailurePropagatesAsError(t *testing.T) {
	store := newFakeStore()
	e := New(store, &fakeLLM{err: errBoom}, nil, "m", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "goal"}})

	require.False(t, result.Success)
	require.Contains(t, result.Error, "planner LLM call failed")
	require.Empty(t, store.insertedTmpl)
}

func TestExpand_MalformedResponseFailsWithNoSideEffects(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{response: "not json at all"}
	e := New(store, llm, nil, "m", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "goal"}})

	require.False(t, result.Success)
	require.Contains(t, result.Error, "parse failure")
	require.Empty(t, store.insertedTmpl)
}

func TestExpand_UnknownKindFailsWithNoSideEffects(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{response: `[{"kind":"not_a_real_kind","description":"x"}]`}
	e := New(store, llm, nil, "m", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "goal"}})

	require.False(t, result.Success)
	require.Contains(t, result.Error, "unknown kind")
	require.Empty(t, store.insertedTmpl)
}

func TestExpand_UsesSimilarTaskContextWhenIndexAvailable(t *testing.T) {
	store := newFakeStore()
	store.tasks[50] = &task.Task{ID: 50, Payload: task.Payload{Description: "prior similar work"}}
	llm := &fakeLLM{response: `[{"kind":"shell","description":"x"}]`}
	index := &fakeIndex{hits: []SimilarTask{{TaskID: 50, Similarity: 0.9}}}
	e := New(store, llm, index, "m", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "goal"}})

	require.True(t, result.Success)
	require.Equal(t, []int64{50}, store.plannerRes.ContextTaskIDs)
}

func TestExpand_IndexFailureDegradesGracefully(t *testing.T) {
	store := newFakeStore()
	llm := &fakeLLM{response: `[{"kind":"shell","description":"x"}]`}
	index := &fakeIndex{err: errBoom}
	e := New(store, llm, index, "m", nil)

	result := e.Expand(context.Background(), &task.Task{ID: 1, Payload: task.Payload{Description: "goal"}})

	require.True(t, result.Success)
	require.Empty(t, store.plannerRes.ContextTaskIDs)
}

var errBoom = errShort("boom")

type errShort string

func (e errShort) Error() string { return string(e) }
