package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskdist/internal/completion"
	"taskdist/internal/models"
)

// memState is the whole persisted model. The file driver snapshots it as-is.
type memState struct {
	Templates   map[string]TemplateRecord          `json:"templates"`
	Gate        map[string]models.OccurrenceRecord `json:"gate"`
	Attempts    map[string]models.OccurrenceRecord `json:"attempts"`
	Cursors     map[string]models.CursorState      `json:"cursors"`
	Checkpoints map[string]time.Time               `json:"checkpoints"`
	Halts       map[string]Halt                    `json:"halts"`
	Groups      map[string]models.TaskGroup        `json:"groups"`
	Tasks       map[string]models.GeneratedTask    `json:"tasks"`
}

func newMemState() *memState {
	return &memState{
		Templates:   map[string]TemplateRecord{},
		Gate:        map[string]models.OccurrenceRecord{},
		Attempts:    map[string]models.OccurrenceRecord{},
		Cursors:     map[string]models.CursorState{},
		Checkpoints: map[string]time.Time{},
		Halts:       map[string]Halt{},
		Groups:      map[string]models.TaskGroup{},
		Tasks:       map[string]models.GeneratedTask{},
	}
}

// fill replaces nil maps after decoding an older or partial snapshot.
func (st *memState) fill() {
	fresh := newMemState()
	if st.Templates == nil {
		st.Templates = fresh.Templates
	}
	if st.Gate == nil {
		st.Gate = fresh.Gate
	}
	if st.Attempts == nil {
		st.Attempts = fresh.Attempts
	}
	if st.Cursors == nil {
		st.Cursors = fresh.Cursors
	}
	if st.Checkpoints == nil {
		st.Checkpoints = fresh.Checkpoints
	}
	if st.Halts == nil {
		st.Halts = fresh.Halts
	}
	if st.Groups == nil {
		st.Groups = fresh.Groups
	}
	if st.Tasks == nil {
		st.Tasks = fresh.Tasks
	}
}

// memStore keeps everything behind one mutex, which makes every mutation a
// serializable transaction.
type memStore struct {
	mu sync.Mutex
	st *memState

	now func() time.Time

	// persist, when set, is called after each mutation. A failure rolls the
	// mutation back.
	persist func(st *memState) error
	// onOutcome observes every record written through the gate.
	onOutcome func(rec models.OccurrenceRecord)
	closer    func() error
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return newMemStore(newMemState())
}

func newMemStore(st *memState) *memStore {
	st.fill()
	return &memStore{st: st, now: time.Now}
}

// mutate runs fn under the lock. fn must validate before it changes state so
// that an error leaves state untouched.
func (m *memStore) mutate(fn func(st *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var backup []byte
	if m.persist != nil {
		b, err := json.Marshal(m.st)
		if err != nil {
			return err
		}
		backup = b
	}
	if err := fn(m.st); err != nil {
		return err
	}
	if m.persist == nil {
		return nil
	}
	if err := m.persist(m.st); err != nil {
		restored := newMemState()
		if uerr := json.Unmarshal(backup, restored); uerr == nil {
			restored.fill()
			m.st = restored
		}
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (m *memStore) view(fn func(st *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *memStore) PutTemplate(_ context.Context, t models.Template) (models.Template, error) {
	if t.ID == "" {
		return models.Template{}, fmt.Errorf("template id required")
	}
	var out models.Template
	err := m.mutate(func(st *memState) error {
		if prev, ok := st.Templates[t.ID]; ok {
			t.Revision = prev.Revision + 1
		} else if t.Revision <= 0 {
			t.Revision = 1
		}
		t.UpdatedAt = m.now().UTC()
		rec, err := EncodeTemplate(t)
		if err != nil {
			return err
		}
		st.Templates[t.ID] = rec
		out, err = DecodeTemplate(rec)
		return err
	})
	return out, err
}

func (m *memStore) GetTemplate(_ context.Context, id string) (models.Template, error) {
	var out models.Template
	err := m.view(func(st *memState) error {
		rec, ok := st.Templates[id]
		if !ok {
			return fmt.Errorf("template %s: %w", id, models.ErrNotFound)
		}
		t, err := DecodeTemplate(rec)
		if err != nil {
			return err
		}
		out, err = cloneTemplate(t)
		return err
	})
	return out, err
}

func (m *memStore) ListTemplates(_ context.Context) ([]models.Template, error) {
	var out []models.Template
	err := m.view(func(st *memState) error {
		for _, rec := range st.Templates {
			t, err := DecodeTemplate(rec)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (m *memStore) SetNextRunAt(_ context.Context, templateID string, at *time.Time) error {
	return m.mutate(func(st *memState) error {
		rec, ok := st.Templates[templateID]
		if !ok {
			return fmt.Errorf("template %s: %w", templateID, models.ErrNotFound)
		}
		if at != nil {
			v := at.UTC()
			at = &v
		}
		rec.NextRunAt = at
		st.Templates[templateID] = rec
		return nil
	})
}

func (m *memStore) Emit(_ context.Context, e models.Emission) error {
	if err := validateEmission(e); err != nil {
		return err
	}
	key := e.Key.String()
	var rec models.OccurrenceRecord
	err := m.mutate(func(st *memState) error {
		if _, ok := st.Gate[key]; ok {
			return models.ErrDuplicateEmission
		}
		if e.Cursor != nil {
			cur := st.Cursors[e.Cursor.PairKey]
			if cur.Version != e.Cursor.Version {
				return models.ErrCursorConflict
			}
		}
		for _, t := range e.Tasks {
			if _, ok := st.Tasks[t.ID]; ok {
				return fmt.Errorf("task %s already exists", t.ID)
			}
		}

		if e.Cursor != nil {
			next := *e.Cursor
			next.Version++
			st.Cursors[next.PairKey] = next
		}
		if e.Group != nil {
			st.Groups[e.Group.ID] = cloneGroup(*e.Group)
		}
		for _, t := range e.Tasks {
			st.Tasks[t.ID] = t
		}
		prev := st.Attempts[key]
		rec = models.OccurrenceRecord{
			Key: e.Key, State: models.OccurrenceEmitted, RunAt: e.RunAt,
			Detail:   fmt.Sprintf("%d task(s)", len(e.Tasks)),
			Attempts: prev.Attempts + 1, At: m.now().UTC(),
		}
		st.Gate[key] = rec
		delete(st.Attempts, key)
		return nil
	})
	if err == nil && m.onOutcome != nil {
		m.onOutcome(rec)
	}
	return err
}

func (m *memStore) Resolve(_ context.Context, rec models.OccurrenceRecord) error {
	if err := validateResolution(rec); err != nil {
		return err
	}
	key := rec.Key.String()
	err := m.mutate(func(st *memState) error {
		if _, ok := st.Gate[key]; ok {
			return models.ErrDuplicateEmission
		}
		if rec.At.IsZero() {
			rec.At = m.now().UTC()
		}
		rec.Attempts += st.Attempts[key].Attempts
		st.Gate[key] = rec
		delete(st.Attempts, key)
		return nil
	})
	if err == nil && m.onOutcome != nil {
		m.onOutcome(rec)
	}
	return err
}

func (m *memStore) Outcome(_ context.Context, key models.EmissionKey) (models.OccurrenceRecord, bool, error) {
	var out models.OccurrenceRecord
	var ok bool
	err := m.view(func(st *memState) error {
		out, ok = st.Gate[key.String()]
		if ok {
			out = deriveCompleted(out, tasksOf(st, key))
		}
		return nil
	})
	return out, ok, err
}

func (m *memStore) RecordAttempt(_ context.Context, rec models.OccurrenceRecord) (int, error) {
	if rec.State.Terminal() {
		return 0, fmt.Errorf("terminal state %s must go through the gate", rec.State)
	}
	key := rec.Key.String()
	var n int
	err := m.mutate(func(st *memState) error {
		if _, ok := st.Gate[key]; ok {
			return models.ErrDuplicateEmission
		}
		prev := st.Attempts[key]
		rec.Attempts = prev.Attempts + 1
		if rec.At.IsZero() {
			rec.At = m.now().UTC()
		}
		st.Attempts[key] = rec
		n = rec.Attempts
		return nil
	})
	return n, err
}

func (m *memStore) ListOccurrences(_ context.Context, templateID string) ([]models.OccurrenceRecord, error) {
	var out []models.OccurrenceRecord
	err := m.view(func(st *memState) error {
		for _, rec := range st.Gate {
			if templateID == "" || rec.Key.TemplateID == templateID {
				out = append(out, deriveCompleted(rec, tasksOf(st, rec.Key)))
			}
		}
		for _, rec := range st.Attempts {
			if templateID == "" || rec.Key.TemplateID == templateID {
				out = append(out, rec)
			}
		}
		return nil
	})
	sortOccurrences(out)
	return out, err
}

func tasksOf(st *memState, key models.EmissionKey) []models.GeneratedTask {
	var out []models.GeneratedTask
	for _, t := range st.Tasks {
		if t.Key() == key {
			out = append(out, t)
		}
	}
	return out
}

func sortOccurrences(out []models.OccurrenceRecord) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
}

func (m *memStore) Cursor(_ context.Context, pairKey string) (models.CursorState, error) {
	var out models.CursorState
	err := m.view(func(st *memState) error {
		out = st.Cursors[pairKey]
		out.PairKey = pairKey
		return nil
	})
	return out, err
}

func (m *memStore) Checkpoint(_ context.Context, pairKey string) (time.Time, bool, error) {
	var at time.Time
	var ok bool
	err := m.view(func(st *memState) error {
		at, ok = st.Checkpoints[pairKey]
		return nil
	})
	return at, ok, err
}

func (m *memStore) SetCheckpoint(_ context.Context, pairKey string, at time.Time) error {
	return m.mutate(func(st *memState) error {
		// Checkpoints only move forward so a slow tick cannot rewind a fast one.
		if prev, ok := st.Checkpoints[pairKey]; ok && !at.After(prev) {
			return nil
		}
		st.Checkpoints[pairKey] = at.UTC()
		return nil
	})
}

func (m *memStore) PutHalt(_ context.Context, h Halt) error {
	return m.mutate(func(st *memState) error {
		if h.At.IsZero() {
			h.At = m.now().UTC()
		}
		st.Halts[h.PairKey] = h
		return nil
	})
}

func (m *memStore) GetHalt(_ context.Context, pairKey string) (Halt, bool, error) {
	var h Halt
	var ok bool
	err := m.view(func(st *memState) error {
		h, ok = st.Halts[pairKey]
		return nil
	})
	return h, ok, err
}

func (m *memStore) ClearHalt(_ context.Context, pairKey string) error {
	return m.mutate(func(st *memState) error {
		delete(st.Halts, pairKey)
		return nil
	})
}

func (m *memStore) ListHalts(_ context.Context) ([]Halt, error) {
	var out []Halt
	err := m.view(func(st *memState) error {
		for _, h := range st.Halts {
			out = append(out, h)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PairKey < out[j].PairKey })
	return out, err
}

func (m *memStore) PendingCounts(_ context.Context, userIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(userIDs))
	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = 0
		want[id] = true
	}
	err := m.view(func(st *memState) error {
		for _, t := range st.Tasks {
			if t.Status == models.StatusPending && want[t.AssigneeID] {
				out[t.AssigneeID]++
			}
		}
		return nil
	})
	return out, err
}

func (m *memStore) GetTask(_ context.Context, id string) (models.GeneratedTask, error) {
	var out models.GeneratedTask
	err := m.view(func(st *memState) error {
		t, ok := st.Tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		out = t
		return nil
	})
	return out, err
}

func (m *memStore) ListTasks(_ context.Context, f TaskFilter) ([]models.GeneratedTask, error) {
	var out []models.GeneratedTask
	err := m.view(func(st *memState) error {
		for _, t := range st.Tasks {
			if f.match(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	sortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, err
}

func sortTasks(out []models.GeneratedTask) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (m *memStore) GetGroup(_ context.Context, id string) (models.TaskGroup, error) {
	var out models.TaskGroup
	err := m.view(func(st *memState) error {
		g, ok := st.Groups[id]
		if !ok {
			return fmt.Errorf("group %s: %w", id, models.ErrNotFound)
		}
		out = cloneGroup(g)
		return nil
	})
	return out, err
}

func (m *memStore) CompleteTask(_ context.Context, taskID, userID string, at time.Time) (completion.Transition, error) {
	var tr completion.Transition
	err := m.mutate(func(st *memState) error {
		task, ok := st.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
		}
		var group *models.TaskGroup
		members := []models.GeneratedTask{task}
		if task.GroupID != "" {
			g, ok := st.Groups[task.GroupID]
			if !ok {
				return fmt.Errorf("group %s: %w", task.GroupID, models.ErrNotFound)
			}
			group = &g
			members = members[:0]
			for _, t := range st.Tasks {
				if t.GroupID == task.GroupID {
					members = append(members, t)
				}
			}
			sortTasks(members)
		}
		var err error
		tr, err = completion.Apply(group, members, taskID, userID, at.UTC())
		if err != nil || !tr.Changed {
			return err
		}
		if tr.Group != nil {
			st.Groups[tr.Group.ID] = cloneGroup(*tr.Group)
		}
		for _, t := range tr.Tasks {
			st.Tasks[t.ID] = t
		}
		return nil
	})
	return tr, err
}

func (m *memStore) Close() error {
	if m.closer != nil {
		return m.closer()
	}
	return nil
}
