package stockaudit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Store persists audit tasks. CreateTask fails with ErrTaskExists when the
// date already has a task.
type Store interface {
	CreateTask(ctx context.Context, task Task) (Task, error)
	TaskByDate(ctx context.Context, date string) (Task, error)
	Task(ctx context.Context, id int64) (Task, error)
	Tasks(ctx context.Context, limit int) ([]Task, error)
	Item(ctx context.Context, id int64) (Item, error)
	ItemByLine(ctx context.Context, lineID int64) (Item, error)
	AttachLine(ctx context.Context, itemID, lineID int64) error
	RecordResult(ctx context.Context, itemID int64, result Result) error
	// LastAudited returns the newest task date that sampled the position.
	LastAudited(ctx context.Context, productID, warehouseID int64) (time.Time, error)
}

// MemoryStore keeps tasks in process.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[int64]*Task
	byDate   map[string]int64
	itemTask map[int64]int64
	nextTask int64
	nextItem int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    map[int64]*Task{},
		byDate:   map[string]int64{},
		itemTask: map[int64]int64{},
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	s.mu.Lock()
	if _, ok := s.byDate[task.Date]; ok {
		s.mu.Unlock()
		return Task{}, ErrTaskExists
	}
	s.nextTask++
	task.ID = s.nextTask
	items := make([]Item, len(task.Items))
	for i, it := range task.Items {
		s.nextItem++
		it.ID = s.nextItem
		it.TaskID = task.ID
		items[i] = it
		s.itemTask[it.ID] = task.ID
	}
	task.Items = items
	stored := cloneTask(task)
	s.tasks[task.ID] = &stored
	s.byDate[task.Date] = task.ID
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.tasks, task.ID)
		delete(s.byDate, task.Date)
		for _, it := range task.Items {
			delete(s.itemTask, it.ID)
		}
	})
	return task, nil
}

func (s *MemoryStore) TaskByDate(_ context.Context, date string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDate[date]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(*s.tasks[id]), nil
}

func (s *MemoryStore) Task(_ context.Context, id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(*t), nil
}

func (s *MemoryStore) Tasks(_ context.Context, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(*t))
	}
	slices.SortFunc(out, func(a, b Task) int {
		switch {
		case a.Date > b.Date:
			return -1
		case a.Date < b.Date:
			return 1
		}
		return 0
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Item(_ context.Context, id int64) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.itemLocked(id)
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return cloneItem(*it), nil
}

func (s *MemoryStore) ItemByLine(_ context.Context, lineID int64) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		for _, it := range t.Items {
			if it.LineID == lineID {
				return cloneItem(it), nil
			}
		}
	}
	return Item{}, ErrItemNotFound
}

func (s *MemoryStore) AttachLine(ctx context.Context, itemID, lineID int64) error {
	return s.mutateItem(ctx, itemID, func(it *Item) error {
		if it.Status == ItemCounted {
			return ErrItemCounted
		}
		it.LineID = lineID
		it.Status = ItemCounting
		return nil
	})
}

func (s *MemoryStore) RecordResult(ctx context.Context, itemID int64, result Result) error {
	return s.mutateItem(ctx, itemID, func(it *Item) error {
		if it.Status == ItemCounted {
			return ErrItemCounted
		}
		measured, variance := result.Measured, result.Variance
		it.Measured = &measured
		it.Variance = &variance
		it.Flagged = result.Flagged
		it.CountedAt = result.CountedAt
		it.Status = ItemCounted
		return nil
	})
}

func (s *MemoryStore) LastAudited(_ context.Context, productID, warehouseID int64) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, t := range s.tasks {
		for _, it := range t.Items {
			if it.ProductID != productID || it.WarehouseID != warehouseID {
				continue
			}
			d, err := time.Parse(DateLayout, t.Date)
			if err != nil {
				continue
			}
			if d.After(last) {
				last = d
			}
		}
	}
	return last, nil
}

func (s *MemoryStore) mutateItem(ctx context.Context, itemID int64, fn func(*Item) error) error {
	s.mu.Lock()
	it, ok := s.itemLocked(itemID)
	if !ok {
		s.mu.Unlock()
		return ErrItemNotFound
	}
	prev := cloneItem(*it)
	if err := fn(it); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.itemLocked(itemID); ok {
			*cur = prev
		}
	})
	return nil
}

func (s *MemoryStore) itemLocked(id int64) (*Item, bool) {
	taskID, ok := s.itemTask[id]
	if !ok {
		return nil, false
	}
	t := s.tasks[taskID]
	for i := range t.Items {
		if t.Items[i].ID == id {
			return &t.Items[i], true
		}
	}
	return nil, false
}

func cloneTask(t Task) Task {
	items := make([]Item, len(t.Items))
	for i, it := range t.Items {
		items[i] = cloneItem(it)
	}
	t.Items = items
	return t
}

func cloneItem(it Item) Item {
	it.Flags = slices.Clone(it.Flags)
	if it.Measured != nil {
		m := *it.Measured
		it.Measured = &m
	}
	if it.Variance != nil {
		v := *it.Variance
		it.Variance = &v
	}
	return it
}
