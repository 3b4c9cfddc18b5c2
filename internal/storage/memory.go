package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipnote/shipnote-bot/internal/models"
)

// MemoryStore keeps every collection in process memory. Records are copied
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.Mutex
	activities map[string]*models.Activity
	keys       map[models.ActivityKey]string
	contents   map[string]*models.Content
	users      map[string]*models.User
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities: make(map[string]*models.Activity),
		keys:       make(map[models.ActivityKey]string),
		contents:   make(map[string]*models.Content),
		users:      make(map[string]*models.User),
	}
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("storage: clone: %v", err))
	}
	return out
}

func cloneUser(u *models.User) *models.User {
	// tokens are not serialized, so copy the struct directly
	c := *u
	return &c
}

func (m *MemoryStore) FindActivityByKey(ctx context.Context, key models.ActivityKey) (*models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.activities[id]), nil
}

func (m *MemoryStore) InsertActivity(ctx context.Context, activity *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := activity.Key()
	if _, exists := m.keys[key]; exists {
		return ErrDuplicate
	}
	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}
	if activity.Status == "" {
		activity.Status = models.ActivityPending
	}
	m.activities[activity.ID] = clone(activity)
	m.keys[key] = activity.ID
	return nil
}

func (m *MemoryStore) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Activity
	for _, a := range m.activities {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, a.Status) {
			continue
		}
		if filter.Repository != "" && !strings.EqualFold(a.Repository, filter.Repository) {
			continue
		}
		if !filter.Since.IsZero() && a.OccurredAt.Before(filter.Since) {
			continue
		}
		result = append(result, *clone(a))
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateActivityDetails(ctx context.Context, id, title, description string, metadata models.ActivityMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return ErrNotFound
	}
	a.Title = title
	a.Description = description
	a.Metadata = *clone(&metadata)
	return nil
}

func (m *MemoryStore) AdvanceActivity(ctx context.Context, id string, to models.ActivityStatus, at time.Time) (*models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.Status.CanAdvanceTo(to) {
		return clone(a), ErrStatusConflict
	}
	applyActivityStatus(a, to, at)
	return clone(a), nil
}

func (m *MemoryStore) RevertActivity(ctx context.Context, id string, at time.Time) (*models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Status = models.ActivityProcessed
	a.PublishedAt = nil
	if a.ProcessedAt == nil {
		a.ProcessedAt = &at
	}
	return clone(a), nil
}

// applyActivityStatus stamps the timestamp belonging to the new status
func applyActivityStatus(a *models.Activity, to models.ActivityStatus, at time.Time) {
	if a.Status == to {
		return
	}
	a.Status = to
	switch to {
	case models.ActivityProcessed:
		a.ProcessedAt = &at
	case models.ActivityPublished:
		if a.ProcessedAt == nil {
			a.ProcessedAt = &at
		}
		a.PublishedAt = &at
	}
}

func (m *MemoryStore) InsertContent(ctx context.Context, content *models.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if content.ID == "" {
		content.ID = uuid.New().String()
	}
	if _, exists := m.contents[content.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now()
	if content.CreatedAt.IsZero() {
		content.CreatedAt = now
	}
	content.UpdatedAt = content.CreatedAt
	if content.Status == "" {
		content.Status = models.ContentPending
	}
	m.contents[content.ID] = clone(content)
	return nil
}

func (m *MemoryStore) GetContent(ctx context.Context, id string) (*models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *MemoryStore) ListContents(ctx context.Context, filter ContentFilter) ([]models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Content
	for _, c := range m.contents {
		if filter.UserID != "" && c.UserID != filter.UserID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
			continue
		}
		if filter.ScheduledBefore != nil && (c.ScheduledFor == nil || c.ScheduledFor.After(*filter.ScheduledBefore)) {
			continue
		}
		if filter.PostedSince != nil && (c.PostedAt == nil || c.PostedAt.Before(*filter.PostedSince)) {
			continue
		}
		result = append(result, *clone(c))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateContent(ctx context.Context, id string, allowed []models.ContentStatus, mutate ContentMutation) (*models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.contents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(allowed) > 0 && !containsStatus(allowed, current.Status) {
		return clone(current), ErrStatusConflict
	}

	updated := clone(current)
	if err := mutate(updated); err != nil {
		return clone(current), err
	}
	if err := checkTransition(current.Status, updated.Status); err != nil {
		return clone(current), fmt.Errorf("transition %s -> %s: %w", current.Status, updated.Status, err)
	}
	updated.ID = current.ID
	updated.UpdatedAt = time.Now()
	m.contents[id] = updated
	return clone(updated), nil
}

func (m *MemoryStore) ContentsReferencing(ctx context.Context, activityID string) ([]models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Content
	for _, c := range m.contents {
		if c.HasActivity(activityID) {
			result = append(result, *clone(c))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) FindUserByGitHubLogin(ctx context.Context, login string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.GitHubLogin, login) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindUserByChatID(ctx context.Context, chatID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.ChatID != "" && u.ChatID == chatID {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, *cloneUser(u))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	m.users[user.ID] = cloneUser(user)
	return nil
}
