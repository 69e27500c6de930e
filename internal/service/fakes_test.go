package service_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"companion-server/internal/model"
	"companion-server/pkg/ai"
)

// --- Фейковые репозитории в памяти --- //

type fakeCharacterRepo struct {
	mu         sync.Mutex
	characters map[string]model.Character
	order      []string
	saveErr    error
	saveCalls  int
}

func newFakeCharacterRepo(characters ...model.Character) *fakeCharacterRepo {
	repo := &fakeCharacterRepo{characters: make(map[string]model.Character)}
	for _, c := range characters {
		repo.characters[c.ID] = c
		repo.order = append(repo.order, c.ID)
	}
	return repo
}

func (r *fakeCharacterRepo) List(ctx context.Context) ([]model.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Character, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.characters[id])
	}
	return out, nil
}

func (r *fakeCharacterRepo) GetByID(ctx context.Context, id string) (model.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	character, ok := r.characters[id]
	if !ok {
		return model.Character{}, model.ErrNotFound
	}
	return character, nil
}

func (r *fakeCharacterRepo) Save(ctx context.Context, character model.Character) (model.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveErr != nil {
		return model.Character{}, r.saveErr
	}
	if _, ok := r.characters[character.ID]; !ok {
		r.order = append(r.order, character.ID)
	}
	r.characters[character.ID] = character
	return character, nil
}

func (r *fakeCharacterRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.characters[id]; !ok {
		return model.ErrNotFound
	}
	delete(r.characters, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

type fakeChatRepo struct {
	mu        sync.Mutex
	histories map[string][]model.Message
	saveErr   error
	saveCalls int
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{histories: make(map[string][]model.Message)}
}

func (r *fakeChatRepo) Get(ctx context.Context, characterID string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	messages, ok := r.histories[characterID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := make([]model.Message, len(messages))
	copy(out, messages)
	return out, nil
}

func (r *fakeChatRepo) Save(ctx context.Context, characterID string, messages []model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveErr != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, r.saveErr)
	}
	stored := make([]model.Message, len(messages))
	copy(stored, messages)
	r.histories[characterID] = stored
	return nil
}

func (r *fakeChatRepo) Delete(ctx context.Context, characterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.histories, characterID)
	return nil
}

type fakeSettingsRepo struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{values: make(map[string]string)}
}

func (r *fakeSettingsRepo) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.values[key]
	if !ok {
		return "", model.ErrNotFound
	}
	return value, nil
}

func (r *fakeSettingsRepo) Set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

func (r *fakeSettingsRepo) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, key)
	return nil
}

func (r *fakeSettingsRepo) All(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out, nil
}

// --- Мок клиента модели --- //

type mockModelClient struct {
	mock.Mock
}

func (m *mockModelClient) CreateContext(systemInstruction string, history []model.Message) *ai.Context {
	args := m.Called(systemInstruction, history)
	return args.Get(0).(*ai.Context)
}

func (m *mockModelClient) SendTurn(ctx context.Context, conv *ai.Context, userText string) (string, error) {
	args := m.Called(ctx, conv, userText)
	return args.String(0), args.Error(1)
}
