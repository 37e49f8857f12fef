// mocks.go
//
// Shared mock implementations of the api package's collaborators.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/chiroport/internal/captcha"
	"github.com/MGallo-Code/chiroport/internal/identity"
	"github.com/MGallo-Code/chiroport/internal/intake"
	"github.com/MGallo-Code/chiroport/internal/store"
	"github.com/MGallo-Code/chiroport/internal/waitwhile"
	"github.com/gofrs/uuid/v5"
)

// MockQueue implements api.QueueClient.
// Visits are keyed by id, like the provider. Use *Err fields to inject errors.
type MockQueue struct {
	SubmitErr   error
	GetVisitErr error

	// Result is returned by Submit; a default entry is built when nil.
	Result *intake.SubmitResult
	Visits map[string]*waitwhile.Visit

	mu        sync.Mutex
	Submitted []intake.Intake
}

// NewMockQueue returns a MockQueue seeded with the given visits.
func NewMockQueue(visits ...*waitwhile.Visit) *MockQueue {
	m := &MockQueue{Visits: make(map[string]*waitwhile.Visit)}
	for _, v := range visits {
		m.Visits[v.ID] = v
	}
	return m
}

func (m *MockQueue) Submit(_ context.Context, in intake.Intake) (*intake.SubmitResult, error) {
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, in)
	if m.Result != nil {
		res := *m.Result
		return &res, nil
	}
	return &intake.SubmitResult{
		QueueEntryID: "visit-1",
		PublicToken:  "public-1",
		QueueID:      in.LocationID,
		Status:       "WAITING",
		CreatedAt:    time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC),
	}, nil
}

func (m *MockQueue) GetVisit(_ context.Context, id string) (*waitwhile.Visit, error) {
	if m.GetVisitErr != nil {
		return nil, m.GetVisitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Visits[id]
	if !ok {
		return nil, waitwhile.ErrVisitNotFound
	}
	visit := *v
	return &visit, nil
}

// SubmitCount returns how many intakes reached Submit.
func (m *MockQueue) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}

// MockIdentity implements identity.Provider. Tokens maps bearer -> user id;
// unknown tokens return identity.ErrInvalidToken.
type MockIdentity struct {
	VerifyErr error
	Tokens    map[string]uuid.UUID
}

func (m *MockIdentity) Verify(_ context.Context, bearer string) (uuid.UUID, error) {
	if m.VerifyErr != nil {
		return uuid.Nil, m.VerifyErr
	}
	id, ok := m.Tokens[bearer]
	if !ok {
		return uuid.Nil, identity.ErrInvalidToken
	}
	return id, nil
}

// MockProfileStore implements api.ProfileStore. Roles maps user id -> role;
// missing users return store.ErrProfileNotFound.
type MockProfileStore struct {
	GetProfileRoleErr error
	CheckHealthErr    error
	Roles             map[uuid.UUID]string
}

func (m *MockProfileStore) GetProfileRole(_ context.Context, userID uuid.UUID) (string, error) {
	if m.GetProfileRoleErr != nil {
		return "", m.GetProfileRoleErr
	}
	role, ok := m.Roles[userID]
	if !ok {
		return "", store.ErrProfileNotFound
	}
	return role, nil
}

func (m *MockProfileStore) CheckHealth(_ context.Context) error {
	return m.CheckHealthErr
}

// MockHealthChecker implements api.HealthChecker.
type MockHealthChecker struct {
	CheckHealthErr error
}

func (m *MockHealthChecker) CheckHealth(_ context.Context) error {
	return m.CheckHealthErr
}

// MockEmbed implements api.EmbedSigner.
type MockEmbed struct {
	EmbedErr  error
	URL       string
	ExpiresAt time.Time
}

func (m *MockEmbed) EmbedURL() (string, time.Time, error) {
	if m.EmbedErr != nil {
		return "", time.Time{}, m.EmbedErr
	}
	return m.URL, m.ExpiresAt, nil
}

// MockCaptcha implements api.CaptchaVerifier. Tokens lists accepted responses.
type MockCaptcha struct {
	VerifyErr error
	Tokens    map[string]bool
}

func (m *MockCaptcha) Verify(_ context.Context, token, _ string) error {
	if m.VerifyErr != nil {
		return m.VerifyErr
	}
	if token == "" {
		return captcha.ErrMissingToken
	}
	if !m.Tokens[token] {
		return captcha.ErrRejected
	}
	return nil
}
