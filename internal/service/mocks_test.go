package service

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/labqc-server/internal/domain"
)

type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) EscalateCritical(ctx context.Context, result *domain.Result, criticalValues []domain.ReportedValue) error {
	args := m.Called(ctx, result, criticalValues)
	return args.Error(0)
}

func (m *MockNotificationService) NotifyQCRejection(ctx context.Context, run *domain.QCRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

type MockResultHoldService struct {
	mock.Mock
}

func (m *MockResultHoldService) HoldSince(ctx context.Context, run *domain.QCRun, since *time.Time) error {
	args := m.Called(ctx, run, since)
	return args.Error(0)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, event domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[domain.RunKey]*domain.LeveyJenningsData
	invalidated []domain.RunKey
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[domain.RunKey]*domain.LeveyJenningsData{}}
}

func (c *mapCache) Get(_ context.Context, key domain.RunKey) (*domain.LeveyJenningsData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[key]
	return d, ok
}

func (c *mapCache) Set(_ context.Context, key domain.RunKey, data *domain.LeveyJenningsData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, key domain.RunKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.invalidated = append(c.invalidated, key)
	return nil
}
