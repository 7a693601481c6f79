package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs deliveries instead of sending them. Used for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   []Delivery
	mu     sync.Mutex
}

// Delivery records one call to MockProvider.Send.
type Delivery struct {
	To      string
	Subject string
	Body    string
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the delivery and records it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Delivery{To: to, Subject: subject, Body: htmlBody})
	m.mu.Unlock()

	m.logger.Info("MOCK ALERT DELIVERY",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// Sent returns the deliveries recorded so far.
func (m *MockProvider) Sent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}
