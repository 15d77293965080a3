package automation

import (
	"context"
	"time"

	"autoreach/internal/model"
)

// timedProvider bounds every provider call on its own, so waits between
// calls never eat into the budget of the next one.
type timedProvider struct {
	Provider
	d time.Duration
}

func withCallTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		return p
	}
	return &timedProvider{Provider: p, d: d}
}

func (p *timedProvider) CheckNumberExists(ctx context.Context, phone string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.CheckNumberExists(ctx, phone)
}

func (p *timedProvider) IsGroupParticipant(ctx context.Context, groupID, phone string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.IsGroupParticipant(ctx, groupID, phone)
}

func (p *timedProvider) AddParticipant(ctx context.Context, groupID, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.AddParticipant(ctx, groupID, phone)
}

func (p *timedProvider) SendText(ctx context.Context, chatID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.SendText(ctx, chatID, text)
}

func (p *timedProvider) SendMedia(ctx context.Context, chatID string, m model.Media, caption string) error {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.SendMedia(ctx, chatID, m, caption)
}

func (p *timedProvider) MarkRead(ctx context.Context, chatID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.MarkRead(ctx, chatID)
}

func (p *timedProvider) SetTypingPresence(ctx context.Context, chatID string, pr model.Presence) error {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	return p.Provider.SetTypingPresence(ctx, chatID, pr)
}
