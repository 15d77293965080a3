// Package dryrun is a rehearsal provider: every action is logged and
// succeeds, and nothing reaches a platform.
package dryrun

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

type Config struct {
	// Latency is waited before every action.
	Latency time.Duration
	// ThrottleEvery raises the throttling signal after every N sends (0 = never).
	ThrottleEvery int

	Groups   []model.Group
	Contacts []model.Contact
	// Members are the participants already present, keyed by group id.
	Members map[string][]string
	// Unknown numbers report as not registered on the platform.
	Unknown []string
}

type Provider struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	members map[string]map[string]bool
	unknown map[string]bool

	sends     atomic.Int64
	throttled atomic.Bool
}

func New(cfg Config, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Provider{
		cfg:     cfg,
		log:     log,
		members: make(map[string]map[string]bool, len(cfg.Members)),
		unknown: make(map[string]bool, len(cfg.Unknown)),
	}
	for g, phones := range cfg.Members {
		set := make(map[string]bool, len(phones))
		for _, ph := range phones {
			set[model.Digits(ph)] = true
		}
		p.members[g] = set
	}
	for _, ph := range cfg.Unknown {
		p.unknown[model.Digits(ph)] = true
	}
	return p
}

func (p *Provider) wait(ctx context.Context) error {
	if p.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Provider) ListGroups(context.Context) ([]model.Group, error) {
	return append([]model.Group(nil), p.cfg.Groups...), nil
}

func (p *Provider) ListContacts(context.Context) ([]model.Contact, error) {
	return append([]model.Contact(nil), p.cfg.Contacts...), nil
}

func (p *Provider) CheckNumberExists(ctx context.Context, phone string) (bool, error) {
	if err := p.wait(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unknown[model.Digits(phone)], nil
}

func (p *Provider) IsGroupParticipant(ctx context.Context, groupID, phone string) (bool, error) {
	if err := p.wait(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[groupID][model.Digits(phone)], nil
}

func (p *Provider) AddParticipant(ctx context.Context, groupID, phone string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	set := p.members[groupID]
	if set == nil {
		set = map[string]bool{}
		p.members[groupID] = set
	}
	set[model.Digits(phone)] = true
	p.mu.Unlock()
	p.log.Info("dry run: add participant", logx.String("group", groupID), logx.Phone("phone", phone))
	return nil
}

func (p *Provider) SendText(ctx context.Context, chatID, text string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.log.Info("dry run: send text", logx.String("chat", chatID), logx.Int("len", len(text)))
	p.countSend()
	return nil
}

func (p *Provider) SendMedia(ctx context.Context, chatID string, m model.Media, caption string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.log.Info("dry run: send media",
		logx.String("chat", chatID),
		logx.String("class", m.MimeClass),
		logx.String("file", m.FileName),
		logx.Int("caption_len", len(caption)),
	)
	p.countSend()
	return nil
}

func (p *Provider) countSend() {
	n := p.sends.Add(1)
	if every := int64(p.cfg.ThrottleEvery); every > 0 && n%every == 0 {
		p.throttled.Store(true)
	}
}

func (p *Provider) MarkRead(_ context.Context, chatID string) error {
	p.log.Debug("dry run: mark read", logx.String("chat", chatID))
	return nil
}

func (p *Provider) SetTypingPresence(_ context.Context, chatID string, pr model.Presence) error {
	p.log.Debug("dry run: presence", logx.String("chat", chatID), logx.String("presence", string(pr)))
	return nil
}

func (p *Provider) DetectThrottling() bool { return p.throttled.Swap(false) }

func (p *Provider) Connected() bool { return true }
