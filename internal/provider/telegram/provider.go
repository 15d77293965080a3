// Package telegram implements the messaging provider on top of a Telegram bot
// account.
//
// Recipients are addressed by their numeric Telegram id; a phone-shaped
// identifier is reduced to its digits first. Bots cannot add users to a group
// directly, so AddParticipant lifts any ban and delivers a single-use invite
// link to the user's private chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

var (
	ErrUnsupported = errors.New("telegram: unsupported operation")
	ErrBadChatID   = errors.New("telegram: chat id is not numeric")
)

// API is the subset of *tele.Bot the provider uses.
type API interface {
	ChatByID(id int64) (*tele.Chat, error)
	ChatMemberOf(chat, user tele.Recipient) (*tele.ChatMember, error)
	Unban(chat *tele.Chat, user *tele.User, forBanned ...bool) error
	CreateInviteLink(chat tele.Recipient, link *tele.ChatInviteLink) (*tele.ChatInviteLink, error)
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Notify(to tele.Recipient, action tele.ChatAction, threadID ...int) error
}

type Config struct {
	Groups   []model.Group
	Contacts []model.Contact
	// InviteTTL bounds the lifetime of invite links; 0 means 24h.
	InviteTTL time.Duration
	Now       func() time.Time
}

type Provider struct {
	api API
	cfg Config
	log logx.Logger

	throttled atomic.Bool
	connected atomic.Bool
}

func New(api API, cfg Config, log logx.Logger) *Provider {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Provider{api: api, cfg: cfg, log: log}
	p.connected.Store(api != nil)
	return p
}

func (p *Provider) ListGroups(ctx context.Context) ([]model.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]model.Group(nil), p.cfg.Groups...), nil
}

func (p *Provider) ListContacts(ctx context.Context) ([]model.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]model.Contact(nil), p.cfg.Contacts...), nil
}

func (p *Provider) CheckNumberExists(ctx context.Context, phone string) (bool, error) {
	id, err := parseChatID(phone)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err = p.api.ChatByID(id)
	if err == nil {
		p.observe(nil)
		return true, nil
	}
	if isNotFound(err) {
		p.observe(nil)
		return false, nil
	}
	p.observe(err)
	return false, err
}

func (p *Provider) IsGroupParticipant(ctx context.Context, groupID, phone string) (bool, error) {
	gid, err := parseChatID(groupID)
	if err != nil {
		return false, err
	}
	uid, err := parseChatID(phone)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m, err := p.api.ChatMemberOf(tele.ChatID(gid), tele.ChatID(uid))
	if err != nil {
		if isNotFound(err) {
			p.observe(nil)
			return false, nil
		}
		p.observe(err)
		return false, err
	}
	p.observe(nil)
	return isMember(m), nil
}

func isMember(m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Left, tele.Kicked, "":
		return false
	}
	return true
}

func (p *Provider) AddParticipant(ctx context.Context, groupID, phone string) error {
	gid, err := parseChatID(groupID)
	if err != nil {
		return err
	}
	uid, err := parseChatID(phone)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: gid}
	// Only lifts an existing ban; a plain unban would kick current members.
	if err := p.api.Unban(chat, &tele.User{ID: uid}, true); err != nil && !isNotFound(err) {
		p.observe(err)
		return fmt.Errorf("unban: %w", err)
	}
	link, err := p.api.CreateInviteLink(chat, &tele.ChatInviteLink{
		MemberLimit:    1,
		ExpireUnixtime: p.cfg.Now().Add(p.cfg.InviteTTL).Unix(),
	})
	if err != nil {
		p.observe(err)
		return fmt.Errorf("invite link: %w", err)
	}
	if _, err := p.api.Send(tele.ChatID(uid), inviteText(p.groupName(groupID), link.InviteLink)); err != nil {
		p.observe(err)
		return fmt.Errorf("deliver invite: %w", err)
	}
	p.observe(nil)
	return nil
}

func inviteText(group, link string) string {
	if group == "" {
		return "You have been invited to join a group: " + link
	}
	return "You have been invited to join " + group + ": " + link
}

func (p *Provider) groupName(id string) string {
	for _, g := range p.cfg.Groups {
		if g.ID == id {
			return g.Name
		}
	}
	return ""
}

func (p *Provider) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = p.api.Send(tele.ChatID(id), text)
	p.observe(err)
	return err
}

func (p *Provider) SendMedia(ctx context.Context, chatID string, m model.Media, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	what, err := mediaPayload(m, caption)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = p.api.Send(tele.ChatID(id), what)
	p.observe(err)
	return err
}

// mediaPayload decodes base64 content (optionally a data URL) into the
// telebot type for its class.
func mediaPayload(m model.Media, caption string) (tele.Sendable, error) {
	raw := m.Base64
	if i := strings.Index(raw, ","); i >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	file := tele.FromReader(bytes.NewReader(data))
	switch m.MimeClass {
	case "image":
		return &tele.Photo{File: file, Caption: caption}, nil
	case "video":
		return &tele.Video{File: file, Caption: caption, FileName: m.FileName}, nil
	case "audio":
		return &tele.Audio{File: file, Caption: caption, FileName: m.FileName}, nil
	case "document":
		return &tele.Document{File: file, Caption: caption, FileName: m.FileName}, nil
	default:
		return nil, fmt.Errorf("%w: media class %q", ErrUnsupported, m.MimeClass)
	}
}

// MarkRead is a no-op: bots have no read receipts.
func (p *Provider) MarkRead(context.Context, string) error { return nil }

func (p *Provider) SetTypingPresence(ctx context.Context, chatID string, pr model.Presence) error {
	if pr != model.PresenceComposing {
		// The typing indicator expires on its own.
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err = p.api.Notify(tele.ChatID(id), tele.Typing)
	p.observe(err)
	return err
}

func (p *Provider) DetectThrottling() bool { return p.throttled.Swap(false) }

func (p *Provider) Connected() bool { return p.connected.Load() }

func (p *Provider) observe(err error) {
	if err == nil {
		p.connected.Store(true)
		return
	}
	if IsFlood(err) {
		p.throttled.Store(true)
		p.log.Warn("rate limited by telegram", logx.Err(err))
	}
	var ne net.Error
	if errors.As(err, &ne) {
		p.connected.Store(false)
	}
}

// IsFlood reports whether err is Telegram's "too many requests" response.
func IsFlood(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "retry after") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "(429)")
}

func isNotFound(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "chat not found") ||
		strings.Contains(s, "user not found") ||
		strings.Contains(s, "participant_id_invalid")
}

func parseChatID(s string) (int64, error) {
	t := strings.TrimSpace(s)
	neg := strings.HasPrefix(t, "-")
	d := model.Digits(t)
	if d == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadChatID, s)
	}
	id, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadChatID, s)
	}
	if neg {
		id = -id
	}
	return id, nil
}
