package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

type fakeAPI struct {
	chats   map[int64]bool
	roles   map[int64]tele.MemberStatus
	sendErr error

	sent     []interface{}
	sentTo   []string
	unbanned []int64
	links    []*tele.ChatInviteLink
	notified []string
}

func (f *fakeAPI) ChatByID(id int64) (*tele.Chat, error) {
	if !f.chats[id] {
		return nil, errors.New("telegram: Bad Request: chat not found (400)")
	}
	return &tele.Chat{ID: id}, nil
}

func (f *fakeAPI) ChatMemberOf(_, user tele.Recipient) (*tele.ChatMember, error) {
	var id int64
	fmt.Sscan(user.Recipient(), &id)
	role, ok := f.roles[id]
	if !ok {
		return nil, errors.New("telegram: Bad Request: user not found (400)")
	}
	return &tele.ChatMember{Role: role}, nil
}

func (f *fakeAPI) Unban(_ *tele.Chat, user *tele.User, _ ...bool) error {
	f.unbanned = append(f.unbanned, user.ID)
	return nil
}

func (f *fakeAPI) CreateInviteLink(_ tele.Recipient, link *tele.ChatInviteLink) (*tele.ChatInviteLink, error) {
	f.links = append(f.links, link)
	out := *link
	out.InviteLink = "https://t.me/+abc"
	return &out, nil
}

func (f *fakeAPI) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTo = append(f.sentTo, to.Recipient())
	f.sent = append(f.sent, what)
	return &tele.Message{ID: len(f.sent)}, nil
}

func (f *fakeAPI) Notify(to tele.Recipient, action tele.ChatAction, _ ...int) error {
	f.notified = append(f.notified, to.Recipient()+":"+string(action))
	return nil
}

func newTestProvider(api *fakeAPI) *Provider {
	now := time.Unix(1_700_000_000, 0)
	return New(api, Config{
		Groups: []model.Group{{ID: "-100500", Name: "Ops"}},
		Now:    func() time.Time { return now },
	}, logx.Nop())
}

func TestCheckNumberExists(t *testing.T) {
	t.Parallel()
	p := newTestProvider(&fakeAPI{chats: map[int64]bool{628111: true}})
	ctx := context.Background()

	ok, err := p.CheckNumberExists(ctx, "+62 8111")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.CheckNumberExists(ctx, "999")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.CheckNumberExists(ctx, "abc")
	assert.ErrorIs(t, err, ErrBadChatID)
}

func TestIsGroupParticipant(t *testing.T) {
	t.Parallel()
	p := newTestProvider(&fakeAPI{roles: map[int64]tele.MemberStatus{
		1: tele.Member,
		2: tele.Left,
		3: tele.Administrator,
	}})
	ctx := context.Background()
	for id, want := range map[string]bool{"1": true, "2": false, "3": true, "4": false} {
		got, err := p.IsGroupParticipant(ctx, "-100500", id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}

func TestAddParticipantSendsSingleUseInvite(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p := newTestProvider(api)

	require.NoError(t, p.AddParticipant(context.Background(), "-100500", "+42"))
	assert.Equal(t, []int64{42}, api.unbanned)
	require.Len(t, api.links, 1)
	assert.Equal(t, 1, api.links[0].MemberLimit)
	assert.Equal(t, int64(1_700_000_000+86400), api.links[0].ExpireUnixtime)
	require.Equal(t, []string{"42"}, api.sentTo)
	assert.Equal(t, "You have been invited to join Ops: https://t.me/+abc", api.sent[0])
}

func TestSendMediaKinds(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p := newTestProvider(api)
	ctx := context.Background()

	require.NoError(t, p.SendMedia(ctx, "7", model.Media{Base64: "data:image/png;base64,aGk=", MimeClass: "image"}, "cap"))
	require.NoError(t, p.SendMedia(ctx, "7", model.Media{Base64: "aGk=", MimeClass: "document", FileName: "a.txt"}, ""))
	require.Len(t, api.sent, 2)
	photo, ok := api.sent[0].(*tele.Photo)
	require.True(t, ok)
	assert.Equal(t, "cap", photo.Caption)
	doc, ok := api.sent[1].(*tele.Document)
	require.True(t, ok)
	assert.Equal(t, "a.txt", doc.FileName)

	err := p.SendMedia(ctx, "7", model.Media{Base64: "aGk=", MimeClass: "sticker"}, "")
	assert.ErrorIs(t, err, ErrUnsupported)
	err = p.SendMedia(ctx, "7", model.Media{Base64: "%%%", MimeClass: "image"}, "")
	assert.Error(t, err)
}

func TestThrottlingIsReportedOnce(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{sendErr: errors.New("telegram: retry after 14 (429)")}
	p := newTestProvider(api)

	assert.False(t, p.DetectThrottling())
	require.Error(t, p.SendText(context.Background(), "7", "hi"))
	assert.True(t, p.DetectThrottling())
	assert.False(t, p.DetectThrottling())
}

func TestTypingPresence(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p := newTestProvider(api)
	ctx := context.Background()

	require.NoError(t, p.SetTypingPresence(ctx, "7", model.PresenceComposing))
	require.NoError(t, p.SetTypingPresence(ctx, "7", model.PresencePaused))
	assert.Equal(t, []string{"7:typing"}, api.notified)
	assert.NoError(t, p.MarkRead(ctx, "7"))
}

func TestParseChatID(t *testing.T) {
	t.Parallel()
	id, err := parseChatID("-1001234")
	require.NoError(t, err)
	assert.Equal(t, int64(-1001234), id)

	id, err = parseChatID("+62 811-22")
	require.NoError(t, err)
	assert.Equal(t, int64(6281122), id)
}
