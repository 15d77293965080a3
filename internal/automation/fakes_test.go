package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autoreach/internal/eventbus"
	"autoreach/internal/model"
	"autoreach/internal/storage"
)

// testClock fires every wait immediately and advances virtual time by the
// requested duration.
type testClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// lagClock is a testClock whose waits also take lag of wall time.
type lagClock struct {
	*testClock
	lag time.Duration
}

func (c lagClock) After(d time.Duration) <-chan time.Time {
	time.Sleep(c.lag)
	return c.testClock.After(d)
}

func (c *testClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeProvider records calls and fails or blocks on demand.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []string
	missing  map[string]bool
	members  map[string]bool
	failAdd  map[string]error
	failSend map[string]error
	throttle []bool
	groups   []model.Group
	contacts []model.Contact

	// hold blocks the action for a phone/chat until the channel is closed.
	hold    map[string]chan struct{}
	entered chan string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		missing:  map[string]bool{},
		members:  map[string]bool{},
		failAdd:  map[string]error{},
		failSend: map[string]error{},
		hold:     map[string]chan struct{}{},
		entered:  make(chan string, 16),
	}
}

func (p *fakeProvider) record(format string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) called(call string) bool {
	for _, c := range p.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (p *fakeProvider) wait(key string) {
	p.mu.Lock()
	ch := p.hold[key]
	p.mu.Unlock()
	if ch == nil {
		return
	}
	p.entered <- key
	<-ch
}

func (p *fakeProvider) ListGroups(context.Context) ([]model.Group, error) {
	return p.groups, nil
}

func (p *fakeProvider) ListContacts(context.Context) ([]model.Contact, error) {
	return p.contacts, nil
}

func (p *fakeProvider) CheckNumberExists(_ context.Context, phone string) (bool, error) {
	p.record("check:%s", phone)
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.missing[phone], nil
}

func (p *fakeProvider) IsGroupParticipant(_ context.Context, groupID, phone string) (bool, error) {
	p.record("member:%s:%s", groupID, phone)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members[phone], nil
}

func (p *fakeProvider) AddParticipant(_ context.Context, groupID, phone string) error {
	p.wait(phone)
	p.record("add:%s:%s", groupID, phone)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failAdd[phone]
}

func (p *fakeProvider) SendText(ctx context.Context, chatID, text string) error {
	p.wait(chatID)
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("send:%s:%s", chatID, text)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failSend[chatID]
}

func (p *fakeProvider) SendMedia(_ context.Context, chatID string, m model.Media, caption string) error {
	p.record("media:%s:%s:%s", chatID, m.MimeClass, caption)
	return nil
}

func (p *fakeProvider) MarkRead(_ context.Context, chatID string) error {
	p.record("read:%s", chatID)
	return nil
}

func (p *fakeProvider) SetTypingPresence(_ context.Context, chatID string, pr model.Presence) error {
	p.record("typing:%s:%s", chatID, pr)
	return nil
}

func (p *fakeProvider) DetectThrottling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.throttle) == 0 {
		return false
	}
	v := p.throttle[0]
	p.throttle = p.throttle[1:]
	return v
}

type harness struct {
	eng   *Engine
	prov  *fakeProvider
	store storage.Store
	clock *testClock
	bus   eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := newTestClock()
	h := &harness{
		prov:  newFakeProvider(),
		store: storage.NewMemory(storage.Config{Now: clk.Now}),
		clock: clk,
		bus:   eventbus.New(),
	}
	h.eng = New(Deps{
		Provider: h.prov,
		Store:    h.store,
		Bus:      h.bus,
		Clock:    clk,
		Intn:     func(n int64) int64 { return n / 2 },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.eng.Close(ctx)
	})
	return h
}

func (h *harness) settings(t *testing.T, mut func(s *model.Settings)) {
	t.Helper()
	s := model.DefaultSettings()
	mut(&s)
	require.NoError(t, h.store.SaveSettings(context.Background(), s))
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Wait(ctx))
}

func (h *harness) waitState(t *testing.T, want model.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.eng.State().State == want },
		5*time.Second, 2*time.Millisecond, "state never became %s", want)
}

func (h *harness) budget(t *testing.T) int {
	t.Helper()
	b, err := h.store.GetActionBudget(context.Background())
	require.NoError(t, err)
	return b.Count
}

func (h *harness) logsContaining(t *testing.T, sub string) int {
	t.Helper()
	logs, err := h.store.Logs(context.Background(), 0)
	require.NoError(t, err)
	n := 0
	for _, e := range logs {
		if strings.Contains(e.Message, sub) {
			n++
		}
	}
	return n
}

var errSend = errors.New("send failed: chat not found")
