package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/config"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.ErrorIs(t, Classify(fmt.Errorf("%w, Unauthorized", bot.ErrorUnauthorized)), domain.ErrCredentialRevoked)
	assert.ErrorIs(t, Classify(fmt.Errorf("%w, bot was blocked by the user", bot.ErrorForbidden)), domain.ErrRecipientUnreachable)
	assert.ErrorIs(t, Classify(fmt.Errorf("%w, chat not found", bot.ErrorBadRequest)), domain.ErrRecipientUnreachable)
	assert.ErrorIs(t, Classify(errors.New("dial tcp: i/o timeout")), domain.ErrConnection)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	parts := SplitMessage(text, 10)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 8)+"\n", parts[0])
	assert.Equal(t, strings.Repeat("b", 8), parts[1])

	parts = SplitMessage(strings.Repeat("я", 25), 10)
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("я", 5), parts[2])
}

func TestEscapeAndTruncate(t *testing.T) {
	assert.Equal(t, `my\_name\*`, EscapeMarkdown("my_name*"))
	assert.Equal(t, "abc", Truncate("abc", 10))
	got := Truncate(strings.Repeat("x", 100), 30)
	assert.Equal(t, 30, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "(truncated)"))
}

type recordingSender struct {
	mu       sync.Mutex
	msgs     []botpool.Message
	failMode models.ParseMode
}

func (r *recordingSender) Send(_ context.Context, msg botpool.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMode != "" && msg.ParseMode == r.failMode {
		return fmt.Errorf("%w: can't parse entities", domain.ErrRecipientUnreachable)
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestSendLongMessageFallsBackToPlainText(t *testing.T) {
	s := &recordingSender{failMode: models.ParseModeMarkdownV1}
	require.NoError(t, SendLongMessage(context.Background(), s, 5, "*broken", nil))
	require.Len(t, s.msgs, 1)
	assert.Equal(t, models.ParseMode(""), s.msgs[0].ParseMode)
}

func (r *recordingSender) snapshot() []botpool.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]botpool.Message(nil), r.msgs...)
}

func TestOperatorLogRoutesTopics(t *testing.T) {
	s := &recordingSender{}
	cfg := &config.Config{LogTelegramChatID: -100, LogTopicRejection: 7}
	l := NewOperatorLog(s, cfg)

	l.LogRejection(domain.PaymentEvent{ID: "e1", InvoiceID: "i1"}, domain.Outcome{Reason: domain.ReasonAmountMismatch})
	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	msg := s.snapshot()[0]
	assert.Equal(t, int64(-100), msg.ChatID)
	assert.Equal(t, 7, msg.ThreadID)
	assert.Contains(t, msg.Text, "amount-mismatch")

	NewOperatorLog(s, &config.Config{}).LogError(errors.New("x"), "ctx")
	assert.Never(t, func() bool { return len(s.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"no chat configured means no log")
}

func TestOperatorLogFallsBackToAdmins(t *testing.T) {
	s := &recordingSender{}
	l := NewOperatorLog(s, &config.Config{OwnerID: 1, AdminIDs: []int64{2, 1}})

	l.LogError(errors.New("x"), "ctx")
	l.LogReconciliation(domain.PaymentEvent{ID: "e1", InvoiceID: "i1"}, errors.New("invoice closed"))

	require.Eventually(t, func() bool { return len(s.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	var chats []int64
	for _, msg := range s.snapshot() {
		chats = append(chats, msg.ChatID)
		assert.Zero(t, msg.ThreadID)
		assert.Contains(t, msg.Text, "invoice closed", "only urgent logs reach admins")
	}
	assert.ElementsMatch(t, []int64{1, 2}, chats)
}

// blockingSender holds every send until released.
type blockingSender struct {
	release chan struct{}
	sent    chan botpool.Message
}

func (b *blockingSender) Send(_ context.Context, msg botpool.Message) error {
	<-b.release
	b.sent <- msg
	return nil
}

func TestOperatorLogDoesNotBlockCaller(t *testing.T) {
	s := &blockingSender{release: make(chan struct{}), sent: make(chan botpool.Message, 1)}
	l := NewOperatorLog(s, &config.Config{LogTelegramChatID: -100})

	returned := make(chan struct{})
	go func() {
		l.LogError(errors.New("x"), "ctx")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Log waited for a stalled send")
	}

	close(s.release)
	select {
	case msg := <-s.sent:
		assert.Equal(t, int64(-100), msg.ChatID)
	case <-time.After(time.Second):
		t.Fatal("log message never sent")
	}
}
