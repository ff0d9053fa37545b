package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/set-night/shopbot/internal/botpool"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/ratelimit"
	"github.com/set-night/shopbot/internal/repository/memory"
	"github.com/set-night/shopbot/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []botpool.Message
}

func (r *recordingSender) Send(_ context.Context, msg botpool.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Text)
	}
	return out
}

type admins map[int64]bool

func (a admins) IsAdmin(id int64) bool { return a[id] }

func message(userID int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{
		Chat: models.Chat{ID: userID, Type: models.ChatTypePrivate},
		From: &models.User{ID: userID, FirstName: "Dana", Username: "dana"},
		Text: text,
	}}
}

func TestRateLimitRejectsBeforeHandler(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(3, time.Minute)
	sender := &recordingSender{}

	var handled int
	h := botpool.Chain(func(context.Context, botpool.Sender, *models.Update) { handled++ }, RateLimit(limiter))

	for i := 0; i < 4; i++ {
		h(context.Background(), sender, message(9, "/balance"))
	}

	assert.Equal(t, 3, handled)
	assert.Equal(t, []string{throttledText}, sender.texts())

	// Other users have their own window.
	h(context.Background(), sender, message(10, "/balance"))
	assert.Equal(t, 4, handled)
}

func TestRateLimitIgnoresNonMessages(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(1, time.Minute)
	var handled int
	h := RateLimit(limiter)(func(context.Context, botpool.Sender, *models.Update) { handled++ })

	for i := 0; i < 3; i++ {
		h(context.Background(), &recordingSender{}, &models.Update{CallbackQuery: &models.CallbackQuery{From: models.User{ID: 1}}})
	}
	assert.Equal(t, 3, handled)
}

func TestAccountLoaderCreatesAndInjects(t *testing.T) {
	store := memory.New()
	accounts := service.NewAccountService(store, nil)

	var loaded bool
	h := AccountLoader(accounts, admins{77: true})(func(ctx context.Context, _ botpool.Sender, _ *models.Update) {
		a := GetAccount(ctx)
		require.NotNil(t, a)
		assert.Equal(t, int64(77), a.ID)
		assert.True(t, a.IsStaff())
		loaded = true
	})

	h(context.Background(), &recordingSender{}, message(77, "/start"))
	assert.True(t, loaded)

	a, err := store.GetAccount(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, "dana", a.Username)
}

func TestAccountLoaderDropsBanned(t *testing.T) {
	store := memory.New()
	accounts := service.NewAccountService(store, nil)
	ctx := context.Background()

	h := AccountLoader(accounts, admins{})(func(context.Context, botpool.Sender, *models.Update) {
		t.Fatal("banned account reached the handler")
	})

	_, _, err := accounts.FindOrCreate(ctx, domain.AccountProfile{ID: 5}, false)
	require.NoError(t, err)
	require.NoError(t, accounts.Ban(ctx, 5, "spam"))

	sender := &recordingSender{}
	h(ctx, sender, message(5, "/deposit 10"))
	assert.Equal(t, []string{bannedText}, sender.texts())
}

func TestRecoverSwallowsPanics(t *testing.T) {
	h := botpool.Chain(func(context.Context, botpool.Sender, *models.Update) { panic("boom") }, Recover(), Logging())
	assert.NotPanics(t, func() { h(context.Background(), &recordingSender{}, message(1, "/x")) })
}

func TestGetAccountWithoutLoader(t *testing.T) {
	assert.Nil(t, GetAccount(context.Background()))
}
