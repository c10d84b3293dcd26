package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("x", 3000) + "\n" + strings.Repeat("y", 3000)
	parts := splitTelegramText(s, telegramTextLimit)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("x", 3000), parts[0])
	assert.Equal(t, strings.Repeat("y", 3000), parts[1])
}

func TestSplitTelegramTextCountsRunes(t *testing.T) {
	s := strings.Repeat("界", 4001)
	parts := splitTelegramText(s, telegramTextLimit)
	require.Len(t, parts, 2)
	assert.Equal(t, 4000, len([]rune(parts[0])))
	assert.Equal(t, "界", parts[1])
}

func TestToInbound(t *testing.T) {
	m := &tele.Message{
		ID:     9,
		Text:   " /status ",
		Chat:   &tele.Chat{ID: 1001},
		Sender: &tele.User{ID: 55},
	}
	got := toInbound(m, 77)
	assert.Equal(t, "1001:9", got.ID)
	assert.Equal(t, "55", got.SenderID)
	assert.Equal(t, "1001", got.ChatID)
	assert.Equal(t, "/status", got.Text)
	assert.False(t, got.FromSelf)

	m.Sender = &tele.User{ID: 77, IsBot: true}
	got = toInbound(m, 77)
	assert.True(t, got.FromSelf)
	assert.True(t, got.FromBot)
}

func TestClassifyError(t *testing.T) {
	assert.True(t, im.IsAuthentication(classifyError(fmt.Errorf("getMe: %w", tele.ErrUnauthorized))))
	assert.True(t, im.IsAuthentication(classifyError(&tele.Error{Code: 401, Description: "Unauthorized"})))
	err := classifyError(errors.New("dial tcp: timeout"))
	assert.False(t, im.IsAuthentication(err))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(im.ProviderConfig{Provider: im.Telegram}, logx.Nop())
	var ce *im.ConfigurationError
	assert.True(t, errors.As(err, &ce))

	tr, err := New(im.ProviderConfig{Provider: im.Telegram, BotToken: "1:abc", Params: map[string]string{"poll_timeout": "25s"}}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "25s", tr.pollTimeout.String())
	assert.NoError(t, tr.Close(), "close without a run is a no-op")
}

func TestSendRejectsNonNumericUser(t *testing.T) {
	tr, err := New(im.ProviderConfig{Provider: im.Telegram, BotToken: "1:abc"}, logx.Nop())
	require.NoError(t, err)
	_, err = tr.Send(t.Context(), "alice", "hi")
	assert.Error(t, err)
}
