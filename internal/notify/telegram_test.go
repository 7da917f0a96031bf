package notify

import (
	"errors"
	"sort"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu    sync.Mutex
	sent  map[int64]string
	fails bool
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fails {
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	msg := c.(tgbotapi.MessageConfig)
	b.sent[msg.ChatID] = msg.Text
	return tgbotapi.Message{}, nil
}

func TestNotifySendsToEveryChat(t *testing.T) {
	bot := &fakeBot{sent: map[int64]string{}}
	n := newTelegramNotifier(bot, []int64{11, 22, 33})

	n.Notify("Mai returned 2 book(s), total fine 10000.00")
	n.Wait()

	require.Len(t, bot.sent, 3)
	for _, text := range bot.sent {
		assert.Equal(t, "Mai returned 2 book(s), total fine 10000.00", text)
	}
}

func TestNotifySwallowsFailures(t *testing.T) {
	bot := &fakeBot{sent: map[int64]string{}, fails: true}
	n := newTelegramNotifier(bot, []int64{11})

	assert.NotPanics(t, func() {
		n.Notify("hello")
		n.Wait()
	})
	assert.Empty(t, bot.sent)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *TelegramNotifier
	assert.NotPanics(t, func() {
		n.Notify("hello")
		n.Wait()
	})
}

func TestChatIDsFromEnv(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID_1", "1001")
	t.Setenv("TELEGRAM_CHAT_ID_2", "not-a-number")
	t.Setenv("TELEGRAM_CHAT_ID_3", "-1003")

	ids := ChatIDsFromEnv()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{-1003, 1001}, ids)
}

func TestFromEnvDisabledWithoutToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	assert.Nil(t, FromEnv())
}
