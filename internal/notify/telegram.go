// Package notify sends short staff notifications to Telegram chats.
package notify

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

const maxChats = 3

// sender is the part of *tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier fans a message out to every configured chat. Sends run
// in the background.
type TelegramNotifier struct {
	bot     sender
	chatIDs []int64
	wg      sync.WaitGroup
}

func NewTelegramNotifier(botToken string, chatIDs []int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return newTelegramNotifier(bot, chatIDs), nil
}

func newTelegramNotifier(bot sender, chatIDs []int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs}
}

// Notify sends message to every chat without waiting for delivery.
func (tn *TelegramNotifier) Notify(message string) {
	if tn == nil || tn.bot == nil {
		return
	}

	for _, chatID := range tn.chatIDs {
		tn.wg.Add(1)
		go func(cid int64) {
			defer tn.wg.Done()
			if _, err := tn.bot.Send(tgbotapi.NewMessage(cid, message)); err != nil {
				log.Errorf("Failed to send telegram message to chat %d: %v", cid, err)
			}
		}(chatID)
	}
}

// Wait blocks until every pending send has finished.
func (tn *TelegramNotifier) Wait() {
	if tn == nil {
		return
	}
	tn.wg.Wait()
}

// ChatIDsFromEnv reads TELEGRAM_CHAT_ID_1..3, skipping unset and malformed values.
func ChatIDsFromEnv() []int64 {
	var chatIDs []int64
	for i := 1; i <= maxChats; i++ {
		chatIDStr := os.Getenv(fmt.Sprintf("TELEGRAM_CHAT_ID_%d", i))
		if chatIDStr == "" {
			continue
		}
		chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			log.Errorf("Invalid TELEGRAM_CHAT_ID_%d format: %v", i, err)
			continue
		}
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs
}

// FromEnv builds the notifier from TELEGRAM_BOT_TOKEN and the chat ids.
// It returns nil, with a warning, when notifications are not configured.
func FromEnv() *TelegramNotifier {
	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return nil
	}

	chatIDs := ChatIDsFromEnv()
	if len(chatIDs) == 0 {
		log.Warn("No valid telegram chat IDs found, notifications disabled")
		return nil
	}

	notifier, err := NewTelegramNotifier(botToken, chatIDs)
	if err != nil {
		log.Errorf("Failed to initialize Telegram notifier: %v", err)
		return nil
	}

	log.Infof("Telegram notifier initialized with %d chat IDs", len(chatIDs))
	return notifier
}
