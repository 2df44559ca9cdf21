package source

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
)

const telegramSourceName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramSource delivers group chat messages via long polling. User names
// are learned from the messages themselves; there is no separate lookup API
// for arbitrary users.
type TelegramSource struct {
	token      string
	allowFrom  []string
	enqueue    EnqueueFunc
	bot        TelegramBot
	botFactory BotFactory
	cancel     context.CancelFunc

	mu    sync.Mutex
	names map[string]string
}

func NewTelegramSource(cfg config.TelegramConfig, enqueue EnqueueFunc) (*TelegramSource, error) {
	return NewTelegramSourceWithFactory(cfg, enqueue, defaultBotFactory)
}

// NewTelegramSourceWithFactory creates a TelegramSource with a custom bot
// factory (for testing).
func NewTelegramSourceWithFactory(cfg config.TelegramConfig, enqueue EnqueueFunc, factory BotFactory) (*TelegramSource, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramSource{
		token:      cfg.Token,
		allowFrom:  cfg.AllowFrom,
		enqueue:    enqueue,
		botFactory: factory,
		names:      make(map[string]string),
	}, nil
}

func (t *TelegramSource) Name() string { return telegramSourceName }

func (t *TelegramSource) Start(ctx context.Context) error {
	bot, err := t.botFactory(t.token, http.DefaultClient)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				// Edited messages are skipped; the settle delay upstream
				// already absorbs the edit window for fresh messages.
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramSource) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.isAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	t.rememberName(senderID, msg.From)

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	t.enqueue(bus.ChatMessage{
		Channel:   chatID,
		UserID:    senderID,
		Text:      text,
		MessageID: chatID + "/" + strconv.Itoa(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0),
	})
}

func (t *TelegramSource) isAllowed(senderID string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, allowed := range t.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

func (t *TelegramSource) rememberName(senderID string, from *tgbotapi.User) {
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.UserName
	}
	if name == "" {
		return
	}
	t.mu.Lock()
	t.names[senderID] = name
	t.mu.Unlock()
}

func (t *TelegramSource) Resolve(_ context.Context, userID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name, ok := t.names[userID]; ok {
		return name, nil
	}
	return "", ErrUnknownUser
}

func (t *TelegramSource) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramSource) SetBot(bot TelegramBot) {
	t.bot = bot
}
