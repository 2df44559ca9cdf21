package source

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
)

type enqueueRecorder struct {
	msgs []bus.ChatMessage
}

func (r *enqueueRecorder) fn() EnqueueFunc {
	return func(msg bus.ChatMessage) { r.msgs = append(r.msgs, msg) }
}

func TestNewTelegramSource_NoToken(t *testing.T) {
	rec := &enqueueRecorder{}
	_, err := NewTelegramSource(config.TelegramConfig{}, rec.fn())
	if err == nil {
		t.Error("expected error for missing token")
	}
}

func TestTelegramSource_HandleMessage(t *testing.T) {
	rec := &enqueueRecorder{}
	src, err := NewTelegramSource(config.TelegramConfig{Token: "fake-token"}, rec.fn())
	if err != nil {
		t.Fatalf("NewTelegramSource error: %v", err)
	}

	src.handleMessage(&tgbotapi.Message{
		MessageID: 42,
		From:      &tgbotapi.User{ID: 123, UserName: "testuser", FirstName: "Test", LastName: "User"},
		Chat:      &tgbotapi.Chat{ID: 456},
		Text:      "how do I deploy?",
		Date:      1234567890,
	})

	if len(rec.msgs) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(rec.msgs))
	}
	m := rec.msgs[0]
	if m.Channel != "456" || m.UserID != "123" || m.MessageID != "456/42" {
		t.Errorf("unexpected message identity: %+v", m)
	}
	if m.Text != "how do I deploy?" {
		t.Errorf("text = %q", m.Text)
	}
	if m.Timestamp.Unix() != 1234567890 {
		t.Errorf("timestamp = %v", m.Timestamp)
	}

	// The sender's name is now resolvable.
	name, err := src.Resolve(context.Background(), "123")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if name != "Test User" {
		t.Errorf("resolved name = %q, want Test User", name)
	}
}

func TestTelegramSource_HandleMessage_Rejected(t *testing.T) {
	rec := &enqueueRecorder{}
	src, _ := NewTelegramSource(config.TelegramConfig{
		Token:     "fake-token",
		AllowFrom: []string{"999"},
	}, rec.fn())

	src.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "hello",
	})

	if len(rec.msgs) != 0 {
		t.Error("should not enqueue message from rejected user")
	}
}

func TestTelegramSource_HandleMessage_Filtered(t *testing.T) {
	rec := &enqueueRecorder{}
	src, _ := NewTelegramSource(config.TelegramConfig{Token: "fake-token"}, rec.fn())

	// Empty text.
	src.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
	})
	// Bot sender.
	src.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 124, IsBot: true},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "beep",
	})
	// Missing sender.
	src.handleMessage(&tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "ghost",
	})

	if len(rec.msgs) != 0 {
		t.Errorf("filtered messages were enqueued: %+v", rec.msgs)
	}
}

func TestTelegramSource_CaptionFallback(t *testing.T) {
	rec := &enqueueRecorder{}
	src, _ := NewTelegramSource(config.TelegramConfig{Token: "fake-token"}, rec.fn())

	src.handleMessage(&tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat:      &tgbotapi.Chat{ID: 456},
		Caption:   "screenshot of the error",
	})

	if len(rec.msgs) != 1 || rec.msgs[0].Text != "screenshot of the error" {
		t.Errorf("caption not used as text: %+v", rec.msgs)
	}
}

func TestTelegramSource_ResolveUnknownUser(t *testing.T) {
	rec := &enqueueRecorder{}
	src, _ := NewTelegramSource(config.TelegramConfig{Token: "fake-token"}, rec.fn())

	if _, err := src.Resolve(context.Background(), "777"); err != ErrUnknownUser {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestTelegramSource_Stop_NotStarted(t *testing.T) {
	rec := &enqueueRecorder{}
	src, _ := NewTelegramSource(config.TelegramConfig{Token: "fake-token"}, rec.fn())
	if err := src.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}
