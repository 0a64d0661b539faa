// Package telegram mirrors announcements into Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Radvylf/npsp2/internal/chat"
	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/telemetry"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Notifier sends announcements through one Telegram bot.
type Notifier struct {
	api   telegramAPI
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Notifier with the given bot token.
func New(token string, log *slog.Logger) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newNotifier(api, log), nil
}

func newNotifier(api telegramAPI, log *slog.Logger) *Notifier {
	return &Notifier{api: api, log: log.With("component", "telegram"), sleep: sleepContext}
}

// Run answers /start and /help so operators can learn a chat's id. It blocks
// until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			n.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			chatID := update.Message.Chat.ID
			switch update.Message.Command() {
			case "start", "help":
				n.reply(chatID, fmt.Sprintf(
					"This chat's id is %d. Add a room with server \"telegram\" and this id to receive announcements.", chatID))
			default:
				n.reply(chatID, "Unknown command. Use /help.")
			}
		}
	}
}

func (n *Notifier) reply(chatID int64, text string) {
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

// Room returns a poster for room, which must be a Telegram room.
func (n *Notifier) Room(room *model.Room) (*Poster, error) {
	if !room.IsTelegram() {
		return nil, fmt.Errorf("room %s is not a telegram chat", room.Name)
	}
	id, err := strconv.ParseInt(room.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("room %s: chat id %q: %w", room.Name, room.ID, err)
	}
	return &Poster{notifier: n, room: room.Name, chatID: id}, nil
}

// Poster delivers announcements to one Telegram chat. A rate-limited send is
// retried exactly once after the requested delay.
type Poster struct {
	notifier *Notifier
	room     string
	chatID   int64
}

// Post sends text with link previews disabled.
func (p *Poster) Post(ctx context.Context, text string) error {
	err := p.send(text)
	if err == nil {
		return nil
	}

	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) || tgErr.RetryAfter <= 0 {
		telemetry.RecordPostFailure(p.room)
		return fmt.Errorf("post to %s: %w: %w", p.room, chat.ErrDeliveryFailed, err)
	}

	telemetry.RecordCooldown(p.room)
	wait := time.Duration(tgErr.RetryAfter)*time.Second + chat.CooldownMargin
	p.notifier.log.Warn("rate limited, retrying once", "room", p.room, "wait", wait)
	if err := p.notifier.sleep(ctx, wait); err != nil {
		return err
	}
	if err := p.send(text); err != nil {
		telemetry.RecordPostFailure(p.room)
		return fmt.Errorf("post to %s after cooldown: %w: %w", p.room, chat.ErrDeliveryFailed, err)
	}
	return nil
}

func (p *Poster) send(text string) error {
	msg := tgbotapi.NewMessage(p.chatID, text)
	msg.DisableWebPagePreview = true
	_, err := p.notifier.api.Send(msg)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
