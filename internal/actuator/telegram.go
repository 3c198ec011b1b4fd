package actuator

import (
	"context"
	"fmt"
	"log"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements Actuator against the Telegram Bot API.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram wraps an authorized bot client.
func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, int(messageID))); err != nil {
		return fmt.Errorf("actuator: delete message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

func toChatPermissions(perms PermissionSet) *tgbotapi.ChatPermissions {
	return &tgbotapi.ChatPermissions{
		CanSendMessages:       perms.SendMessages,
		CanSendMediaMessages:  perms.SendMedia,
		CanSendPolls:          perms.SendOther,
		CanSendOtherMessages:  perms.SendOther,
		CanAddWebPagePreviews: perms.AddLinks,
	}
}

func (t *Telegram) Restrict(ctx context.Context, chatID, userID int64, perms PermissionSet, until time.Time) error {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		Permissions:      toChatPermissions(perms),
	}
	if !until.IsZero() {
		cfg.UntilDate = until.Unix()
	}
	if _, err := t.bot.Request(cfg); err != nil {
		return fmt.Errorf("actuator: restrict user %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

func (t *Telegram) Unrestrict(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       true,
			CanSendMediaMessages:  true,
			CanSendPolls:          true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
		},
	}
	if _, err := t.bot.Request(cfg); err != nil {
		return fmt.Errorf("actuator: unrestrict user %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

// Kick bans and immediately unbans, which removes the member while
// leaving re-entry open.
func (t *Telegram) Kick(ctx context.Context, chatID, userID int64) error {
	ban := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
	}
	if _, err := t.bot.Request(ban); err != nil {
		return fmt.Errorf("actuator: kick user %d in chat %d: %w", userID, chatID, err)
	}
	unban := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		OnlyIfBanned:     true,
	}
	if _, err := t.bot.Request(unban); err != nil {
		// The member is already out; failing to lift the ban only
		// blocks their return.
		log.Printf("[actuator] unban after kick user=%d chat=%d: %v", userID, chatID, err)
	}
	return nil
}

func (t *Telegram) Ban(ctx context.Context, chatID, userID int64) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
	}
	if _, err := t.bot.Request(cfg); err != nil {
		return fmt.Errorf("actuator: ban user %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("actuator: send to chat %d: %w", chatID, err)
	}
	return int64(sent.MessageID), nil
}

func (t *Telegram) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, int(messageID), text)
	if _, err := t.bot.Request(edit); err != nil {
		return fmt.Errorf("actuator: edit message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

// Notify is best-effort per target: one unreachable admin chat must
// not hide the report from the rest.
func (t *Telegram) Notify(ctx context.Context, targets []int64, report string) error {
	var firstErr error
	for _, target := range targets {
		msg := tgbotapi.NewMessage(target, report)
		msg.DisableWebPagePreview = true
		if _, err := t.bot.Send(msg); err != nil {
			log.Printf("[actuator] notify chat %d: %v", target, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("actuator: notify chat %d: %w", target, err)
			}
		}
	}
	return firstErr
}
