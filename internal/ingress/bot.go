// Package ingress is the Telegram-facing edge: it polls for updates,
// routes joins, leaves, challenge responses and ordinary messages into
// the engine, and handles the admin command surface for editing a
// chat's policy.
package ingress

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/groupguard/groupguard/internal/engine"
	"github.com/groupguard/groupguard/internal/rules"
)

// maxImageBytes caps the photo sizes fetched for OCR.
const maxImageBytes = 5 << 20

type Bot struct {
	api         *tgbotapi.BotAPI
	eng         *engine.Engine
	rules       rules.Store
	pollTimeout int
	fetchImages bool

	active sync.WaitGroup
}

func NewBot(api *tgbotapi.BotAPI, eng *engine.Engine, store rules.Store, pollTimeout int, fetchImages bool) *Bot {
	return &Bot{
		api:         api,
		eng:         eng,
		rules:       store,
		pollTimeout: pollTimeout,
		fetchImages: fetchImages,
	}
}

// Run polls for updates until the context is cancelled. Each update is
// handled in its own goroutine; shutdown waits briefly for in-flight
// handlers.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout

	updates := b.api.GetUpdatesChan(u)
	log.Printf("[ingress] polling as @%s", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()

			done := make(chan struct{})
			go func() {
				b.active.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(25 * time.Second):
				log.Printf("[ingress] shutdown with handlers still running")
			}
			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.active.Add(1)
			go func(upd tgbotapi.Update) {
				defer b.active.Done()
				hctx, cancel := context.WithTimeout(ctx, 60*time.Second)
				defer cancel()
				b.handleUpdate(hctx, upd)
			}(update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.Chat.IsPrivate() {
		return
	}
	chatID := msg.Chat.ID

	if len(msg.NewChatMembers) > 0 {
		for _, member := range msg.NewChatMembers {
			if member.IsBot {
				continue
			}
			b.eng.ProcessJoin(ctx, chatID, member.ID, displayName(&member))
		}
		return
	}
	if msg.LeftChatMember != nil {
		b.eng.ProcessLeave(ctx, chatID, msg.LeftChatMember.ID)
		return
	}
	if msg.From == nil {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	userID := msg.From.ID
	if b.eng.HasOutstandingChallenge(ctx, chatID, userID) {
		b.eng.ProcessChallengeResponse(ctx, chatID, userID, int64(msg.MessageID), msg.Text)
		return
	}

	em := engine.Message{
		ChatID:    chatID,
		UserID:    userID,
		MessageID: int64(msg.MessageID),
		ChatTitle: msg.Chat.Title,
		UserName:  displayName(msg.From),
		Text:      msg.Text,
		Caption:   msg.Caption,
	}
	if b.fetchImages && len(msg.Photo) > 0 {
		// Telegram orders photo sizes ascending; take the largest.
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		data, err := b.fetchPhoto(ctx, fileID)
		if err != nil {
			log.Printf("[ingress] fetch photo chat=%d msg=%d: %v", chatID, msg.MessageID, err)
		} else {
			em.ImageKey = fileID
			em.Image = data
		}
	}

	b.eng.ProcessMessage(ctx, em)
}

func (b *Bot) fetchPhoto(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("ingress: file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingress: request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingress: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingress: download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("ingress: read body: %w", err)
	}
	return data, nil
}

// isChatAdmin reports whether the user may edit the chat's policy.
func (b *Bot) isChatAdmin(chatID, userID int64) bool {
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: userID,
		},
	})
	if err != nil {
		log.Printf("[ingress] chat member chat=%d user=%d: %v", chatID, userID, err)
		return false
	}
	return member.IsCreator() || member.IsAdministrator()
}

func (b *Bot) reply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("[ingress] reply chat=%d: %v", chatID, err)
	}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}
