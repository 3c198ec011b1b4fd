package ingress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/groupguard/groupguard/internal/rules"
)

// errUnknownCommand marks commands outside the policy surface so the
// bot stays silent instead of replying to every slash command it sees.
var errUnknownCommand = errors.New("ingress: unknown command")

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	if !strings.HasPrefix(cmd, "gg_") {
		return
	}
	if !b.isChatAdmin(msg.Chat.ID, msg.From.ID) {
		b.reply(msg.Chat.ID, msg.MessageID, "Only chat administrators can change moderation settings.")
		return
	}

	reply, err := applyCommand(ctx, b.rules, msg.Chat.ID, cmd, msg.CommandArguments())
	if errors.Is(err, errUnknownCommand) {
		return
	}
	if err != nil {
		log.Printf("[ingress] command /%s chat=%d: %v", cmd, msg.Chat.ID, err)
		b.reply(msg.Chat.ID, msg.MessageID, "Error: "+err.Error())
		return
	}
	b.reply(msg.Chat.ID, msg.MessageID, reply)
}

// applyCommand executes one policy command against the store and
// returns the reply text. Pure with respect to the bot API, so the
// whole command surface is testable against an in-memory store.
func applyCommand(ctx context.Context, store rules.Store, chatID int64, cmd, args string) (string, error) {
	args = strings.TrimSpace(args)

	switch cmd {
	case "gg_status":
		rs, err := store.Get(ctx, chatID)
		if err != nil {
			return "", err
		}
		return renderStatus(rs), nil

	case "gg_addword":
		if args == "" {
			return "Usage: /gg_addword <keyword>", nil
		}
		var added bool
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			var err error
			added, err = rs.AddKeyword(args)
			return err
		})
		if err != nil {
			return "", err
		}
		if !added {
			return fmt.Sprintf("Keyword %q is already in the list.", args), nil
		}
		return fmt.Sprintf("Keyword %q added.", args), nil

	case "gg_delword":
		if args == "" {
			return "Usage: /gg_delword <keyword>", nil
		}
		var removed bool
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			removed = rs.RemoveKeyword(args)
			return nil
		})
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("Keyword %q was not in the list.", args), nil
		}
		return fmt.Sprintf("Keyword %q removed.", args), nil

	case "gg_listwords":
		rs, err := store.Get(ctx, chatID)
		if err != nil {
			return "", err
		}
		return renderList("Keywords", rs.Keywords), nil

	case "gg_addregex":
		if args == "" {
			return "Usage: /gg_addregex <pattern>", nil
		}
		var added bool
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			var err error
			added, err = rs.AddRegex(args)
			return err
		})
		if err != nil {
			return "", err
		}
		if !added {
			return fmt.Sprintf("Pattern %q is already in the list.", args), nil
		}
		return fmt.Sprintf("Pattern %q added.", args), nil

	case "gg_delregex":
		if args == "" {
			return "Usage: /gg_delregex <pattern>", nil
		}
		var removed bool
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			removed = rs.RemoveRegex(args)
			return nil
		})
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("Pattern %q was not in the list.", args), nil
		}
		return fmt.Sprintf("Pattern %q removed.", args), nil

	case "gg_listregex":
		rs, err := store.Get(ctx, chatID)
		if err != nil {
			return "", err
		}
		return renderList("Regex patterns", rs.RegexPatterns), nil

	case "gg_action":
		if args == "" {
			return "Usage: /gg_action <none|delete|mute|notify|delete_and_mute|delete_and_notify|mute_and_notify|delete_and_mute_and_notify>", nil
		}
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			return rs.SetAction(rules.Action(args))
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Action set to %s.", args), nil

	case "gg_mute":
		seconds, err := strconv.Atoi(args)
		if err != nil {
			return "Usage: /gg_mute <seconds>", nil
		}
		_, err = store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			return rs.SetMuteSeconds(seconds)
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Mute duration set to %ds.", seconds), nil

	case "gg_buffer":
		fields := strings.Fields(args)
		if len(fields) != 2 {
			return "Usage: /gg_buffer <seconds> <none|mute|restrict_media|restrict_links>", nil
		}
		seconds, err := strconv.Atoi(fields[0])
		if err != nil {
			return "Usage: /gg_buffer <seconds> <none|mute|restrict_media|restrict_links>", nil
		}
		_, err = store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			return rs.SetNewcomerBuffer(seconds, rules.BufferMode(fields[1]))
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Newcomer buffer set to %ds (%s).", seconds, fields[1]), nil

	case "gg_captcha":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return "Usage: /gg_captcha <on|off> [timeout_seconds]", nil
		}
		enabled, ok := parseOnOff(fields[0])
		if !ok {
			return "Usage: /gg_captcha <on|off> [timeout_seconds]", nil
		}
		timeout := 0
		if len(fields) > 1 {
			var err error
			timeout, err = strconv.Atoi(fields[1])
			if err != nil {
				return "Usage: /gg_captcha <on|off> [timeout_seconds]", nil
			}
		}
		rs, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			return rs.SetChallenge(enabled, timeout)
		})
		if err != nil {
			return "", err
		}
		if !enabled {
			return "Captcha disabled.", nil
		}
		return fmt.Sprintf("Captcha enabled, timeout %ds.", rs.ChallengeTimeoutSeconds), nil

	case "gg_flood":
		enabled, ok := parseOnOff(args)
		if !ok {
			return "Usage: /gg_flood <on|off>", nil
		}
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			rs.SetFloodDetection(enabled)
			return nil
		})
		if err != nil {
			return "", err
		}
		if enabled {
			return "Flood detection enabled.", nil
		}
		return "Flood detection disabled.", nil

	case "gg_strict":
		enabled, ok := parseOnOff(args)
		if !ok {
			return "Usage: /gg_strict <on|off>", nil
		}
		_, err := store.Mutate(ctx, chatID, func(rs *rules.RuleSet) error {
			rs.SetFirstMessageStrict(enabled)
			return nil
		})
		if err != nil {
			return "", err
		}
		if enabled {
			return "First-message strict mode enabled.", nil
		}
		return "First-message strict mode disabled.", nil
	}

	return "", errUnknownCommand
}

func parseOnOff(s string) (value, ok bool) {
	switch strings.ToLower(s) {
	case "on", "yes", "true", "1":
		return true, true
	case "off", "no", "false", "0":
		return false, true
	}
	return false, false
}

// renderList prints entries in their stored insertion order.
func renderList(title string, entries []string) string {
	if len(entries) == 0 {
		return title + ": none configured."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d):\n", title, len(entries))
	for i, e := range entries {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderStatus(rs rules.RuleSet) string {
	var sb strings.Builder
	sb.WriteString("Moderation settings:\n")
	fmt.Fprintf(&sb, "  keywords: %d\n", len(rs.Keywords))
	fmt.Fprintf(&sb, "  regex patterns: %d\n", len(rs.RegexPatterns))
	fmt.Fprintf(&sb, "  action: %s\n", rs.Action)
	fmt.Fprintf(&sb, "  mute: %ds\n", rs.MuteSeconds)
	fmt.Fprintf(&sb, "  newcomer buffer: %ds (%s)\n", rs.NewcomerBufferSeconds, rs.NewcomerBufferMode)
	if rs.ChallengeEnabled {
		fmt.Fprintf(&sb, "  captcha: on, timeout %ds\n", rs.ChallengeTimeoutSeconds)
	} else {
		sb.WriteString("  captcha: off\n")
	}
	fmt.Fprintf(&sb, "  flood detection: %v\n", rs.FloodDetection)
	fmt.Fprintf(&sb, "  first-message strict: %v", rs.FirstMessageStrict)
	return sb.String()
}
