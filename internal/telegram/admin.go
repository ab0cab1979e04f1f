package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/shopspring/decimal"
)

// broadcastDelay keeps the send rate under Telegram's flood limits.
const broadcastDelay = 50 * time.Millisecond

func (b *Bot) isAdminCommand(command string) bool {
	switch command {
	case "promo_new", "promo_list", "broadcast", "gift":
		return true
	default:
		return false
	}
}

func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) {
	tgUserID := msg.Chat.ID
	if msg.From != nil {
		tgUserID = msg.From.ID
	}
	if !b.cfg.IsAdmin(tgUserID) {
		b.sendText(msg.Chat.ID, "Неизвестная команда. Список команд: /help.")
		return
	}

	switch msg.Command() {
	case "promo_new":
		b.handlePromoNew(ctx, msg, tgUserID)
	case "promo_list":
		b.handlePromoList(ctx, msg)
	case "broadcast":
		b.handleBroadcast(ctx, msg)
	case "gift":
		b.handleGift(ctx, msg)
	}
}

// /promo_new CODE TOKENS MAX_USES [HOURS]
func (b *Bot) handlePromoNew(ctx context.Context, msg *tgbotapi.Message, adminID int64) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 3 || len(args) > 4 {
		b.sendText(msg.Chat.ID, "Формат: /promo_new КОД ТОКЕНЫ АКТИВАЦИИ [ЧАСЫ]")
		return
	}

	tokens, err := decimal.NewFromString(args[1])
	if err != nil {
		b.sendText(msg.Chat.ID, "Количество токенов должно быть числом.")
		return
	}
	maxUses, err := strconv.Atoi(args[2])
	if err != nil {
		b.sendText(msg.Chat.ID, "Количество активаций должно быть целым числом.")
		return
	}

	ttl := time.Duration(0)
	if len(args) == 4 {
		hours, err := strconv.Atoi(args[3])
		if err != nil {
			b.sendText(msg.Chat.ID, "Срок действия в часах должен быть целым числом.")
			return
		}
		if hours <= 0 {
			ttl = -1 // без срока действия
		} else {
			ttl = time.Duration(hours) * time.Hour
		}
	}

	promo, err := b.promo.Create(ctx, args[0], tokens, maxUses, ttl, adminID)
	if err != nil {
		b.sendText(msg.Chat.ID, "Не удалось создать промокод: "+err.Error())
		return
	}

	text := fmt.Sprintf("Промокод %s создан: %s токенов, %d активаций", promo.Code, promo.Tokens, promo.MaxUses)
	if promo.ExpiresAt != nil {
		text += ", действует до " + promo.ExpiresAt.Format("02.01.2006 15:04")
	} else {
		text += ", бессрочный"
	}
	b.sendText(msg.Chat.ID, text+".")
}

func (b *Bot) handlePromoList(ctx context.Context, msg *tgbotapi.Message) {
	promos, err := b.promo.List(ctx)
	if err != nil {
		b.log.Error("list promos", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить список промокодов.")
		return
	}
	if len(promos) == 0 {
		b.sendText(msg.Chat.ID, "Промокодов нет.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Промокоды:\n")
	now := time.Now()
	for _, p := range promos {
		state := "активен"
		switch {
		case p.Expired(now):
			state = "истёк"
		case p.Uses >= p.MaxUses:
			state = "исчерпан"
		}
		fmt.Fprintf(&sb, "%s — %s ток., %d/%d, %s\n", p.Code, p.Tokens, p.Uses, p.MaxUses, state)
	}
	b.sendText(msg.Chat.ID, sb.String())
}

// /broadcast TEXT sends the text to every non-banned user in the background.
func (b *Bot) handleBroadcast(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.CommandArguments())
	if text == "" {
		b.sendText(msg.Chat.ID, "Формат: /broadcast ТЕКСТ")
		return
	}

	targets, err := b.users.BroadcastTargets(ctx)
	if err != nil {
		b.log.Error("broadcast targets", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить список получателей.")
		return
	}

	b.sendText(msg.Chat.ID, fmt.Sprintf("Рассылка запущена, получателей: %d.", len(targets)))
	adminChatID := msg.Chat.ID

	go func() {
		sent := 0
		for _, tgID := range targets {
			if _, err := b.api.Send(tgbotapi.NewMessage(tgID, text)); err != nil {
				b.log.Warn("broadcast send", "err", err, "tg_user_id", tgID)
				continue
			}
			sent++
			time.Sleep(broadcastDelay)
		}
		b.log.Info("broadcast finished", "sent", sent, "total", len(targets))
		b.sendText(adminChatID, fmt.Sprintf("Рассылка завершена: доставлено %d из %d.", sent, len(targets)))
	}()
}

// /gift TG_USER_ID TOKENS
func (b *Bot) handleGift(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		b.sendText(msg.Chat.ID, "Формат: /gift TG_ID ТОКЕНЫ")
		return
	}
	tgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.sendText(msg.Chat.ID, "TG_ID должен быть числом.")
		return
	}
	tokens, err := decimal.NewFromString(args[1])
	if err != nil || !tokens.IsPositive() {
		b.sendText(msg.Chat.ID, "Количество токенов должно быть положительным числом.")
		return
	}

	user, err := b.users.ByTgID(ctx, tgID)
	if err != nil {
		b.log.Error("gift lookup", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось найти пользователя.")
		return
	}
	if user == nil {
		b.sendText(msg.Chat.ID, "Пользователь ещё не запускал бота.")
		return
	}

	if err := b.ledger.Grant(ctx, user.ID, tokens); err != nil {
		b.log.Error("gift grant", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось начислить токены.")
		return
	}

	b.sendText(msg.Chat.ID, fmt.Sprintf("Начислено %s токенов пользователю %d.", tokens, tgID))
	b.sendText(tgID, fmt.Sprintf("Вам начислено %s токенов. Приятных генераций!", tokens))
}
