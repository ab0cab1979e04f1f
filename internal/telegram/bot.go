package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/service"
)

var errReferenceNotImage = errors.New("reference not image")

// ImageStorage uploads reference images and returns a public URL.
type ImageStorage interface {
	UploadReference(ctx context.Context, tgUserID int64, data []byte, contentType string) (string, error)
}

type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *service.UserService
	ledger     *service.Ledger
	generation *service.GenerationService
	promo      *service.PromoService
	storage    ImageStorage // nil when S3 is not configured
	state      *StateManager
	httpClient *http.Client
}

func NewBot(
	cfg config.Config,
	api *tgbotapi.BotAPI,
	log *slog.Logger,
	users *service.UserService,
	ledger *service.Ledger,
	generation *service.GenerationService,
	promo *service.PromoService,
	storage ImageStorage,
) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		users:      users,
		ledger:     ledger,
		generation: generation,
		promo:      promo,
		storage:    storage,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handleReferenceImage(ctx, msg); err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			} else {
				b.log.Error("reference upload failed", "err", err)
				b.sendText(msg.Chat.ID, "Не удалось сохранить референс, попробуйте снова.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch session.State {
	case StateAwaitingPrompt:
		b.handlePrompt(ctx, msg, session)
	default:
		b.sendText(msg.Chat.ID, "Выберите движок: /veo или /luma. Список команд: /help.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if b.isAdminCommand(msg.Command()) {
		b.handleAdminCommand(ctx, msg)
		return
	}

	switch msg.Command() {
	case "start":
		user, err := b.ensureUser(ctx, msg)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		b.sendText(msg.Chat.ID, fmt.Sprintf(
			"Привет! Я генерирую видео по текстовому описанию.\n\n"+
				"Твой баланс: %s токенов.\n\n"+
				"/veo — видео через Veo 3\n"+
				"/luma — видео через Luma\n"+
				"/balance — баланс токенов\n"+
				"/promo КОД — активировать промокод\n"+
				"/cancel — отменить текущую генерацию\n"+
				"/help — справка",
			b.balanceText(user)))
	case "menu", "help":
		b.sendText(msg.Chat.ID,
			"Команды:\n"+
				"/veo — генерация через Veo 3 (быстрый или качественный режим)\n"+
				"/luma — генерация через Luma Dream Machine\n"+
				"/balance — баланс токенов\n"+
				"/promo КОД — активировать промокод\n"+
				"/cancel — отменить текущую генерацию\n\n"+
				"Можно прислать картинку-референс перед промптом, она станет первым кадром.")
	case "veo":
		if _, err := b.ensureUser(ctx, msg); err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		b.startVeoWizard(msg.Chat.ID)
	case "luma":
		if _, err := b.ensureUser(ctx, msg); err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		b.startLumaWizard(msg.Chat.ID)
	case "balance":
		user, err := b.ensureUser(ctx, msg)
		if err != nil {
			b.log.Error("ensure user balance", "err", err)
			return
		}
		b.sendBalance(msg.Chat.ID, user)
	case "promo":
		b.handlePromoRedeem(ctx, msg)
	case "cancel":
		b.handleCancel(ctx, msg)
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Список команд: /help.")
	}
}

func (b *Bot) startVeoWizard(chatID int64) {
	session := newSession()
	session.State = StateAwaitingMode
	session.Provider = models.ProviderVeo3
	b.state.Set(chatID, session)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Быстрый (%s ток.)", b.cfg.VeoCostFast), "mode:fast"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Качественный (%s ток.)", b.cfg.VeoCostQuality), "mode:quality"),
		),
	)
	out := tgbotapi.NewMessage(chatID, "Veo 3. Выберите режим генерации:")
	out.ReplyMarkup = keyboard
	if _, err := b.api.Send(out); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) startLumaWizard(chatID int64) {
	session := newSession()
	session.State = StateAwaitingAspect
	session.Provider = models.ProviderLuma
	session.Mode = models.ModeFast
	b.state.Set(chatID, session)
	b.sendAspectKeyboard(chatID, fmt.Sprintf("Luma (%s ток.). Выберите формат кадра:", b.cfg.LumaCost))
}

func (b *Bot) sendAspectKeyboard(chatID int64, text string) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Горизонтальное 16:9", "aspect:16:9"),
			tgbotapi.NewInlineKeyboardButtonData("Вертикальное 9:16", "aspect:9:16"),
		),
	)
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyMarkup = keyboard
	if _, err := b.api.Send(out); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) sendResolutionKeyboard(chatID int64) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("720p", "res:720p"),
			tgbotapi.NewInlineKeyboardButtonData("1080p", "res:1080p"),
		),
	)
	out := tgbotapi.NewMessage(chatID, "Выберите разрешение:")
	out.ReplyMarkup = keyboard
	if _, err := b.api.Send(out); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	session := b.state.Get(chatID)

	ack := func(text string) {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
			b.log.Error("callback ack", "err", err)
		}
	}

	switch {
	case cb.Data == "mode:fast" || cb.Data == "mode:quality":
		if session.State != StateAwaitingMode {
			ack("Начните заново: /veo")
			return
		}
		session.Mode = models.Mode(strings.TrimPrefix(cb.Data, "mode:"))
		session.State = StateAwaitingAspect
		b.state.Set(chatID, session)
		ack("Режим выбран")
		b.sendAspectKeyboard(chatID, "Выберите формат кадра:")
	case strings.HasPrefix(cb.Data, "aspect:"):
		if session.State != StateAwaitingAspect {
			ack("Начните заново: /veo или /luma")
			return
		}
		session.AspectRatio = strings.TrimPrefix(cb.Data, "aspect:")
		ack("Формат выбран")
		if session.AspectRatio == "9:16" {
			// Вертикальное видео рендерится только в 720p.
			session.Resolution = "720p"
			session.State = StateAwaitingPrompt
			b.state.Set(chatID, session)
			b.askPrompt(chatID)
			return
		}
		session.State = StateAwaitingAspect
		b.state.Set(chatID, session)
		b.sendResolutionKeyboard(chatID)
	case strings.HasPrefix(cb.Data, "pack:"):
		b.handleDevPack(ctx, cb, ack)
	case strings.HasPrefix(cb.Data, "res:"):
		if session.State != StateAwaitingAspect || session.AspectRatio != "16:9" {
			ack("Начните заново: /veo или /luma")
			return
		}
		session.Resolution = strings.TrimPrefix(cb.Data, "res:")
		session.State = StateAwaitingPrompt
		b.state.Set(chatID, session)
		ack("Разрешение выбрано")
		b.askPrompt(chatID)
	default:
		ack("Неизвестный выбор")
	}
}

func (b *Bot) askPrompt(chatID int64) {
	text := "Отправьте промпт — описание видео. Отдельной строкой можно добавить «негатив: ...» для нежелательных деталей."
	if b.storage != nil {
		text += " Перед промптом можно прислать картинку-референс."
	}
	b.sendText(chatID, text)
}

// splitNegativePrompt peels a trailing "негатив:"/"negative:" line off the
// prompt text.
func splitNegativePrompt(text string) (prompt, negative string) {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(lower, "негатив:"):
			negative = strings.TrimSpace(strings.TrimSpace(line)[len("негатив:"):])
		case strings.HasPrefix(lower, "negative:"):
			negative = strings.TrimSpace(strings.TrimSpace(line)[len("negative:"):])
		default:
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), negative
}

func (b *Bot) handlePrompt(ctx context.Context, msg *tgbotapi.Message, session *Session) {
	prompt, negative := splitNegativePrompt(msg.Text)
	if prompt == "" {
		b.sendText(msg.Chat.ID, "Промпт не может быть пустым.")
		return
	}
	if negative != "" {
		session.NegativePrompt = negative
	}
	user, err := b.ensureUser(ctx, msg)
	if err != nil {
		b.log.Error("ensure user prompt", "err", err)
		return
	}

	params := service.StartParams{
		User:           user,
		ChatID:         msg.Chat.ID,
		Provider:       session.Provider,
		Mode:           session.Mode,
		Prompt:         prompt,
		NegativePrompt: session.NegativePrompt,
		AspectRatio:    session.AspectRatio,
		Resolution:     session.Resolution,
		ReferenceURL:   session.ReferenceURL,
		SkipCharge:     b.cfg.IsAdmin(user.TgUserID),
	}

	job, err := b.generation.StartJob(ctx, params)
	if err != nil {
		b.reportStartError(msg.Chat.ID, err)
		return
	}
	b.state.Reset(msg.Chat.ID)

	b.sendText(msg.Chat.ID, fmt.Sprintf(
		"Задача принята! Списано %s токенов. Генерация занимает несколько минут, я пришлю видео сюда.",
		job.Cost))
}

func (b *Bot) reportStartError(chatID int64, err error) {
	var modErr *service.ModerationError
	switch {
	case errors.As(err, &modErr):
		b.sendText(chatID, "Промпт отклонён: "+modErr.Reason+".")
	case errors.Is(err, service.ErrInsufficientBalance):
		b.sendText(chatID, "Недостаточно токенов. Активируйте промокод: /promo КОД.")
	case errors.Is(err, service.ErrTooManyActiveJobs):
		b.sendText(chatID, "У вас уже есть активная генерация. Дождитесь её окончания или отмените: /cancel.")
	case errors.Is(err, service.ErrDailyLimitReached):
		b.sendText(chatID, "Дневной лимит генераций исчерпан. Попробуйте завтра.")
	case errors.Is(err, service.ErrUserBanned):
		b.sendText(chatID, "Доступ к генерации закрыт.")
	default:
		b.log.Error("start job", "err", err)
		b.sendText(chatID, "Не удалось запустить генерацию, попробуйте позже.")
	}
}

func (b *Bot) handlePromoRedeem(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg)
	if err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Формат: /promo КОД")
		return
	}

	tokens, err := b.ledger.RedeemPromo(ctx, user.ID, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "Промокод недействителен.")
		case errors.Is(err, service.ErrPromoExpired):
			b.sendText(msg.Chat.ID, "Срок действия промокода истёк.")
		case errors.Is(err, service.ErrPromoExhausted):
			b.sendText(msg.Chat.ID, "Лимит активаций промокода исчерпан.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "Этот промокод уже использован.")
		default:
			b.log.Error("redeem promo", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось применить промокод, попробуйте позже.")
		}
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Промокод активирован! +%s токенов.", tokens))
}

func (b *Bot) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg)
	if err != nil {
		b.log.Error("ensure user cancel", "err", err)
		return
	}
	cancelled := b.generation.CancelForUser(user.ID)
	if cancelled == 0 {
		b.sendText(msg.Chat.ID, "Активных генераций нет.")
		return
	}
	b.sendText(msg.Chat.ID, "Генерация отменяется, токены вернутся на баланс.")
}

func (b *Bot) handleReferenceImage(ctx context.Context, msg *tgbotapi.Message) error {
	if b.storage == nil {
		b.sendText(msg.Chat.ID, "Референсы не поддерживаются в этой конфигурации.")
		return nil
	}

	var fileID string
	contentType := "image/jpeg"
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errReferenceNotImage
		}
		fileID = msg.Document.FileID
		if msg.Document.MimeType != "" {
			contentType = msg.Document.MimeType
		}
	default:
		return nil
	}

	data, detectedType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if detectedType != "" {
		contentType = detectedType
	}

	tgUserID := msg.Chat.ID
	if msg.From != nil {
		tgUserID = msg.From.ID
	}
	url, err := b.storage.UploadReference(ctx, tgUserID, data, contentType)
	if err != nil {
		return err
	}

	b.state.SetReference(msg.Chat.ID, url)
	b.sendText(msg.Chat.ID, "Референс сохранён, он станет первым кадром. Теперь отправьте промпт.")
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) ensureUser(ctx context.Context, msg *tgbotapi.Message) (*models.User, error) {
	username := ""
	tgUserID := msg.Chat.ID
	if msg.From != nil {
		username = msg.From.UserName
		tgUserID = msg.From.ID
	}
	return b.users.Register(ctx, tgUserID, username)
}

// devTokenPacks are the instant top-ups offered on the balance screen in dev
// environments, standing in for real payments.
var devTokenPacks = []int64{10, 50, 100}

// sendBalance shows the balance and, in dev mode, instant top-up buttons.
func (b *Bot) sendBalance(chatID int64, user *models.User) {
	out := tgbotapi.NewMessage(chatID, fmt.Sprintf("Баланс: %s токенов.", b.balanceText(user)))
	if b.cfg.AppEnv == "dev" && !b.cfg.IsAdmin(user.TgUserID) {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, pack := range devTokenPacks {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("+%d", pack), fmt.Sprintf("pack:%d", pack)))
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	if _, err := b.api.Send(out); err != nil {
		b.log.Error("send balance", "err", err)
	}
}

func (b *Bot) handleDevPack(ctx context.Context, cb *tgbotapi.CallbackQuery, ack func(string)) {
	if b.cfg.AppEnv != "dev" {
		ack("Недоступно")
		return
	}
	amount, err := strconv.ParseInt(strings.TrimPrefix(cb.Data, "pack:"), 10, 64)
	if err != nil || amount <= 0 {
		ack("Неизвестный пакет")
		return
	}
	valid := false
	for _, pack := range devTokenPacks {
		if pack == amount {
			valid = true
			break
		}
	}
	if !valid {
		ack("Неизвестный пакет")
		return
	}

	tgUserID := cb.Message.Chat.ID
	if cb.From != nil {
		tgUserID = cb.From.ID
	}
	user, err := b.users.Register(ctx, tgUserID, "")
	if err != nil {
		b.log.Error("ensure user pack", "err", err)
		ack("Ошибка")
		return
	}
	if err := b.ledger.Grant(ctx, user.ID, decimal.NewFromInt(amount)); err != nil {
		b.log.Error("grant pack", "err", err)
		ack("Ошибка")
		return
	}
	ack("Токены начислены")
	b.sendText(cb.Message.Chat.ID, fmt.Sprintf("+%d токенов (тестовый режим).", amount))
}

// balanceText hides the real number from admins, whose generations are free.
func (b *Bot) balanceText(user *models.User) string {
	if b.cfg.IsAdmin(user.TgUserID) {
		return "∞"
	}
	return user.Balance.String()
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

// NotifySuccess delivers the finished clip and removes the local file once
// Telegram accepted it.
func (b *Bot) NotifySuccess(ctx context.Context, job *models.Job) {
	video := tgbotapi.NewVideo(job.ChatID, tgbotapi.FilePath(job.ResultPath))
	video.Caption = fmt.Sprintf("Готово! %s, режим %s.", providerTitle(job.Provider), job.Mode)
	video.SupportsStreaming = true
	if _, err := b.api.Send(video); err != nil {
		b.log.Error("send video", "err", err, "job_id", job.ID)
		b.sendText(job.ChatID, "Видео готово, но не удалось отправить его в чат.")
		return
	}
	if err := os.Remove(job.ResultPath); err != nil {
		b.log.Warn("remove delivered video", "err", err, "path", job.ResultPath)
	}
}

// NotifyFailure explains the failure and whether the tokens came back.
func (b *Bot) NotifyFailure(ctx context.Context, job *models.Job, reason string, refunded bool) {
	var text string
	switch {
	case reason == "cancelled":
		text = "Генерация отменена."
	case job.Status == models.JobTimedOut:
		text = "Генерация не уложилась в отведённое время."
	default:
		text = "Генерация не удалась: " + reason + "."
	}
	if refunded {
		text += fmt.Sprintf(" Токены (%s) возвращены на баланс.", job.Cost)
	}
	b.sendText(job.ChatID, text)
}

func providerTitle(p models.ProviderName) string {
	switch p {
	case models.ProviderVeo3:
		return "Veo 3"
	case models.ProviderLuma:
		return "Luma"
	default:
		return string(p)
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
