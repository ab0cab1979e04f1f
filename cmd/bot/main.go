package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGVideoBot/internal/admin"
	"github.com/digkill/TGVideoBot/internal/config"
	"github.com/digkill/TGVideoBot/internal/database"
	"github.com/digkill/TGVideoBot/internal/media"
	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/repository"
	"github.com/digkill/TGVideoBot/internal/service"
	"github.com/digkill/TGVideoBot/internal/storage"
	"github.com/digkill/TGVideoBot/internal/telegram"
	"github.com/digkill/TGVideoBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("create work dir: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	jobRepo := repository.NewJobRepository(db)

	ledger := service.NewLedger(userRepo, promoRepo, logr)
	userService := service.NewUserService(userRepo, cfg.FreeTokensOnJoin, logr)
	promoService := service.NewPromoService(promoRepo, time.Duration(cfg.PromoTTLHours)*time.Hour, logr)

	providers := map[models.ProviderName]provider.Provider{
		models.ProviderVeo3: provider.NewVeo3Client(cfg.GeminiAPIKey, logr,
			provider.WithVeo3Model(cfg.VeoModelName)),
		models.ProviderLuma: provider.NewLumaClient(cfg.LumaAPIKey, logr),
	}

	processor := media.NewProcessor(cfg.FFmpegPath, cfg.FFprobePath, cfg.VideoCRF, cfg.FFmpegPreset, cfg.FFmpegLogCmd, logr)

	notify := &telegram.DeferredNotifier{}
	generationService := service.NewGenerationService(
		jobRepo,
		ledger,
		providers,
		processor,
		notify,
		service.NewModerator(nil, nil),
		service.Costs{
			VeoFast:    cfg.VeoCostFast,
			VeoQuality: cfg.VeoCostQuality,
			Luma:       cfg.LumaCost,
		},
		service.Limits{
			MaxActivePerUser: cfg.MaxActiveJobsPerUser,
			DailyPerUser:     cfg.DailyJobLimit,
			PollInterval:     cfg.JobPollInterval,
			MaxWait:          cfg.JobMaxWait,
		},
		cfg.WorkDir,
		logr,
	)

	var uploader telegram.ImageStorage
	if cfg.S3Enabled() {
		up, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		uploader = up
	} else {
		logr.Warn("s3 not configured, reference images disabled")
	}

	bot := telegram.NewBot(cfg, botAPI, logr, userService, ledger, generationService, promoService, uploader)
	notify.Bind(bot)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, userService, ledger, promoService, botAPI)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}

	// Let in-flight jobs settle their refunds before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := generationService.Shutdown(shutdownCtx); err != nil {
		logr.Error("generation shutdown", "err", err)
	}
}
