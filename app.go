package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/passbook/config"
	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/storage"
	"github.com/cppla/passbook/utils"
	"github.com/cppla/passbook/wallet"
)

// application holds everything the commands share.
type application struct {
	cfg        config.AppConfig
	db         *gorm.DB
	store      storage.BlobStore
	feed       *services.ChangeFeed
	dispatcher *services.Dispatcher
	google     *wallet.GoogleBuilder
	svc        *services.PassService
}

func bootstrap(ctx context.Context) (*application, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.InitLogger(cfg); err != nil {
		return nil, err
	}

	db := config.InitDatabase(models.All()...)

	cal, err := services.NewCalendar(cfg.ReferenceTimezone)
	if err != nil {
		return nil, err
	}
	levels := services.DefaultLevelTable()
	if cfg.LevelsPath != "" {
		if levels, err = services.LoadLevelTable(cfg.LevelsPath); err != nil {
			return nil, fmt.Errorf("load levels: %w", err)
		}
	}

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open blob storage: %w", err)
	}

	rc := utils.GetRedis()
	locker := utils.NewLocker(rc, "passbook:lock:")

	members := services.NewMembers(db)
	ledger := services.NewLedger(db, cal,
		services.WithThrottle(cfg.DailyThrottle),
		services.WithMaxCompanions(cfg.MaxCompanions),
		services.WithLocker(locker))
	registry := services.NewRegistry(db, members)
	feed := services.NewChangeFeed(db, locker, time.Now)
	certs := wallet.NewCertificateCache(store)

	a := &application{cfg: cfg, db: db, store: store, feed: feed}

	var builders []services.PassBuilder
	if cfg.ApplePassTypeIdentifier != "" {
		builders = append(builders, wallet.NewAppleBuilder(wallet.AppleConfig{
			PassTypeIdentifier: cfg.ApplePassTypeIdentifier,
			TeamID:             cfg.AppleTeamID,
			Organization:       cfg.AppleOrganization,
			TemplateDir:        cfg.AppleTemplatePath,
			PublicBaseURL:      cfg.PublicBaseURL,
			LinkSecret:         cfg.JWTSecret,
		}, certs, store))

		if cfg.AppleKeyID != "" && cfg.AppleTeamID != "" {
			sender := wallet.NewAPNsSender(wallet.APNsConfig{
				TeamID:     cfg.AppleTeamID,
				KeyID:      cfg.AppleKeyID,
				Topic:      cfg.ApplePassTypeIdentifier,
				Production: cfg.AppleAPNsProduction,
			}, certs, nil)
			a.dispatcher = services.NewDispatcher(registry, sender, cfg.PushWorkers,
				time.Duration(cfg.PushTimeoutSec)*time.Second)
		}
	}
	if cfg.GoogleIssuerID != "" && cfg.GoogleCredentialsJSON != "" {
		a.google, err = wallet.NewGoogleBuilderFromJSON(ctx, wallet.GoogleConfig{
			IssuerID:    cfg.GoogleIssuerID,
			ClassSuffix: cfg.GoogleClassSuffix,
			Postpend:    cfg.GooglePostpend,
		}, []byte(cfg.GoogleCredentialsJSON))
		if err != nil {
			return nil, err
		}
		builders = append(builders, a.google)
	}
	if len(builders) == 0 {
		utils.Logger.Warn("no wallet platform configured; pass issuing is disabled")
	}

	deps := services.PassServiceDeps{
		Members:            members,
		Ledger:             ledger,
		Levels:             levels,
		Registry:           registry,
		Feed:               feed,
		Builders:           builders,
		Archives:           storage.Archives{Store: store},
		Cache:              utils.NewCache(rc, "passbook:pkpass:", time.Hour),
		PassTypeIdentifier: cfg.ApplePassTypeIdentifier,
	}
	if a.dispatcher != nil {
		deps.Notifier = a.dispatcher
	}
	a.svc = services.NewPassService(deps)
	return a, nil
}

// close releases storage handles and flushes the logger.
func (a *application) close() {
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			utils.Logger.Warn("close blob storage", zap.Error(err))
		}
	}
	_ = utils.Logger.Sync()
}
