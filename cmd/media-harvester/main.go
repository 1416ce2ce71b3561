// Точка входа Media Harvester — сборщик медиа из внешних источников.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// проверяет права публикации в медиарепозитории, собирает адаптеры источников
// и запускает периодический цикл сбора вместе со служебным HTTP-сервером
// (health, metrics) и мониторингом зависимостей topologymetrics.
//
// Флаги:
//
//	--once      — выполнить один цикл по всем источникам и завершиться
//	--source    — ограничить обработку указанными источниками (можно повторять)
//	--reset-ignored <источник>:<категория> — снять исключение категории
//	              со всех элементов источника и завершиться (можно повторять)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"github.com/arturkryukov/artstore/media-harvester/internal/api/handlers"
	"github.com/arturkryukov/artstore/media-harvester/internal/catalog"
	"github.com/arturkryukov/artstore/media-harvester/internal/config"
	"github.com/arturkryukov/artstore/media-harvester/internal/database"
	"github.com/arturkryukov/artstore/media-harvester/internal/fetcher"
	"github.com/arturkryukov/artstore/media-harvester/internal/fingerprint"
	"github.com/arturkryukov/artstore/media-harvester/internal/freshness"
	"github.com/arturkryukov/artstore/media-harvester/internal/harvest"
	"github.com/arturkryukov/artstore/media-harvester/internal/publisher"
	"github.com/arturkryukov/artstore/media-harvester/internal/repository"
	"github.com/arturkryukov/artstore/media-harvester/internal/server"
	"github.com/arturkryukov/artstore/media-harvester/internal/service"
	"github.com/arturkryukov/artstore/media-harvester/internal/wikitext"
)

func main() {
	once := pflag.Bool("once", false, "выполнить один цикл сбора и завершиться")
	sourceIDs := pflag.StringSlice("source", nil, "обрабатывать только указанные источники")
	resetTargets := pflag.StringSlice("reset-ignored", nil, "снять исключение: <источник>:<категория>")
	pflag.Parse()

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Media Harvester запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Bool("once", *once),
	)

	if os.Getenv("MH_DEPHEALTH_GROUP") == "" {
		logger.Warn("MH_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Источники
	sources, err := harvest.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Error("Ошибка загрузки источников", slog.String("error", err.Error()))
		os.Exit(1)
	}
	harvesters, err := harvest.Filter(
		harvest.Build(sources, harvest.ClientConfig{Timeout: cfg.FetchTimeout, UserAgent: cfg.UserAgent}, logger),
		*sourceIDs,
	)
	if err != nil {
		logger.Error("Ошибка выбора источников", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Источники загружены",
		slog.String("file", cfg.SourcesFile),
		slog.Int("count", len(harvesters)),
	)

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 6. Каталог и синхронизация свежести
	store := repository.NewStore(pool)
	cat := catalog.NewService(store,
		catalog.NewCountsCache(cfg.CacheMaxSize, cfg.CacheTTL),
		cfg.NearDuplicateDistance,
		logger,
	)
	syncer := freshness.NewSynchronizer(store,
		freshness.NewPolicy(cfg.FreeLicenses, cfg.DeniedTerms),
		cat,
		logger,
	)

	// 6.1 Явный сброс исключений оператором: без сбора и публикации.
	if len(*resetTargets) > 0 {
		for _, target := range *resetTargets {
			sourceID, category, err := freshness.ParseResetTarget(target)
			if err != nil {
				logger.Error("Неверное значение --reset-ignored", slog.String("error", err.Error()))
				os.Exit(2)
			}
			if _, err := syncer.ResetIgnored(ctx, sourceID, category); err != nil {
				logger.Error("Ошибка сброса исключений", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}
		return
	}

	// 7. Клиент медиарепозитория. Без прав загрузки — режим только чтения.
	pub := publisher.New(publisher.Config{
		APIURL:         cfg.RepoAPIURL,
		ConsumerKey:    cfg.OAuthConsumerKey,
		ConsumerSecret: cfg.OAuthConsumerSecret,
		AccessToken:    cfg.OAuthAccessToken,
		AccessSecret:   cfg.OAuthAccessSecret,
		MinInterval:    cfg.PublishMinInterval,
		APITimeout:     cfg.APITimeout,
		UploadTimeout:  cfg.UploadTimeout,
		UserAgent:      cfg.UserAgent,
	}, logger)
	if err := pub.CheckUploadRights(ctx); err != nil {
		logger.Warn("Не удалось проверить права загрузки, режим только чтения",
			slog.String("error", err.Error()),
		)
	}

	// 8. Сервис сбора и публикации
	harvestSvc := service.NewHarvestService(
		harvesters,
		syncer,
		store,
		cat,
		fetcher.New(fetcher.Config{
			Timeout:   cfg.FetchTimeout,
			MaxBytes:  cfg.FetchMaxBytes,
			TempDir:   cfg.TempDir,
			UserAgent: cfg.UserAgent,
		}, logger),
		fingerprint.NewEngine(cfg.MaxImagePixels, logger),
		pub,
		wikitext.NewBuilder(),
		service.HarvestOptions{
			Interval:          cfg.HarvestInterval,
			SourceConcurrency: cfg.SourceConcurrency,
			ItemConcurrency:   cfg.ItemConcurrency,
			PublishBatch:      cfg.PublishBatch,
		},
		logger,
	)

	// Однократный запуск: без HTTP-сервера и мониторинга.
	if *once {
		results, runErr := harvestSvc.RunAll(ctx)
		for _, r := range results {
			logger.Info("Итог источника",
				slog.String("source_id", r.SourceID),
				slog.Int("published", r.Published),
				slog.Int("duplicates", r.Duplicates),
				slog.Int("failed", r.Failed),
			)
		}
		if runErr != nil {
			logger.Error("Цикл сбора завершён с ошибками", slog.String("error", runErr.Error()))
			os.Exit(1)
		}
		logger.Info("Media Harvester завершён")
		return
	}

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL + API репозитория).
	// Проверка PostgreSQL идёт через существующий пул соединений.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	dephealthSvc, dephealthErr := service.NewDephealthService(
		"media-harvester",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.RepoAPIURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. Фоновый цикл сбора
	harvestSvc.Start(ctx)

	// 11. HTTP-сервер (блокируется до сигнала завершения)
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), pub)
	srv := server.New(cfg, logger, healthHandler)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	stop()
	harvestSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Media Harvester остановлен")
}
