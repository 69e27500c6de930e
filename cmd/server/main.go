package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"companion-server/internal/config"
	"companion-server/internal/database"
	delivery "companion-server/internal/delivery/http"
	"companion-server/internal/delivery/http/middleware"
	ws "companion-server/internal/delivery/websocket"
	"companion-server/internal/prompt"
	"companion-server/internal/repository"
	"companion-server/internal/service"
	"companion-server/pkg/ai"
	"companion-server/pkg/taskmanager"
)

func main() {
	// Загрузка переменных окружения
	if err := godotenv.Load(); err != nil {
		// В production .env может отсутствовать, это не ошибка
		fmt.Printf("Warning: could not load .env file: %v\n", err)
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Инициализация логгера
	initLogger(cfg.LogLevel)

	// Инициализация соединений с БД
	log.Info().Msg("connecting to database...")
	dbPool, err := initDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer dbPool.Close()

	sqlxDB, err := initSqlxDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sqlx database")
	}
	defer sqlxDB.Close()
	log.Info().Msg("database connections established")

	// Применяем миграции
	log.Info().Msg("applying database migrations...")
	if err := database.RunMigrations(context.Background(), dbPool, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}
	log.Info().Msg("database migrations applied successfully")

	// Инициализация AI клиента
	aiClient, err := ai.New(ai.Config{
		APIKey:     cfg.AIAPIKey,
		ModelName:  cfg.AIModel,
		BaseURL:    cfg.AIBaseURL,
		Timeout:    cfg.AITimeout,
		MaxRetries: cfg.AIMaxAttempts,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize AI client")
	}

	// Инициализация репозиториев
	characterRepo := repository.NewCharacterRepository(dbPool)
	chatRepo := repository.NewChatRepository(dbPool)
	settingsRepo := repository.NewSettingsRepository(sqlxDB)

	// Менеджер задач и WebSocket
	taskManager := taskmanager.New(taskmanager.Config{MaxTasks: 10})
	wsManager := ws.NewManager()
	wsManager.Start()
	taskManager.SetNotifier(wsManager)

	// Инициализация сервисов
	registry := service.NewRegistry(characterRepo, chatRepo)
	transfer := service.NewTransfer(registry)
	engine := service.NewEngine(registry, chatRepo, settingsRepo, aiClient, prompt.NewEngine(), wsManager)

	// Инициализация HTTP обработчиков
	handlers := delivery.New(registry, transfer, engine, chatRepo, settingsRepo, taskManager)

	// Настройка маршрутов
	router := mux.NewRouter()

	// WebSocket не требует проверки JWT
	router.Handle("/ws", wsManager.Handler()).Methods("GET")

	apiRouter := router.PathPrefix(cfg.BasePath).Subrouter()
	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(middleware.JWTMiddleware([]byte(cfg.JWTSecret)))
	handlers.RegisterRoutes(apiRouter)

	// Настройка CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
	}

	// Периодическая очистка завершенных задач
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				taskManager.Cleanup(time.Hour)
			case <-cleanupDone:
				return
			}
		}
	}()

	// Запуск сервера в горутине
	go func() {
		log.Info().Int("port", cfg.Port).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	gracefulShutdown(server, taskManager, wsManager, cleanupDone)
}

// initLogger настраивает глобальный логгер
func initLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Caller().Logger()

	// В режиме разработки используем более читаемый вывод
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	}

	logLevel := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		logLevel = lvl
	}
	zerolog.SetGlobalLevel(logLevel)
}

// initDatabase инициализирует пул соединений pgx
func initDatabase(cfg config.Config) (*pgxpool.Pool, error) {
	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// initSqlxDatabase инициализирует соединение с базой данных через sqlx
func initSqlxDatabase(cfg config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using sqlx: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxConns)
	db.SetMaxIdleConns(cfg.DBMaxConns / 2)
	db.SetConnMaxIdleTime(cfg.DBIdleTimeout)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database using sqlx: %w", err)
	}

	return db, nil
}

// LoggingMiddleware внедряет настроенный логгер в контекст запроса
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxWithLogger := log.Logger.WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctxWithLogger))
	})
}

// gracefulShutdown обеспечивает плавное завершение работы сервера
func gracefulShutdown(server *http.Server, taskManager *taskmanager.Manager, wsManager *ws.Manager, cleanupDone chan struct{}) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down server...")
	close(cleanupDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	if err := taskManager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("task manager shutdown failed")
	}
	wsManager.Stop()

	log.Info().Msg("server stopped gracefully")
}
