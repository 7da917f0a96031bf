package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/library-services/configs"
	"github.com/avvvet/library-services/internal/circsvc/audit"
	"github.com/avvvet/library-services/internal/circsvc/broker"
	circconfig "github.com/avvvet/library-services/internal/circsvc/config"
	"github.com/avvvet/library-services/internal/circsvc/db"
	"github.com/avvvet/library-services/internal/circsvc/face"
	"github.com/avvvet/library-services/internal/circsvc/fine"
	"github.com/avvvet/library-services/internal/circsvc/handlers"
	"github.com/avvvet/library-services/internal/circsvc/service"
	"github.com/avvvet/library-services/internal/circsvc/session"
	"github.com/avvvet/library-services/internal/circsvc/store"
	"github.com/avvvet/library-services/internal/nats"
	"github.com/avvvet/library-services/internal/notify"
)

const SERVICE_NAME = "circulation"

func init() {
	config.Logging(SERVICE_NAME + "_service")
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	instanceId := config.CreateUniqueInstance(SERVICE_NAME)

	cfg := circconfig.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// pg connection
	dbpool, err := db.Connect(ctx, cfg.DBUrl, db.Pool{
		MaxConns:        int32(cfg.DBMaxConns),
		MinConns:        2,
		MaxConnIdleTime: 5 * time.Minute,
		AppName:         SERVICE_NAME + "-" + instanceId,
	})
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer dbpool.Close()

	if err := store.Migrate(ctx, dbpool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	directory := store.NewDirectory(dbpool)
	ledger := store.NewLedger(dbpool)

	sessions := session.NewRegistry(directory, cfg.SessionTimeout)
	go sessions.Run(ctx)

	// scan audit trail, optional
	var recorder audit.Recorder = audit.Nop{}
	if cfg.MongoURI != "" {
		mdb, err := audit.Connect(ctx, cfg.MongoURI)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer mdb.Client().Disconnect(context.Background())

		mr := audit.NewMongoRecorder(mdb, cfg.AuditRetention)
		go mr.Run(ctx)
		recorder = mr
		log.Printf("scan audit enabled on %s", mdb.Name())
	} else {
		log.Warn("MONGODB_URI not set, scan audit disabled")
	}

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME + "-" + instanceId)
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(1)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	events := broker.NewEvents(n.Conn)

	opts := service.Options{
		LoanPeriod:     cfg.LoanPeriod,
		LoanLimit:      cfg.LoanLimit,
		Fines:          fine.NewCalculator(cfg.FinePerDay),
		MatchThreshold: cfg.FaceMatchThreshold,
	}
	telegram := notify.FromEnv()
	if telegram != nil {
		opts.Notifier = telegram
	}

	circulation := service.New(directory, ledger, sessions, face.NewClient(cfg.FaceVerifierURL), events, opts)

	// hardware scans and socket requests
	b := broker.NewBroker(n.Conn, events, circulation, recorder, cfg.Workers, cfg.QueueSize)
	b.Start()
	if err := b.Subscribe(n.Conn); err != nil {
		log.Errorf("Error: unable to subscribe %v", err)
		os.Exit(1)
	}

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(circulation, cfg.Port)
	h.InitAuth(os.Getenv("JWT_SECRET_KEY"))
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// drain queued scans while the pool is still open
	b.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}

	cancel()
	if telegram != nil {
		telegram.Wait()
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
