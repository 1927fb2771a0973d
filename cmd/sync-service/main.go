package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/commander"
	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/lifecycle"
	"bitbucket.org/mmdatafocus/pos_bridge/models"
	"bitbucket.org/mmdatafocus/pos_bridge/posadapter"
	"bitbucket.org/mmdatafocus/pos_bridge/producer"
	"bitbucket.org/mmdatafocus/pos_bridge/rabbitmq"
)

func main() {
	logger := config.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()

	states := lifecycle.NewStateManager()
	notifier := &lifecycle.LogNotifier{Logger: logger}
	states.OnTransition(notifier.NotifyStateChange)

	store := producer.NewStateStore(cfg.StateFilePath, logger)
	if err := store.Load(); err != nil {
		logger.Fatalf("sync state error: %v", err)
	}

	bus := rabbitmq.NewClient(cfg.RabbitMQURL, logger)
	if err := bus.Connect(); err != nil {
		logger.Fatalf("broker connect error: %v", err)
	}
	defer bus.Close()
	if err := bus.DeclareTopology(); err != nil {
		logger.Fatalf("broker topology error: %v", err)
	}

	tracking := models.NewTrackingStore(db)
	adapter := posadapter.NewAdapter(db, logger, cfg.TaxRatePercent, os.Getenv("POS_STATION_ID"), store.InstanceID())

	prod := producer.NewProducer(cfg, logger, store, tracking, bus, producer.NewProcessors(db, cfg), states, notifier)
	cmdr := commander.NewCommander(cfg, logger, bus, adapter, states)
	cfgErrors := commander.NewConfigErrorConsumer(cfg, logger, bus, store.InstanceID(), prod, states, notifier)

	resilience := lifecycle.NewResilienceManager(states, notifier, logger,
		lifecycle.Target{
			Name:      "pos-database",
			FailState: lifecycle.StateDBReconnecting,
			Probe: func() error {
				// Reconnects replace the global handle, always probe the
				// current one.
				sqlDB, err := config.GetDB().DB()
				if err != nil {
					return err
				}
				pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return sqlDB.PingContext(pingCtx)
			},
			Reconnect: func() error {
				config.ConnectDatabaseWithRetry()
				return nil
			},
		},
		lifecycle.Target{
			Name:      "rabbitmq",
			FailState: lifecycle.StateBrokerReconnecting,
			Probe:     bus.Ping,
			Reconnect: func() error {
				if err := bus.Connect(); err != nil {
					return err
				}
				return bus.DeclareTopology()
			},
		},
	)

	if err := states.Set(lifecycle.StateRunning, "startup complete"); err != nil {
		logger.Fatalf("state machine error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		prod.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		runConsumer(ctx, "commander", cmdr.Run, logger)
	}()
	go func() {
		defer wg.Done()
		runConsumer(ctx, "config-errors", cfgErrors.Run, logger)
	}()
	go func() {
		defer wg.Done()
		resilience.Run(ctx)
	}()

	srv := opsServer(cfg, logger, states, prod, tracking)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			config.LogError(logger, "main", "main", "ops server", nil, err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	wg.Wait()
}

// runConsumer restarts a consumer loop after transient failures. Consumers
// return when their channel dies; the resilience manager restores the
// connection underneath them in the meantime.
func runConsumer(ctx context.Context, name string, run func(context.Context) error, logger *logrus.Logger) {
	for {
		if err := run(ctx); err != nil {
			logger.Errorf("%s consumer stopped: %v", name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// opsServer exposes local-only introspection: health, state history, stats
// and venue reconfiguration. It binds to localhost by default.
func opsServer(cfg *config.AppConfig, logger *logrus.Logger, states *lifecycle.StateManager, prod *producer.Producer, tracking *models.TrackingStore) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		state := states.Current()
		code := http.StatusOK
		if state != lifecycle.StateRunning {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"state": state})
	})

	router.GET("/status", func(c *gin.Context) {
		stats, _ := tracking.Stats()
		c.JSON(http.StatusOK, gin.H{
			"venueId":  cfg.VenueID,
			"posType":  cfg.PosType,
			"state":    states.Current(),
			"producer": prod.Stats(),
			"tracking": stats,
		})
	})

	router.GET("/state/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, states.History())
	})

	router.POST("/reconfigure", func(c *gin.Context) {
		var req struct {
			VenueID string `json:"venueId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := states.StartReconfiguration("venue change requested"); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		mgr := lifecycle.NewConfigurationManager(config.GetLogger(), cfg.StateFilePath)
		if err := mgr.Reconfigure(req.VenueID); err != nil {
			states.CompleteReconfiguration(false, err.Error())
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		// Swap the running identity; the commander notices the change and
		// rebinds, the producer picks it up on its next cycle.
		cfg.VenueID = req.VenueID
		prod.ResumeHeartbeat()
		states.CompleteReconfiguration(true, "venue reconfigured")
		c.JSON(http.StatusOK, gin.H{"status": "reconfigured", "venueId": req.VenueID})
	})

	addr := os.Getenv("OPS_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8099"
	}
	logger.Printf("ops server listening on %s", addr)
	return &http.Server{Addr: addr, Handler: router}
}
