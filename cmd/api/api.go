package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/cmd/utils"
	"github.com/Helphive/helphive-server/service/booking"
	"github.com/Helphive/helphive-server/service/dashboard"
	"github.com/Helphive/helphive-server/service/earnings"
	"github.com/Helphive/helphive-server/service/matching"
	"github.com/Helphive/helphive-server/service/payment"
	"github.com/Helphive/helphive-server/service/user"
	"github.com/Helphive/helphive-server/service/worker"
	"github.com/Helphive/helphive-server/service/ws"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
	cache   *redis.Client
	log     *logrus.Logger
}

func NewAPIServer(address string, db *gorm.DB, cache *redis.Client, log *logrus.Logger) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
		cache:   cache,
		log:     log,
	}
}

func (s *APIServer) Run(ctx context.Context) error {
	clk := clock.NewSystem()

	// Stores.
	bookingStore := booking.NewGormStore(s.db)
	paymentStore := payment.NewGormStore(s.db)
	matchingStore := matching.NewGormStore(s.db)
	earningsStore := earnings.NewGormStore(s.db)

	// Services, wired in dependency order. The reconciler and earnings
	// service reference each other (capture retries credit earnings,
	// payouts go through the processor) so one side is set after
	// construction.
	reconciler := payment.NewReconciler(paymentStore, payment.NewStripeClient(), clk)
	earningsSvc := earnings.NewService(earningsStore, reconciler, clk)
	reconciler.SetEarnings(earningsSvc)

	bookingSvc := booking.NewService(bookingStore, reconciler, earningsSvc, clk, models.DefaultFeeRateBps)
	resolver := matching.NewResolver(matchingStore, bookingSvc, s.cache, clk)

	hub := ws.NewHub(s.log)
	go hub.Run()
	bookingSvc.SetFeed(hub)
	resolver.SetFeed(hub)

	sweeps := worker.New(bookingSvc, bookingStore, earningsSvc, reconciler, clk, s.log)
	sweeps.Start(ctx)

	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	userHandler := user.NewHandler(s.db)
	userHandler.RegisterRoutes(subrouter)

	webhookHandler := payment.NewHandler(paymentStore, func(r *http.Request, bookingID uint) error {
		return bookingSvc.ConfirmAuthorized(r.Context(), bookingID)
	})
	webhookHandler.RegisterRoutes(subrouter)

	protected := subrouter.NewRoute().Subrouter()
	protected.Use(utils.AuthMiddleware)

	userHandler.RegisterProtectedRoutes(protected)
	booking.NewHandler(bookingSvc).RegisterRoutes(protected)
	matching.NewHandler(resolver).RegisterRoutes(protected)
	earnings.NewHandler(earningsSvc).RegisterRoutes(protected)
	dashboard.NewHandler(s.db, earningsSvc).RegisterRoutes(protected)
	ws.NewHandler(hub).RegisterRoutes(protected)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{envOr("CORS_ORIGIN", "*")}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	server := &http.Server{
		Addr:         s.address,
		Handler:      corsHandler(handlers.LoggingHandler(os.Stdout, router)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.WithField("address", s.address).Info("server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
