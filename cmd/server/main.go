package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/stripe/stripe-go/v82"

	"prenotazioni/internal/api"
	"prenotazioni/internal/auth"
	"prenotazioni/internal/config"
	"prenotazioni/internal/repository"
	"prenotazioni/internal/service"
)

func main() {
	godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}

	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")

	redisClient := config.NewRedisClient()
	if redisClient == nil {
		log.Println("Redis unavailable, availability caching disabled")
	}

	slotRepo := repository.NewSlotRepository(db)
	capacityRepo := repository.NewCapacityRepository(db)
	tableSetRepo := repository.NewTableSetRepository(db)
	modRepo := repository.NewModificationRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	adminAuthRepo := repository.NewAdminAuthRepository(db)

	conflicts := service.NewConflictDetector(slotRepo)
	holdSvc := service.NewHoldService(slotRepo, conflicts)
	capacitySvc := service.NewCapacityService(capacityRepo, directoryRepo)
	tableSetSvc := service.NewTableSetService(tableSetRepo, slotRepo)
	finder := service.NewTableFinder(directoryRepo, conflicts)
	pricer := service.NewStandardPricer(directoryRepo)
	stripeSvc := service.NewStripeService()
	sender := service.NewSenderService(directoryRepo)

	availabilitySvc := service.NewAvailabilityService(slotRepo, directoryRepo, redisClient)
	modSvc := service.NewModificationService(
		modRepo, directoryRepo, capacitySvc, holdSvc, slotRepo,
		tableSetSvc, finder, pricer, stripeSvc, sender, availabilitySvc)

	adminSvc := service.NewAdminService(slotRepo, modRepo, availabilitySvc)
	adminAuthSvc := service.NewAdminAuthService(adminAuthRepo)
	jobSvc := service.NewJobService(holdSvc, modSvc)

	userHandler := api.NewUserReservationHandler(modSvc, availabilitySvc)
	adminHandler := api.NewAdminHandler(adminSvc)
	adminAuthHandler := api.NewAdminAuthHandler(adminAuthSvc)
	stripeHandler := api.NewStripeWebhookHandler(stripeWebhookSecret, modSvc)

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		if err := jobSvc.SweepExpiredHolds(); err != nil {
			log.Printf("%v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule hold sweep: %v", err)
	}
	if _, err := c.AddFunc("@every 5m", func() {
		if err := jobSvc.RecoverStalledModifications(); err != nil {
			log.Printf("%v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule modification recovery: %v", err)
	}
	c.Start()
	defer c.Stop()

	r := mux.NewRouter()

	// Public endpoints
	r.HandleFunc("/api/availability", userHandler.CheckAvailability).Methods("POST")
	r.HandleFunc("/api/reservations/{code}/modifications", userHandler.ModifyReservation).Methods("POST")
	r.HandleFunc("/api/modifications/{id}", userHandler.GetModification).Methods("GET")
	r.HandleFunc("/api/stripe/webhook", stripeHandler.HandleWebhook).Methods("POST")
	r.HandleFunc("/api/admin/login", adminAuthHandler.Login).Methods("POST")

	// Admin endpoints (protected)
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(auth.AdminAuthMiddleware)
	admin.HandleFunc("/users", adminAuthHandler.CreateUserAdmin).Methods("POST")
	admin.HandleFunc("/slots/{id}/block", adminHandler.BlockSlot).Methods("PUT")
	admin.HandleFunc("/slots/{id}/unblock", adminHandler.UnblockSlot).Methods("PUT")
	admin.HandleFunc("/holds/sweep", adminHandler.SweepHolds).Methods("POST")
	admin.HandleFunc("/modifications", adminHandler.ListModifications).Methods("GET")

	corsOrigins := handlers.AllowedOrigins([]string{"*"})
	corsMethods := handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	corsHeaders := handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Stripe-Signature"})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Server running on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port,
		handlers.LoggingHandler(os.Stdout, handlers.CORS(corsOrigins, corsMethods, corsHeaders)(r))))
}
