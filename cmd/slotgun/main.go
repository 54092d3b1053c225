package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openvax/slotgun/internal/booking"
	appconfig "github.com/openvax/slotgun/internal/config"
	"github.com/openvax/slotgun/internal/eligibility"
	"github.com/openvax/slotgun/internal/observability/metrics"
	"github.com/openvax/slotgun/internal/orchestrator"
	"github.com/openvax/slotgun/internal/poll"
	"github.com/openvax/slotgun/internal/provider"
	"github.com/openvax/slotgun/internal/status"
	"github.com/openvax/slotgun/pkg/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting slotgun",
		"env", cfg.Env,
		"area", cfg.Area,
		"poll_interval", cfg.PollInterval,
	)

	if cfg.Username == "" || cfg.Password == "" {
		logger.Error("SLOTGUN_USERNAME and SLOTGUN_PASSWORD are required")
		return 2
	}
	if cfg.Area == "" {
		logger.Error("SLOTGUN_AREA is required")
		return 2
	}

	rules, err := eligibility.Parse(cfg.VaccineRulesJSON)
	if err != nil {
		logger.Error("invalid vaccine rules", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := provider.NewClient(cfg.ProviderBaseURL, logger.Component("provider"),
		provider.WithTimeout(cfg.RequestTimeout))
	sessions := provider.NewSessionManager(client, provider.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
	}, cfg.SessionTTL, logger.Component("session"))

	if _, err := sessions.Authenticate(ctx); err != nil {
		logger.Error("login failed", "error", err)
		return 1
	}

	patient, err := selectPatient(ctx, client, sessions, cfg.PatientIndex)
	if err != nil {
		logger.Error("patient selection failed", "error", err)
		return 1
	}
	logger.Info("hunting slots", "patient", patient.DisplayName())

	engineMetrics := metrics.NewEngineMetrics(nil)
	engine := booking.NewEngine(client, sessions, logger.Component("booking")).
		WithCustomFieldAnswers(cfg.CustomFieldAnswers)

	now := time.Now()
	window := provider.DateWindow{From: now, To: now.AddDate(0, 0, cfg.WindowDays)}

	orch := orchestrator.New(client, sessions, engine, rules, logger.Component("orchestrator")).
		WithArea(cfg.Area).
		WithWindow(window).
		WithPolicy(poll.Policy{Base: cfg.PollInterval, Ceiling: cfg.BackoffCeiling}).
		WithMaxRunDuration(cfg.MaxRunDuration).
		WithMetrics(engineMetrics).
		WithProgress(func(p orchestrator.Progress) {
			logger.Debug("progress",
				"centers", p.Centers,
				"rate_limited", p.RateLimitedCenters,
				"slots_seen", p.SlotsSeen,
				"slots_lost", p.SlotsLost,
				"attempts", p.Attempts,
			)
		})

	if cfg.StatusPort != "" {
		srv := status.NewServer(":"+cfg.StatusPort, orch.Snapshot, logger.Component("status"))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	appointment, err := orch.Run(ctx, patient)
	switch {
	case err == nil:
		logger.Info("booked", "reference", appointment.Reference, "appointment_id", appointment.ID)
		fmt.Printf("Booked! Appointment reference: %s\n", appointment.Reference)
		return 0
	case errors.Is(err, orchestrator.ErrCancelled):
		logger.Info("aborted by user")
		return 1
	case errors.Is(err, orchestrator.ErrExhausted):
		logger.Error("no slot could be booked within the configured run duration")
		return 1
	case errors.Is(err, provider.ErrNoCentersFound):
		logger.Error("no centers match the configured area", "area", cfg.Area)
		return 1
	default:
		logger.Error("run failed", "error", err)
		return 1
	}
}

// selectPatient resolves the account roster to one patient: the configured
// index when valid, the only patient when there is one, an interactive
// prompt otherwise.
func selectPatient(ctx context.Context, client *provider.Client, sessions *provider.SessionManager, index int) (provider.Patient, error) {
	patients, err := client.ListPatients(ctx, sessions.Current())
	if err != nil {
		return provider.Patient{}, err
	}
	if len(patients) == 0 {
		return provider.Patient{}, fmt.Errorf("no patients registered on this account")
	}
	if index >= 0 && index < len(patients) {
		return patients[index], nil
	}
	if len(patients) == 1 {
		return patients[0], nil
	}

	fmt.Println("Available patients:")
	for i, p := range patients {
		fmt.Printf("* [%d] %s\n", i, p.DisplayName())
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("For which patient do you want to book a slot? ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return provider.Patient{}, fmt.Errorf("read selection: %w", err)
		}
		i, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || i < 0 || i >= len(patients) {
			continue
		}
		return patients[i], nil
	}
}
