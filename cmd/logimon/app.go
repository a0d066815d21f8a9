package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"logimon/internal/api"
	"logimon/internal/auth"
	"logimon/internal/browser"
	"logimon/internal/config"
	"logimon/internal/dispatch"
	"logimon/internal/estimate"
	"logimon/internal/health"
	"logimon/internal/journal"
	"logimon/internal/logger"
	"logimon/internal/metrics"
	"logimon/internal/routing"
	"logimon/internal/sheets"
	"logimon/internal/storage"
	"logimon/internal/summary"
	"logimon/internal/telegram"
	"logimon/internal/tracking"
)

const (
	maxLoginRetries = 3
	loginRetryDelay = 5 * time.Second
)

// app holds everything a dispatching command needs. Optional parts are nil
// when not configured.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   *storage.Store
	journal *journal.Journal
	sheet   *sheets.Writer
	tg      *telegram.Client
	session *browser.Session
	monitor *health.Monitor
	orch    *dispatch.Orchestrator
}

// newApp wires the orchestrator and its collaborators and starts the browser.
// The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	if err := cfg.ValidateTracking(); err != nil {
		return nil, err
	}

	api.SetHTTPClient(api.NewHTTPClient(cfg.HTTPTimeout))

	a := &app{cfg: cfg, log: log, monitor: health.NewMonitor()}
	a.tg = telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.DebugMode, logger.New("telegram"))

	var err error
	if a.store, err = storage.New(cfg.DataFile, logger.New("storage")); err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}

	if cfg.JournalDB != "" {
		if a.journal, err = journal.Open(cfg.JournalDB); err != nil {
			return nil, err
		}
	}

	if cfg.SheetsEnabled() {
		a.sheet, err = sheets.NewWriter(ctx, sheets.Config{
			CredentialsFile: cfg.SheetsCredentialsFile,
			SpreadsheetID:   cfg.SheetID,
			SheetName:       cfg.SheetName,
			IndexColumn:     cfg.SheetIndexColumn,
			StatusColumn:    cfg.SheetStatusColumn,
		}, logger.New("sheets"))
		if err != nil {
			a.close()
			return nil, err
		}
	}

	log.Infof("📋 Initializing browser session...")
	a.session, err = browser.NewSession(ctx, browser.Options{Headless: cfg.Headless, Debug: cfg.DebugMode}, logger.New("browser"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	if err := a.login(ctx); err != nil {
		alertErr := a.tg.SendCriticalAlert(ctx, "Tracking login failure", err.Error(), maxLoginRetries)
		if alertErr != nil {
			log.Errorf("❌ Failed to send critical alert: %v", alertErr)
		}
		a.close()
		return nil, err
	}

	planner, err := a.planner()
	if err != nil {
		a.close()
		return nil, err
	}

	recorder, err := metrics.NewPromRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	loc := cfg.Location()
	deps := dispatch.Deps{
		Store: a.store,
		Probe: tracking.NewProbe(a.session.Tracking, a.relogin, tracking.DefaultSelectors, tracking.Config{
			Attempts:  cfg.ProbeAttempts,
			Backoff:   cfg.ProbeBackoff,
			Timeout:   cfg.NavigationTimeout,
			Location:  loc,
			LoginForm: a.selectors(),
		}, logger.New("tracking")),
		Planner:   planner,
		Estimator: estimate.Estimator{Location: loc},
		Recorder:  recorder,
		Log:       logger.New("dispatch"),
	}
	// typed nil pointers must not end up in the interfaces
	if a.sheet != nil {
		deps.Sheet = a.sheet
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}

	a.orch = dispatch.New(deps, dispatch.Options{
		QueueSize:   cfg.QueueSize,
		OnBatchDone: a.batchDone,
	})
	a.orch.Start(ctx)
	return a, nil
}

func (a *app) selectors() auth.Selectors {
	return auth.ParseSelectors(a.cfg.TrackingLoginSelectors)
}

func (a *app) credentials() auth.Credentials {
	return auth.Credentials{
		URL:      a.cfg.TrackingURL,
		Username: a.cfg.TrackingUsername,
		Password: a.cfg.TrackingPassword,
	}
}

// login tries a few times, restarting the browser before the last attempt.
func (a *app) login(ctx context.Context) error {
	a.log.Infof("🔐 Attempting to login...")
	var err error
	for attempt := 1; attempt <= maxLoginRetries; attempt++ {
		a.log.Infof("   Login attempt %d/%d...", attempt, maxLoginRetries)
		if err = auth.Login(a.session.Tracking(), a.credentials(), a.selectors(), a.cfg.NavigationTimeout, a.log); err == nil {
			return nil
		}
		if attempt == maxLoginRetries {
			break
		}
		a.log.Warnf("   ❌ Login failed: %v", err)
		if attempt == maxLoginRetries-1 {
			if rerr := a.session.Restart(); rerr != nil {
				return fmt.Errorf("restart browser: %w", rerr)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loginRetryDelay):
		}
	}
	return fmt.Errorf("login failed after %d attempts: %w", maxLoginRetries, err)
}

// relogin is the probe's single re-login on an expired session.
func (a *app) relogin(context.Context) error {
	return auth.Login(a.session.Tracking(), a.credentials(), a.selectors(), a.cfg.NavigationTimeout, a.log)
}

func (a *app) planner() (dispatch.RoutePlanner, error) {
	switch a.cfg.RouteProvider {
	case config.ProviderORS:
		return routing.NewORSPlanner(api.GetHTTPClient(), routing.ORSConfig{
			APIKey:  a.cfg.ORSAPIKey,
			BaseURL: a.cfg.ORSBaseURL,
			Country: a.cfg.ORSCountry,
			Retry:   api.DefaultRetry,
		}, logger.New("ors"))
	default:
		return routing.NewBrowserPlanner(a.session.Mapping, routing.BrowserConfig{
			BaseURL:  a.cfg.MapsURL,
			Attempts: a.cfg.RouteAttempts,
			Backoff:  a.cfg.RouteBackoff,
			Timeout:  a.cfg.NavigationTimeout,
		}, logger.New("maps")), nil
	}
}

// batchDone updates the health monitor and sends the Telegram summary.
func (a *app) batchDone(b *dispatch.Batch) {
	a.monitor.BatchDone(b)
	if a.tg == nil {
		return
	}

	outcomes := b.Outcomes()
	counts := b.Counts()
	tc := telegram.BatchCounts{
		BatchID:  b.ID,
		Total:    b.Total(),
		Complete: counts[dispatch.StateComplete],
		Aborted:  counts[dispatch.StateAborted],
		Failed:   counts[dispatch.StateFailed],
		Skipped:  len(b.Skipped()),
		Elapsed:  b.FinishedAt().Sub(b.StartedAt),
	}

	var img []byte
	if len(outcomes) > 0 {
		rows := summary.FromOutcomes(outcomes, a.cfg.Location())
		for _, r := range rows {
			if r.Late {
				tc.Late++
			}
		}
		var err error
		if img, err = summary.RenderTable(rows, b.FinishedAt().In(a.cfg.Location())); err != nil {
			a.log.Warnf("⚠️  Failed to render batch summary: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.tg.SendBatchSummary(ctx, tc, img); err != nil {
		a.log.Warnf("⚠️  %v", err)
	}
}

func (a *app) close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.session != nil {
		a.session.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warnf("⚠️  Failed to close journal: %v", err)
		}
	}
}
