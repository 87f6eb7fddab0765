// Command cleo-live runs an interactive tutoring lesson session from the
// terminal: it connects to the voice gateway, streams lesson events, and
// accepts typed messages and session commands on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cleo-edu/cleo-live/internal/config"
	"github.com/cleo-edu/cleo-live/pkg/budget"
	"github.com/cleo-edu/cleo-live/pkg/export"
	"github.com/cleo-edu/cleo-live/pkg/grading"
	"github.com/cleo-edu/cleo-live/pkg/lesson"
	"github.com/cleo-edu/cleo-live/pkg/metrics"
	"github.com/cleo-edu/cleo-live/pkg/session"
	"github.com/cleo-edu/cleo-live/pkg/store"
	"github.com/cleo-edu/cleo-live/pkg/voice"
)

func loadPlan(path string) (*lesson.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lesson plan: %w", err)
	}
	var plan lesson.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse lesson plan: %w", err)
	}
	if plan.ID == "" || plan.TotalSteps() == 0 {
		return nil, errors.New("lesson plan needs an id and at least one step")
	}
	return &plan, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func printEvents(out io.Writer, events <-chan session.Event) {
	for event := range events {
		switch ev := event.(type) {
		case *session.TranscriptMessageEvent:
			fmt.Fprintf(out, "[%s] %s\n", ev.Role, ev.Text)
		case *session.NoticeEvent:
			fmt.Fprintf(out, "(%s) %s\n", ev.Level, ev.Message)
		case *session.ConnectionChangedEvent:
			fmt.Fprintf(out, "-- connection: %s\n", ev.State)
		case *session.ModeChangedEvent:
			fmt.Fprintf(out, "-- mode: %s -> %s\n", ev.From, ev.To)
		case *session.ContentUpdatedEvent:
			fmt.Fprintf(out, "-- progress: step %d, %d%% complete\n",
				ev.Snapshot.ActiveStepIndex, ev.Snapshot.CompletionPercentage)
		case *session.ResumePromptEvent:
			fmt.Fprintf(out, "-- paused lesson found (%d%% complete). Use /resume-saved or /restart.\n",
				ev.CompletionPercentage)
		case *session.AnswerGradedEvent:
			verdict := "not quite"
			if ev.Correct {
				verdict = "correct"
			}
			fmt.Fprintf(out, "-- answer %s (score %.2f)\n", verdict, ev.Score)
		case *session.CompletionSummaryEvent:
			if ev.Stats != nil {
				fmt.Fprintf(out, "-- lesson complete: %d/%d questions correct\n",
					ev.Stats.QuestionsCorrect, ev.Stats.QuestionsAsked)
			} else {
				fmt.Fprintf(out, "-- lesson complete. %s\n", ev.StatsErr)
			}
		case *session.SessionClosedEvent:
			return
		}
	}
}

func inputLoop(ctx context.Context, in io.Reader, out io.Writer, sess *session.Session, artifacts export.ArtifactService) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			return
		case line == "/pause":
			if err := sess.PauseLesson(ctx); err != nil {
				fmt.Fprintf(out, "pause failed: %v\n", err)
			}
		case line == "/complete":
			if err := sess.CompleteLesson(ctx); err != nil {
				fmt.Fprintf(out, "complete failed: %v\n", err)
			}
		case line == "/text":
			_ = sess.SwitchMode(ctx, session.ModeText, false)
		case line == "/voice":
			_ = sess.SwitchMode(ctx, session.ModeVoice, false)
		case line == "/reconnect":
			if err := sess.ResumeVoice(ctx); err != nil {
				fmt.Fprintf(out, "reconnect failed: %v\n", err)
			}
		case line == "/resume-saved":
			_ = sess.ResumeFromSaved(ctx)
		case line == "/restart":
			_ = sess.RestartFromScratch(ctx)
		case line == "/export summary" || line == "/export exam":
			if artifacts == nil {
				fmt.Fprintln(out, "export service not configured")
				continue
			}
			convID := sess.ConversationID()
			if convID == "" {
				fmt.Fprintln(out, "no conversation yet")
				continue
			}
			generate := artifacts.GenerateSummary
			if strings.HasSuffix(line, "exam") {
				generate = artifacts.GenerateExam
			}
			artifact, err := generate(ctx, convID)
			if err != nil {
				fmt.Fprintf(out, "export failed: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "export ready: %s (expires %s)\n", artifact.URL, artifact.ExpiresAt.Format(time.RFC3339))
		case strings.HasPrefix(line, "/answer "):
			rest := strings.TrimPrefix(line, "/answer ")
			contentID, answer, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Fprintln(out, "usage: /answer <content-id> <answer>")
				continue
			}
			if _, err := sess.SubmitAnswer(ctx, contentID, answer); err != nil {
				fmt.Fprintf(out, "answer failed: %v\n", err)
			}
		default:
			if err := sess.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
		}
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	plan, err := loadPlan(cfg.PlanFile)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var stats export.StatsService
	var artifacts export.ArtifactService
	if cfg.ExportBaseURL != "" {
		client := export.NewClient(cfg.ExportBaseURL, cfg.ExportToken)
		stats = client
		artifacts = client
	}

	m := metrics.New("cleo")
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, m, logger)
	}

	dialer := &voice.GatewayDialer{URL: cfg.GatewayURL, Token: cfg.GatewayToken}
	sess, err := session.New(session.Config{
		Identity: session.Identity{UserID: cfg.UserID, Role: cfg.Role, TenantID: cfg.TenantID},
		Plan:     plan,
		Budget: budget.Config{
			Limit:                 cfg.VoiceLimit,
			ExamPracticeLimit:     cfg.ExamVoiceLimit,
			WarningThresholdRatio: cfg.WarningThresholdRatio,
		},
		Reconnect: voice.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			CapDelay:    cfg.ReconnectCapDelay,
		},
		AutosaveInterval: cfg.AutosaveInterval,
		Grading:          grading.DefaultPolicy(),
		NavigateBack: func() {
			fmt.Println("Lesson paused. See you next time!")
		},
		Logger:           logger,
		Metrics:          m,
	}, st, dialer, stats)
	if err != nil {
		return err
	}

	logger.Info("starting lesson session",
		"plan_id", plan.ID, "subject", plan.Subject, "gateway", cfg.GatewayURL)

	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := sess.ConnectVoice(ctx); err != nil {
		logger.Warn("voice connect failed, continuing in text", "error", err)
		_ = sess.SwitchMode(ctx, session.ModeText, true)
	}

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printEvents(os.Stdout, sess.Events())
	}()

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		inputLoop(ctx, os.Stdin, os.Stdout, sess, artifacts)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-inputDone:
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := sess.Close(shutdownCtx); err != nil {
		logger.Warn("session teardown failed", "error", err)
	}
	<-printerDone

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("session stopped")
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "cleo-live: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "cleo-live: %v\n", err)
		os.Exit(1)
	}
}
