package gateway

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
	"github.com/qamon/qamon/internal/oracle"
	"github.com/qamon/qamon/internal/store"
)

type stubOracle struct{}

func (stubOracle) IsQuestion(_ context.Context, text string) (*oracle.QuestionResult, error) {
	return &oracle.QuestionResult{IsQuestion: true, Confidence: 0.9, QuestionType: "direct"}, nil
}

func (stubOracle) IsAnswer(_ context.Context, _, _, _ string) (*oracle.AnswerResult, error) {
	return &oracle.AnswerResult{AnswerQuality: "irrelevant"}, nil
}

func (stubOracle) FindSimilar(_ context.Context, _ string, _ []oracle.Candidate) (*oracle.SimilarResult, error) {
	return &oracle.SimilarResult{}, nil
}

func (stubOracle) Generalize(_ context.Context, original, _ string) (*oracle.GeneralizeResult, error) {
	return &oracle.GeneralizeResult{GeneralizedText: original}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Oracle.APIKey = "sk-test"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "qa.db")
	cfg.Output.Dir = t.TempDir()
	cfg.Monitor.SettleDelay = "0s"
	cfg.Monitor.DrainGrace = "2s"
	return cfg
}

func TestGatewayProcessesEnqueuedMessage(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)

	g, err := NewWithOptions(cfg, Options{Oracle: stubOracle{}, SignalChan: sigCh})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	g.Enqueue(bus.ChatMessage{
		Channel:   "C1",
		UserID:    "U1",
		Text:      "How do I deploy?",
		MessageID: "C1/1",
		Timestamp: time.Now(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g.Status().Processed == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if g.Status().Processed != 1 {
		t.Fatalf("message not processed: %+v", g.Status())
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}

	// Store is closed by shutdown; reopen to verify persistence.
	st, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Questions != 1 || stats.ProcessedMessages != 1 {
		t.Fatalf("unexpected persisted state: %+v", stats)
	}
}

func TestGatewayFAQExport(t *testing.T) {
	cfg := testConfig(t)
	g, err := NewWithOptions(cfg, Options{Oracle: stubOracle{}})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.store.Close()

	ctx := context.Background()
	if err := g.store.StoreQAPair(ctx, &store.QAPair{
		Question: "How do I deploy?", Answer: "Use the pipeline",
		QuestionUser: "Alice", AnswerUser: "Bob", Channel: "C1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("StoreQAPair error: %v", err)
	}

	if err := g.exportFAQ(ctx); err != nil {
		t.Fatalf("exportFAQ error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "faq.md"))
	if err != nil {
		t.Fatalf("read faq: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty faq document")
	}
}

func TestGatewayReportStats(t *testing.T) {
	cfg := testConfig(t)
	g, err := NewWithOptions(cfg, Options{Oracle: stubOracle{}})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.store.Close()

	if err := g.reportStats(context.Background()); err != nil {
		t.Fatalf("reportStats error: %v", err)
	}
}
