package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/qamon/qamon/internal/config"
	"github.com/qamon/qamon/internal/faq"
	"github.com/qamon/qamon/internal/gateway"
	"github.com/qamon/qamon/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "qamon",
	Short: "qamon - chat Q&A monitor",
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitor (sources + classification pipeline + cron)",
	RunE:  runMonitor,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and collected counts",
	RunE:  runStatus,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a table as CSV",
	RunE:  runExport,
}

var faqCmd = &cobra.Command{
	Use:   "faq",
	Short: "Render the FAQ markdown document",
	RunE:  runFAQ,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var (
	exportTable string
	exportOut   string
	faqOut      string
	faqChannel  string
)

func init() {
	exportCmd.Flags().StringVarP(&exportTable, "table", "t", "qa_pairs", "Table to export (qa_pairs, questions, answers)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	faqCmd.Flags().StringVarP(&faqOut, "out", "o", "", "Output directory (default from config)")
	faqCmd.Flags().StringVarP(&faqChannel, "channel", "c", "", "Limit to one channel (default all)")
	rootCmd.AddCommand(monitorCmd, statusCmd, exportCmd, faqCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Storage: %s\n", storageDisplay(cfg.Storage))
	fmt.Printf("Oracle: %s @ %s\n", cfg.Oracle.Model, cfg.Oracle.BaseURL)
	fmt.Printf("Oracle key: %s\n", maskKey(cfg.Oracle.APIKey))
	fmt.Printf("Slack: enabled=%v\n", cfg.Sources.Slack.Enabled)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Sources.Telegram.Enabled)
	fmt.Printf("Thresholds: question=%.2f answer=%.2f similarity=%.2f\n",
		cfg.Monitor.QuestionThreshold, cfg.Monitor.AnswerThreshold, cfg.Monitor.SimilarityThreshold)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Store: unavailable (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Questions: %d\n", stats.Questions)
	fmt.Printf("Answers: %d\n", stats.Answers)
	fmt.Printf("QA pairs: %d\n", stats.QAPairs)
	fmt.Printf("Processed messages: %d\n", stats.ProcessedMessages)
	fmt.Printf("Channels: %d\n", stats.Channels)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var out io.Writer = os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := st.Export(ctx, out, exportTable); err != nil {
		return fmt.Errorf("export %s: %w", exportTable, err)
	}
	if exportOut != "" {
		fmt.Printf("Exported %s to %s\n", exportTable, exportOut)
	}
	return nil
}

func runFAQ(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pairs, err := st.QAPairs(ctx, faqChannel, 1000)
	if err != nil {
		return fmt.Errorf("load qa pairs: %w", err)
	}

	dir := faqOut
	if dir == "" {
		dir = cfg.Output.Dir
	}
	path, err := faq.Write(dir, pairs)
	if err != nil {
		return err
	}
	fmt.Printf("FAQ written to %s (%d entries)\n", path, len(pairs))
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	fmt.Printf("Output dir ready: %s\n", cfg.Output.Dir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set the oracle API key and enable a source\n", cfgPath)
	fmt.Println("  2. Or set OPENAI_API_KEY and SLACK_APP_TOKEN / SLACK_BOT_TOKEN")
	fmt.Println("  3. Run 'qamon monitor' to start watching")
	return nil
}

func storageDisplay(cfg config.StorageConfig) string {
	if cfg.Driver == "postgres" {
		return "postgres"
	}
	return fmt.Sprintf("sqlite (%s)", cfg.Path)
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "set"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
