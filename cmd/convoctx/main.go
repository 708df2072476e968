package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/convoctx/internal/config"
	"github.com/stellarlinkco/convoctx/internal/conversation"
	"github.com/stellarlinkco/convoctx/internal/entity"
	"github.com/stellarlinkco/convoctx/internal/memory"
	"github.com/stellarlinkco/convoctx/internal/provider"
	"github.com/stellarlinkco/convoctx/internal/session"
	"github.com/stellarlinkco/convoctx/internal/tokens"
	"github.com/stellarlinkco/convoctx/internal/vectorstore"
)

var rootCmd = &cobra.Command{
	Use:   "convoctx",
	Short: "convoctx - conversation context layer for search-grounded chat",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with full context (REPL, or one-shot with -m)",
	RunE:  runChat,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent records from the context store",
	RunE:  runHistory,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show convoctx status",
	RunE:  runStatus,
}

var (
	messageFlag string
	historyN    int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	historyCmd.Flags().IntVarP(&historyN, "count", "n", 20, "Number of records to show")
	rootCmd.AddCommand(chatCmd, historyCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ChatOptions carries injectable dependencies for testing.
type ChatOptions struct {
	Client provider.CompletionClient
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// buildSession wires the context layers from config. The returned cleanup
// closes the vector store if one was opened.
func buildSession(cfg *config.Config, client provider.CompletionClient) (*session.Session, func(), error) {
	if client == nil {
		if cfg.Provider.APIKey == "" {
			return nil, nil, fmt.Errorf("API key not set. Run 'convoctx onboard' or set CONVOCTX_API_KEY / PPLX_API_KEY")
		}
		client = provider.NewSonarClient(provider.SonarConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
			Timeout: time.Duration(cfg.Provider.TimeoutSec) * time.Second,
		})
	}

	summarizerModel := cfg.Memory.Model
	if summarizerModel == "" {
		summarizerModel = cfg.Provider.Model
	}
	buffer, err := memory.NewBuffer(memory.Config{
		TokenLimit:     cfg.Memory.TokenLimit,
		Margin:         cfg.Memory.Margin,
		CompactTimeout: time.Duration(cfg.Memory.CompactTimeoutSec) * time.Second,
	}, tokens.New(), memory.NewCondenser(client, summarizerModel, cfg.Provider.MaxTokens))
	if err != nil {
		return nil, nil, fmt.Errorf("create memory buffer: %w", err)
	}
	if cfg.Memory.SystemPrompt != "" {
		buffer.Seed(cfg.Memory.SystemPrompt)
	}

	cleanup := func() {}
	var store *vectorstore.Store
	if cfg.Embedding.Enabled && cfg.Embedding.BaseURL != "" {
		embedder := provider.NewHTTPEmbedder(provider.EmbedderConfig{
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		})
		store, err = vectorstore.Open(cfg.Store.Path, embedder)
		if err != nil {
			return nil, nil, fmt.Errorf("open context store: %w", err)
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				log.Printf("[cli] close store warning: %v", err)
			}
		}
	} else {
		log.Printf("[cli] embeddings not configured, vector recall is off")
	}

	rules, err := entity.LoadRules(cfg.Entity.RulesDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load entity rules: %w", err)
	}

	sess, err := session.New(session.Config{
		ID:          "cli",
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		TopK:        cfg.Store.TopK,
		TurnTimeout: time.Duration(cfg.Session.TimeoutSec) * time.Second,
		ScopeRecall: cfg.Session.ScopeRecall,
	}, client, buffer, store, entity.NewTracker(rules))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sess, cleanup, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sess, cleanup, err := buildSession(cfg, opts.Client)
	if err != nil {
		return err
	}
	defer cleanup()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	// Single message mode
	if messageFlag != "" {
		result, err := sess.Ask(ctx, messageFlag)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		printResult(stdout, stderr, result)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "convoctx chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		result, err := sess.Ask(ctx, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		printResult(stdout, stderr, result)
	}
	return nil
}

func printResult(stdout, stderr io.Writer, result *conversation.TurnResult) {
	fmt.Fprintln(stdout, result.Response)
	if len(result.Citations) > 0 {
		fmt.Fprintln(stdout, "\nSources:")
		for _, url := range result.Citations {
			fmt.Fprintf(stdout, "  %s\n", url)
		}
	}
	if result.LossyCompaction {
		fmt.Fprintln(stderr, "(note: older history was dropped to stay within the token budget)")
	}
	for _, err := range result.UpdateErrs {
		fmt.Fprintf(stderr, "(warning: %v)\n", err)
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Embedding.Enabled || cfg.Embedding.BaseURL == "" {
		return fmt.Errorf("vector store is not configured (embeddings are off)")
	}

	embedder := provider.NewHTTPEmbedder(provider.EmbedderConfig{
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})
	store, err := vectorstore.Open(cfg.Store.Path, embedder)
	if err != nil {
		return fmt.Errorf("open context store: %w", err)
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), historyN)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No records.")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  [%s]  %s\n", rec.Timestamp.Format(time.RFC3339), rec.Role, rec.Text)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set CONVOCTX_API_KEY / PPLX_API_KEY")
	fmt.Println("  3. Run 'convoctx chat -m \"Hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	if cfg.Provider.APIKey != "" {
		fmt.Println("API key: set")
	} else {
		fmt.Println("API key: NOT SET")
	}
	fmt.Printf("Token limit: %d\n", cfg.Memory.TokenLimit)
	if cfg.Embedding.Enabled && cfg.Embedding.BaseURL != "" {
		fmt.Printf("Context store: %s (topK=%d)\n", cfg.Store.Path, cfg.Store.TopK)
	} else {
		fmt.Println("Context store: off (embeddings not configured)")
	}
	if cfg.Entity.RulesDir != "" {
		fmt.Printf("Entity rules: %s\n", cfg.Entity.RulesDir)
	} else {
		fmt.Println("Entity rules: built-in defaults")
	}
	return nil
}
