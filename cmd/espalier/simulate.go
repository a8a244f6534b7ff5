package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/adapters/openai"
	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/executor"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an interactive conversation against the flow catalog",
	Long: `Starts a read-eval loop on stdin. Plain lines are treated as user text;
lines starting with '{' are parsed as full message JSON (text, intent,
entities, commands) so command batches can be driven by hand.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSimulate(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	simulateCmd.Flags().Bool("verbose", false, "Enable debug logging")
	simulateCmd.Flags().String("session", "", "Conversation ID to resume (defaults to a fresh one)")
	simulateCmd.Flags().Bool("generate", false, "Enable LLM answer generation (requires OPENAI_API_KEY)")
	addStoreFlags(simulateCmd)
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command) error {
	catalog, dom, err := loadDefinitions(cmd)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := []espalier.Option{espalier.WithLogger(logging.New(level))}

	storeOpts, err := buildStoreOptions(cmd)
	if err != nil {
		return err
	}
	opts = append(opts, storeOpts...)

	if generate, _ := cmd.Flags().GetBool("generate"); generate {
		gen, err := openai.NewGenerator()
		if err != nil {
			return err
		}
		opts = append(opts, espalier.WithGenerator(gen))
	}

	engine, err := espalier.NewWithCatalog(catalog, dom, opts...)
	if err != nil {
		return err
	}

	conversationID, _ := cmd.Flags().GetString("session")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	tui.PrintBanner()
	fmt.Printf("Session %s. Type a message, or Ctrl-D to quit.\n\n", conversationID)

	sc := cli.NewSignalContext(cmd.Context())
	defer sc.Cancel()

	scanner := bufio.NewScanner(os.Stdin)
	for sc.Err() == nil {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg, err := parseMessage(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid message: %v\n", err)
			continue
		}

		turn, err := engine.ProcessTurn(sc, conversationID, msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		for _, action := range turn.Actions {
			printAction(action)
		}
	}
	fmt.Println()
	return scanner.Err()
}

// parseMessage treats lines starting with '{' as message JSON and
// everything else as bare user text.
func parseMessage(line string) (*domain.Message, error) {
	if strings.HasPrefix(line, "{") {
		var msg domain.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}
	return &domain.Message{Text: line}, nil
}

func printAction(action executor.Action) {
	switch {
	case action.Name == executor.ActionListen:
		return
	case action.Name == executor.ActionSendText:
		if text, ok := action.Metadata["message"].(string); ok {
			fmt.Printf("Bot: %s\n", text)
			return
		}
		fmt.Printf("  -> %s\n", action.Name)
	default:
		if len(action.Metadata) > 0 {
			meta, _ := json.Marshal(action.Metadata)
			fmt.Printf("  -> %s %s\n", action.Name, meta)
			return
		}
		fmt.Printf("  -> %s\n", action.Name)
	}
}
