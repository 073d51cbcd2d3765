package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/notegrep/config"
	"github.com/yoanbernabeu/notegrep/embedder"
)

var (
	initEndpoint       string
	initModel          string
	initBackend        string
	initNonInteractive bool
	initListModels     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize notegrep in the current vault",
	Long: `Initialize notegrep by creating a .notegrep directory with configuration.

This command will:
- Create .notegrep/config.yaml with default settings
- Prompt for the embedding endpoint and model
- Prompt for the storage backend (JSON file or Qdrant)
- Add .notegrep/ to .gitignore if present`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initEndpoint, "endpoint", "e", "", "Embedding endpoint (OpenAI-compatible, e.g. http://localhost:11434/v1)")
	initCmd.Flags().StringVarP(&initModel, "model", "m", "", "Embedding model name")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Storage backend (json or qdrant)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
	initCmd.Flags().BoolVar(&initListModels, "list-models", false, "List models available at the embedding endpoint and exit")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if initListModels {
		return listModels(cmd.Context(), cwd)
	}

	if config.Exists(cwd) {
		fmt.Println("notegrep is already initialized in this vault.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()
	if initEndpoint != "" {
		cfg.Embedder.Endpoint = initEndpoint
	}
	if initModel != "" {
		cfg.Embedder.Model = initModel
	}
	if initBackend != "" {
		cfg.Store.Backend = initBackend
	}

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if initEndpoint == "" {
			fmt.Printf("Embedding endpoint [%s]: ", cfg.Embedder.Endpoint)
			input, _ := reader.ReadString('\n')
			if input = strings.TrimSpace(input); input != "" {
				cfg.Embedder.Endpoint = input
			}
		}
		if initModel == "" {
			fmt.Printf("Embedding model [%s]: ", cfg.Embedder.Model)
			input, _ := reader.ReadString('\n')
			if input = strings.TrimSpace(input); input != "" {
				cfg.Embedder.Model = input
			}
		}

		fmt.Print("Index images with a vision model? [y/N]: ")
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "y" || input == "yes" {
			cfg.Vision.Enabled = true
			fmt.Printf("Vision endpoint [%s]: ", cfg.Embedder.Endpoint)
			endpoint, _ := reader.ReadString('\n')
			if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
				cfg.Vision.Endpoint = endpoint
			}
			fmt.Print("Vision model [llava]: ")
			model, _ := reader.ReadString('\n')
			if model = strings.TrimSpace(model); model == "" {
				model = "llava"
			}
			cfg.Vision.Model = model
		}

		if initBackend == "" {
			fmt.Println("\nSelect storage backend:")
			fmt.Println("  1) json (local file, zero setup)")
			fmt.Println("  2) qdrant (vector database, requires a running server)")
			fmt.Print("Choice [1]: ")

			input, _ := reader.ReadString('\n')
			input = strings.TrimSpace(input)

			switch input {
			case "2", "qdrant":
				cfg.Store.Backend = "qdrant"
				fmt.Print("Qdrant endpoint [localhost]: ")
				endpoint, _ := reader.ReadString('\n')
				if endpoint = strings.TrimSpace(endpoint); endpoint == "" {
					endpoint = "localhost"
				}
				cfg.Store.Qdrant.Endpoint = endpoint

				fmt.Print("Collection name (optional, defaults to a sanitized vault path): ")
				collection, _ := reader.ReadString('\n')
				cfg.Store.Qdrant.Collection = strings.TrimSpace(collection)

				fmt.Print("API key (optional, for Qdrant Cloud): ")
				apiKey, _ := reader.ReadString('\n')
				cfg.Store.Qdrant.APIKey = strings.TrimSpace(apiKey)
			default:
				cfg.Store.Backend = "json"
			}
		}
	}

	if err := cfg.Save(cwd); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(cwd))

	if err := appendToGitignore(cwd, config.ConfigDir+"/"); err != nil {
		fmt.Printf("Warning: could not update .gitignore: %v\n", err)
	}

	fmt.Println("\nnotegrep initialized successfully!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Build the index: notegrep index")
	fmt.Println("  2. Search your notes: notegrep search \"your question\"")
	fmt.Println("  3. Keep it fresh while you write: notegrep watch")
	fmt.Println("\nMake sure the embedding model is available, e.g. with Ollama:")
	fmt.Printf("  ollama pull %s\n", cfg.Embedder.Model)

	return nil
}

// appendToGitignore adds the entry to an existing .gitignore. A vault
// without one is left alone.
func appendToGitignore(root, entry string) error {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == strings.TrimSuffix(entry, "/") {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + entry + "\n"); err != nil {
		return err
	}
	fmt.Printf("Added %s to .gitignore\n", entry)
	return nil
}

// listModels queries the embedding endpoint for its model catalogue. The
// endpoint comes from the flag, then the vault config, then the default.
func listModels(ctx context.Context, cwd string) error {
	endpoint := initEndpoint
	if endpoint == "" {
		if config.Exists(cwd) {
			if cfg, err := config.Load(cwd); err == nil {
				endpoint = cfg.Embedder.Endpoint
			}
		}
	}
	if endpoint == "" {
		endpoint = config.DefaultConfig().Embedder.Endpoint
	}

	emb := embedder.NewClient(embedder.WithEndpoint(endpoint))
	models, err := emb.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models at %s: %w", endpoint, err)
	}

	if len(models) == 0 {
		fmt.Printf("No models reported by %s\n", endpoint)
		return nil
	}
	fmt.Printf("Models available at %s:\n", endpoint)
	for _, m := range models {
		fmt.Printf("  %s\n", m)
	}
	return nil
}
