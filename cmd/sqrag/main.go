package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqrag/pkg/core"
	"github.com/liliang-cn/sqrag/pkg/embed"
	"github.com/liliang-cn/sqrag/pkg/rag"
)

var (
	dbPath      string
	configPath  string
	dimensions  int
	logLevel    string
	namespace   string
	filterNames []string
	outputJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "sqrag",
	Short: "CLI tool for the SQLite RAG store",
	Long: `A command-line interface for adding documents to and searching a SQLite RAG store.
Text is embedded with a local hashing embedder.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new database",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Printf("Database initialized at %s\n", dbPath)
		return nil
	},
}

var nsCmd = &cobra.Command{
	Use:   "ns",
	Short: "Manage namespaces",
}

var nsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		namespaces, err := client.ListNamespaces(cmd.Context(), core.Status(status))
		if err != nil {
			return fmt.Errorf("failed to list namespaces: %w", err)
		}
		if outputJSON {
			return printJSON(namespaces)
		}
		fmt.Printf("Namespaces (%d):\n", len(namespaces))
		for _, ns := range namespaces {
			fmt.Printf("  %s v%d [%s] model=%s dim=%d filters=%s id=%s\n",
				ns.Name, ns.Version, ns.Status, ns.ModelID, ns.Dimension, strings.Join(ns.FilterNames, ","), ns.ID)
		}
		return nil
	},
}

var nsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an empty namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Store().DeleteNamespace(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete namespace: %w", err)
		}
		fmt.Printf("Namespace '%s' deleted\n", args[0])
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <file>...",
	Short: "Add text files as entries keyed by file name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		title, _ := cmd.Flags().GetString("title")
		importance, _ := cmd.Flags().GetFloat64("importance")
		filterPairs, _ := cmd.Flags().GetStringSlice("filter")
		async, _ := cmd.Flags().GetBool("async")
		if key != "" && len(args) > 1 {
			return fmt.Errorf("--key can only be used with a single file")
		}

		values, err := parseFilters(filterPairs)
		if err != nil {
			return err
		}

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			entry := rag.Entry{
				Namespace:    namespace,
				FilterNames:  filterNames,
				Key:          key,
				Title:        title,
				Importance:   &importance,
				FilterValues: values,
			}
			if entry.Key == "" {
				entry.Key = filepath.Base(path)
			}
			if entry.Title == "" {
				entry.Title = filepath.Base(path)
			}

			if async {
				res, err := client.AddAsync(ctx, rag.AddAsyncArgs{Entry: entry, Source: string(data)})
				if err != nil {
					return fmt.Errorf("failed to add %s: %w", path, err)
				}
				fmt.Printf("%s: entry %s v%d queued (job %s)\n", path, res.Entry.ID, res.Entry.Version, res.JobID)
				continue
			}

			res, err := client.Add(ctx, rag.AddArgs{Entry: entry, Text: string(data)})
			if err != nil {
				return fmt.Errorf("failed to add %s: %w", path, err)
			}
			switch {
			case !res.Created:
				fmt.Printf("%s: unchanged, entry %s v%d\n", path, res.Entry.ID, res.Entry.Version)
			case res.ReplacedEntry != nil:
				fmt.Printf("%s: entry %s v%d %s, replaced v%d\n", path, res.Entry.ID, res.Entry.Version, res.Status, res.ReplacedEntry.Version)
			default:
				fmt.Printf("%s: entry %s v%d %s\n", path, res.Entry.ID, res.Entry.Version, res.Status)
			}
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the namespace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetInt("before")
		after, _ := cmd.Flags().GetInt("after")
		hybrid, _ := cmd.Flags().GetBool("hybrid")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		filterPairs, _ := cmd.Flags().GetStringSlice("filter")

		values, err := parseFilters(filterPairs)
		if err != nil {
			return err
		}

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.Search(cmd.Context(), rag.SearchArgs{
			Namespace:            namespace,
			FilterNames:          filterNames,
			Query:                strings.Join(args, " "),
			Hybrid:               hybrid,
			Filters:              values,
			Limit:                limit,
			ChunkContext:         core.ChunkContext{Before: before, After: after},
			VectorScoreThreshold: threshold,
		})
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if outputJSON {
			return printJSON(resp)
		}

		titles := make(map[string]string, len(resp.Entries))
		for _, e := range resp.Entries {
			titles[e.ID] = e.Title
		}
		fmt.Printf("Found %d results:\n", len(resp.Results))
		for i, r := range resp.Results {
			fmt.Printf("%d. %s #%d (score: %.4f)\n", i+1, titles[r.EntryID], r.Order, r.Score)
			for _, c := range r.Content {
				marker := " "
				if c.Order == r.Order {
					marker = ">"
				}
				fmt.Printf("  %s %s\n", marker, strings.ReplaceAll(c.Text, "\n", "\n    "))
			}
		}
		return nil
	},
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Inspect entries",
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries of the namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		page, err := client.ListEntries(cmd.Context(), namespace, filterNames, core.Status(status), core.PageOptions{Cursor: cursor, Limit: limit})
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}
		if outputJSON {
			return printJSON(page)
		}
		for _, e := range page.Entries {
			fmt.Printf("%s  %-8s v%-3d %-24s %s\n", e.ID, e.Status, e.Version, e.Key, e.CreatedAt.Format("2006-01-02 15:04"))
		}
		if !page.IsDone {
			fmt.Printf("more: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var entriesChunksCmd = &cobra.Command{
	Use:   "chunks <entry-id>",
	Short: "List the chunks of an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		page, err := client.ListChunks(cmd.Context(), args[0], core.PageOptions{Cursor: cursor, Limit: limit})
		if err != nil {
			return fmt.Errorf("failed to list chunks: %w", err)
		}
		if outputJSON {
			return printJSON(page)
		}
		for _, c := range page.Chunks {
			fmt.Printf("#%d [%s] %s\n", c.Order, c.State, c.Text)
		}
		if !page.IsDone {
			fmt.Printf("more: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [entry-id]",
	Short: "Delete an entry, or every version of --key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if (key == "") == (len(args) == 0) {
			return fmt.Errorf("specify either an entry id or --key")
		}

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		if key != "" {
			if err := client.DeleteByKey(ctx, namespace, filterNames, key); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", key, err)
			}
			fmt.Printf("Key '%s' deleted\n", key)
			return nil
		}
		if err := client.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}
		fmt.Printf("Entry '%s' deleted\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		namespaces, err := client.ListNamespaces(ctx, "")
		if err != nil {
			return err
		}
		pending, err := client.Store().PendingCompletions(ctx)
		if err != nil {
			return err
		}

		stats := map[string]any{
			"namespaces":         len(namespaces),
			"pendingCompletions": pending,
			"dimensions":         core.SupportedDimensions(),
		}
		if outputJSON {
			return printJSON(stats)
		}
		fmt.Println("Store Statistics:")
		fmt.Printf("  Namespaces: %d\n", len(namespaces))
		fmt.Printf("  Pending completions: %d\n", pending)
		fmt.Printf("  Supported dimensions: %v\n", core.SupportedDimensions())
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func openClient() (*rag.Client, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	config, err := loadConfig(configPath, dbPath)
	if err != nil {
		return nil, err
	}
	config.Store.Path = dbPath
	if config.Embedding.Model == "default" {
		config.Embedding.Model = fmt.Sprintf("hash-%d", dimensions)
	}
	config.Store.Registerer = prometheus.NewRegistry()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)

	return rag.Open(config,
		rag.WithEmbedder(embed.NewHashEmbedder(dimensions)),
		rag.WithLogger(logger),
	)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "rag.db", "Database file path")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dimensions", "n", 256, "Embedding dimensions")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "default", "Namespace name")
	rootCmd.PersistentFlags().StringSliceVar(&filterNames, "filter-names", nil, "Namespace filter names (at most 4)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")

	nsCmd.AddCommand(nsListCmd, nsDeleteCmd)
	nsListCmd.Flags().String("status", "", "Only namespaces with this status")

	addCmd.Flags().String("key", "", "Entry key (defaults to the file name)")
	addCmd.Flags().String("title", "", "Entry title (defaults to the file name)")
	addCmd.Flags().Float64("importance", 1, "Importance between 0 and 1")
	addCmd.Flags().StringSlice("filter", nil, "Filter values (name=value)")
	addCmd.Flags().Bool("async", false, "Chunk and embed in a background job")

	searchCmd.Flags().Int("limit", 10, "Number of results")
	searchCmd.Flags().Int("before", 0, "Chunks of context before each hit")
	searchCmd.Flags().Int("after", 0, "Chunks of context after each hit")
	searchCmd.Flags().Bool("hybrid", false, "Combine vector and keyword search")
	searchCmd.Flags().Float64("threshold", 0, "Minimum vector score")
	searchCmd.Flags().StringSlice("filter", nil, "Filter values (name=value), OR-ed together")

	entriesCmd.AddCommand(entriesListCmd, entriesChunksCmd)
	entriesListCmd.Flags().String("status", "", "Only entries with this status")
	entriesListCmd.Flags().Int("limit", 50, "Page size")
	entriesListCmd.Flags().String("cursor", "", "Continuation cursor")
	entriesChunksCmd.Flags().Int("limit", 100, "Page size")
	entriesChunksCmd.Flags().String("cursor", "", "Continuation cursor")

	deleteCmd.Flags().String("key", "", "Delete every version of this key")

	rootCmd.AddCommand(
		initCmd,
		nsCmd,
		addCmd,
		searchCmd,
		entriesCmd,
		deleteCmd,
		statsCmd,
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
