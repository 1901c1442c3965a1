package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"concierge/internal/projection"
	"concierge/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the state database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.State.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		fmt.Printf("Database ready at %s\n", st.Path())
		if st.VectorSearchAvailable() {
			fmt.Println("Vector search: available")
		} else {
			fmt.Println("Vector search: unavailable (semantic dedup uses exact slugs)")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and state store summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
		fmt.Printf("Server:      %s (model id %q)\n", cfg.Server.Addr(), cfg.API.PublicModelID)
		fmt.Printf("Router:      %s\n", cfg.Models.Router)
		fmt.Printf("Prompts:     %s (auto-reload %v)\n", cfg.Specialists.PromptsDirectory, cfg.Specialists.AutoReload)

		if !cfg.State.Enabled {
			fmt.Println("State:       disabled")
			return nil
		}
		fmt.Printf("State:       enabled (%s)\n", cfg.State.DatabasePath)

		st, err := store.Open(cfg.State.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		stats, err := st.Stats()
		if err != nil {
			return fmt.Errorf("failed to read store stats: %w", err)
		}
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-18s %d\n", name, stats[name])
		}

		if st.VectorSearchAvailable() {
			fmt.Println("  vector search     available")
		} else {
			fmt.Println("  vector search     unavailable")
		}
		return nil
	},
}

var exportUserKey string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Render the markdown projection from the state database",
	Long: `Regenerates the one-way markdown tree (tracks, check-ins, journal,
memories, ops log) for one user or for everyone. Unchanged artifacts are
skipped via stored watermarks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.State.Enabled {
			return fmt.Errorf("state is disabled in config; nothing to export")
		}
		st, err := store.Open(cfg.State.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		exporter := projection.NewExporter(st, cfg.State)

		var results []*projection.Result
		if exportUserKey != "" {
			user, err := st.GetUserByKey(exportUserKey)
			if err != nil {
				return fmt.Errorf("failed to look up user: %w", err)
			}
			if user == nil {
				return fmt.Errorf("unknown user %q", exportUserKey)
			}
			res, err := exporter.ExportUser(user.ID, user.UserKey)
			if err != nil {
				return fmt.Errorf("export failed for %q: %w", exportUserKey, err)
			}
			results = append(results, res)
		} else {
			results, err = exporter.ExportAll()
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
		}

		for _, res := range results {
			fmt.Printf("%-20s rendered=%d skipped=%d -> %s\n", res.UserKey, res.Rendered, res.Skipped, res.Root)
		}
		if len(results) == 0 {
			fmt.Println("No users in the state database yet.")
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportUserKey, "user", "u", "", "Export a single user key (default: all users)")
}
