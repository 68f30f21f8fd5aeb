package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/maxxine-systems/worldsync"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// World command flags.
var (
	worldDescription string
	worldType        string
	worldAuthor      string
	worldTags        []string
	worldPublic      bool
	worldJSON        bool
	worldFormat      string
	worldOutput      string
)

func init() {
	worldSaveCmd.Flags().StringVarP(&worldDescription, "description", "d", "", "World description")
	worldSaveCmd.Flags().StringVarP(&worldType, "type", "t", "", "World type: fantasy, scifi, modern, historical, custom")
	worldSaveCmd.Flags().StringVar(&worldAuthor, "author", "", "Author name")
	worldSaveCmd.Flags().StringSliceVar(&worldTags, "tag", nil, "Tag (repeatable)")
	worldSaveCmd.Flags().BoolVar(&worldPublic, "public", false, "Mark the world public")

	worldLoadCmd.Flags().BoolVar(&worldJSON, "json", false, "Output raw JSON")
	worldListCmd.Flags().BoolVar(&worldJSON, "json", false, "Output raw JSON")

	worldImportCmd.Flags().StringVarP(&worldFormat, "format", "f", "", "Input format: json or yaml (default from extension)")
	worldExportCmd.Flags().StringVarP(&worldFormat, "format", "f", "json", "Output format: json or yaml")
	worldExportCmd.Flags().StringVarP(&worldOutput, "output", "o", "", "Write to file instead of stdout")

	rootCmd.AddCommand(worldCmd)
	worldCmd.AddCommand(worldSaveCmd)
	worldCmd.AddCommand(worldLoadCmd)
	worldCmd.AddCommand(worldListCmd)
	worldCmd.AddCommand(worldDeleteCmd)
	worldCmd.AddCommand(worldImportCmd)
	worldCmd.AddCommand(worldExportCmd)
}

var worldCmd = &cobra.Command{
	Use:   "world",
	Short: "Create, inspect and move worlds",
}

var worldSaveCmd = &cobra.Command{
	Use:   "save <name> [id]",
	Short: "Save a world",
	Long:  "Save a world by name. Pass an existing id to update it; omit it to create a new world.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		w := worldsync.World{Name: args[0]}
		if len(args) == 2 {
			existing, err := eng.LoadWorld(ctx, args[1])
			if err != nil && !errors.Is(err, worldsync.ErrNotFound) {
				return err
			}
			if err == nil {
				w = existing
				w.Name = args[0]
			} else {
				w.ID = args[1]
			}
		}
		if cmd.Flags().Changed("description") {
			w.Description = worldDescription
		}
		if worldType != "" {
			w.Type = worldsync.WorldType(worldType)
		}
		if cmd.Flags().Changed("author") {
			w.Metadata.Author = worldAuthor
		}
		if cmd.Flags().Changed("tag") {
			w.Metadata.Tags = worldTags
		}
		if cmd.Flags().Changed("public") {
			w.Metadata.IsPublic = worldPublic
		}

		saved, err := eng.SaveWorld(ctx, w)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%s)\n", saved.ID, saved.Name)
		if n := len(eng.PendingOps()); n > 0 {
			fmt.Printf("  %d change(s) queued for sync\n", n)
		}
		return nil
	},
}

var worldLoadCmd = &cobra.Command{
	Use:   "load <id>",
	Short: "Show a world",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		w, err := eng.LoadWorld(ctx, args[0])
		if err != nil {
			if errors.Is(err, worldsync.ErrNotFound) {
				return fmt.Errorf("world %q not found", args[0])
			}
			return err
		}
		if worldJSON {
			return printJSON(w)
		}

		fmt.Printf("ID:          %s\n", w.ID)
		fmt.Printf("Name:        %s\n", w.Name)
		fmt.Printf("Type:        %s\n", w.Type)
		fmt.Printf("Description: %s\n", valueOrDefault(w.Description, "-"))
		fmt.Printf("Author:      %s\n", valueOrDefault(w.Metadata.Author, "-"))
		if len(w.Metadata.Tags) > 0 {
			fmt.Printf("Tags:        %s\n", strings.Join(w.Metadata.Tags, ", "))
		}
		fmt.Printf("Public:      %t\n", w.Metadata.IsPublic)
		fmt.Printf("Created:     %s\n", w.Created.Local().Format(time.RFC3339))
		fmt.Printf("Modified:    %s\n", w.LastModified.Local().Format(time.RFC3339))
		fmt.Printf("Version:     %s\n", w.Version)
		return nil
	},
}

var worldListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worlds, most recently modified first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		worlds, err := eng.ListWorlds(ctx)
		if err != nil {
			return err
		}
		if worldJSON {
			return printJSON(worlds)
		}
		if len(worlds) == 0 {
			fmt.Println("No worlds.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tTYPE\tMODIFIED")
		for _, w := range worlds {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", w.ID, w.Name, w.Type, w.LastModified.Local().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var worldDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete worlds",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		for _, id := range args {
			if err := eng.DeleteWorld(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			fmt.Printf("Deleted %s\n", id)
		}
		return nil
	},
}

var worldImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import worlds from a JSON or YAML file",
	Long:  "Read a list of worlds and save each one. Worlds without an id are created; existing ids are updated.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", args[0], err)
		}
		worlds, err := decodeWorlds(data, importFormat(args[0], worldFormat))
		if err != nil {
			return err
		}
		if len(worlds) == 0 {
			fmt.Println("Nothing to import.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		bar := pb.New(len(worlds))
		bar.Start()
		var failed int
		for _, w := range worlds {
			if _, err := eng.SaveWorld(ctx, w); err != nil {
				failed++
				logger.Sugar().Warnf("import %q: %v", w.Name, err)
			}
			bar.Increment()
		}
		bar.Finish()

		fmt.Printf("Imported %d of %d worlds\n", len(worlds)-failed, len(worlds))
		if failed > 0 {
			return fmt.Errorf("%d worlds failed to import", failed)
		}
		return nil
	},
}

var worldExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all worlds as JSON or YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		worlds, err := eng.ListWorlds(ctx)
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if worldOutput != "" {
			f, err := os.Create(worldOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if err := encodeWorlds(out, worlds, worldFormat); err != nil {
			return err
		}
		if worldOutput != "" {
			fmt.Printf("Exported %d worlds to %s\n", len(worlds), worldOutput)
		}
		return nil
	},
}

// importFormat picks the explicit format or infers it from the file extension.
func importFormat(path, explicit string) string {
	if explicit != "" {
		return explicit
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return "yaml"
	}
	return "json"
}

func decodeWorlds(data []byte, format string) ([]worldsync.World, error) {
	var worlds []worldsync.World
	switch format {
	case "json":
		if err := json.Unmarshal(data, &worlds); err != nil {
			return nil, fmt.Errorf("invalid JSON world list: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &worlds); err != nil {
			return nil, fmt.Errorf("invalid YAML world list: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q (valid: json, yaml)", format)
	}
	return worlds, nil
}

func encodeWorlds(w io.Writer, worlds []worldsync.World, format string) error {
	if worlds == nil {
		worlds = []worldsync.World{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(worlds)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(worlds); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (valid: json, yaml)", format)
	}
}
