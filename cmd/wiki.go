package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/store"
)

var (
	wikiContent string
	wikiFile    string
)

var wikiCmd = &cobra.Command{
	Use:     "wiki",
	Aliases: []string{"note", "notes"},
	Short:   "Manage wiki notes",
	Long: `Markdown notes. Each note keeps the filename it was created with
(YYYY-MM-DD-<slug>.md); its title is the first "# " heading.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiListRun()
	},
}

var wikiNewCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Create a note",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiNewRun(strings.Join(args, " "))
	},
}

var wikiListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiListRun()
	},
}

var wikiShowCmd = &cobra.Command{
	Use:   "show <note>",
	Short: "Print a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiShowRun(args[0])
	},
}

var wikiEditCmd = &cobra.Command{
	Use:   "edit <note>",
	Short: "Edit a note in $EDITOR (or replace it with --content/--file)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiEditRun(args[0])
	},
}

var wikiRenameCmd = &cobra.Command{
	Use:   "rename <note> <new title>",
	Short: "Change a note's title (the filename stays)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiRenameRun(args[0], strings.Join(args[1:], " "))
	},
}

var wikiDeleteCmd = &cobra.Command{
	Use:     "delete <note>",
	Aliases: []string{"rm"},
	Short:   "Delete a note",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiDeleteRun(args[0])
	},
}

var wikiSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiSearchRun(strings.Join(args, " "))
	},
}

var wikiReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the full-text search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return wikiReindexRun()
	},
}

func init() {
	for _, c := range []*cobra.Command{wikiNewCmd, wikiEditCmd} {
		c.Flags().StringVar(&wikiContent, "content", "", "Note body (Markdown)")
		c.Flags().StringVarP(&wikiFile, "file", "f", "", "Read the note body from a file ('-' for stdin)")
	}

	wikiCmd.AddCommand(wikiNewCmd)
	wikiCmd.AddCommand(wikiListCmd)
	wikiCmd.AddCommand(wikiShowCmd)
	wikiCmd.AddCommand(wikiEditCmd)
	wikiCmd.AddCommand(wikiRenameCmd)
	wikiCmd.AddCommand(wikiDeleteCmd)
	wikiCmd.AddCommand(wikiSearchCmd)
	wikiCmd.AddCommand(wikiReindexCmd)
	rootCmd.AddCommand(wikiCmd)
}

// wikiBody returns the body given by --content or --file, if any.
func wikiBody() (string, bool, error) {
	switch {
	case wikiFile == "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), true, err
	case wikiFile != "":
		b, err := os.ReadFile(wikiFile)
		return string(b), true, err
	case wikiContent != "":
		return wikiContent, true, nil
	}
	return "", false, nil
}

// resolveWiki finds a note by id, filename (with or without .md), or unique id prefix.
func resolveWiki(ctx context.Context, s store.Store, ref string) (*models.WikiEntry, error) {
	if w, err := s.GetWikiEntry(ctx, ref); err == nil {
		return w, nil
	}
	name := strings.TrimPrefix(ref, "wiki/")
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	if w, err := s.GetWikiEntryByFilename(ctx, name); err == nil {
		return w, nil
	}
	all, err := s.ListWikiEntries(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*models.WikiEntry
	for _, w := range all {
		if strings.HasPrefix(strings.ToLower(w.ID), strings.ToLower(ref)) {
			matches = append(matches, w)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("note %s: %w", ref, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous note %s: matches %d notes", ref, len(matches))
	}
}

func wikiNewRun(title string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	body, _, err := wikiBody()
	if err != nil {
		return fmt.Errorf("read note body: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create note %s", models.WikiFilename(time.Now(), title))
		return nil
	}

	w, err := s.InsertWikiEntry(context.Background(), &models.WikiEntry{Title: title, Content: body})
	if err != nil {
		return fmt.Errorf("create note: %w", err)
	}
	ui.Success("Created %s", output.Cyan(w.Filename))
	return nil
}

func renderWiki(list []*models.WikiEntry) {
	table := ui.Table([]string{"Filename", "Title", "Updated"})
	for _, w := range list {
		_ = table.Append([]string{w.Filename, output.Truncate(w.Title, 50), w.ModifiedAt().Local().Format("2006-01-02 15:04")})
	}
	_ = table.Render()
}

func wikiListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	list, err := s.ListWikiEntries(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No notes yet. Use 'daybook wiki new <title>' to write one.")
		return nil
	}
	renderWiki(list)
	return nil
}

func wikiShowRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	w, err := resolveWiki(context.Background(), s, ref)
	if err != nil {
		return err
	}
	ui.VerboseLog("%s (id %s, updated %s)", w.Filename, w.ID, w.ModifiedAt().Local().Format(time.RFC3339))
	fmt.Fprint(ui.Out, w.Content)
	if !strings.HasSuffix(w.Content, "\n") {
		fmt.Fprintln(ui.Out)
	}
	return nil
}

// editInEditor opens content in $EDITOR and returns the saved text.
func editInEditor(content string) (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return "", fmt.Errorf("$EDITOR is not set (or pass --content/--file)")
	}
	f, err := os.CreateTemp("", "daybook-*.md")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	editCmd := exec.Command(editor, f.Name())
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	if err := editCmd.Run(); err != nil {
		return "", fmt.Errorf("editor: %w", err)
	}
	b, err := os.ReadFile(f.Name())
	return string(b), err
}

func wikiEditRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	w, err := resolveWiki(ctx, s, ref)
	if err != nil {
		return err
	}

	body, given, err := wikiBody()
	if err != nil {
		return fmt.Errorf("read note body: %w", err)
	}
	if dryRun {
		ui.DryRunMsg("Would edit %s", w.Filename)
		return nil
	}
	if !given {
		if body, err = editInEditor(w.Content); err != nil {
			return err
		}
	}
	if body == w.Content {
		ui.Info("No changes to %s", w.Filename)
		return nil
	}

	w.Content = body
	w.Title = ""
	updated, err := s.UpdateWikiEntry(ctx, w)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	ui.Success("Saved %s (%s)", output.Cyan(updated.Filename), updated.Title)
	return nil
}

func wikiRenameRun(ref, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is required", models.ErrInvalid)
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	w, err := resolveWiki(ctx, s, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would retitle %s to %q", w.Filename, title)
		return nil
	}
	w.Title = title
	if _, err := s.UpdateWikiEntry(ctx, w); err != nil {
		return fmt.Errorf("rename note: %w", err)
	}
	ui.Success("Retitled %s to %q", output.Cyan(w.Filename), title)
	return nil
}

func wikiDeleteRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	w, err := resolveWiki(ctx, s, ref)
	if errors.Is(err, store.ErrNotFound) {
		ui.Info("Note %s does not exist; nothing to delete", ref)
		return nil
	}
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete %s", w.Filename)
		return nil
	}
	if err := s.DeleteWikiEntry(ctx, w.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete note: %w", err)
	}
	ui.Success("Deleted %s", w.Filename)
	return nil
}

func wikiSearchRun(query string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	list, err := s.SearchWiki(context.Background(), query)
	if err != nil {
		return fmt.Errorf("search notes: %w", err)
	}
	if len(list) == 0 {
		ui.Info("No notes match %q", query)
		return nil
	}
	renderWiki(list)
	return nil
}

func wikiReindexRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would rebuild the search index")
		return nil
	}
	if err := s.RebuildWikiIndex(context.Background()); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	ui.Success("Search index rebuilt")
	return nil
}
