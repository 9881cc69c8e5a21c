package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/notesync/internal/ui"
	"github.com/spf13/cobra"
)

func newAddCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a note",
		Long:  `Add a note locally. The change is queued and pushed on the next sync.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd)
			if err != nil {
				return err
			}
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				note, err := app.editor.Create(ctx, args[0], body)
				if err != nil {
					return fmt.Errorf("failed to add note: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("Added %s", ui.ShortID(note.ID))))
				return nil
			})
		},
	}
	cmd.Flags().StringP("body", "b", "", "Note body; use - to read it from stdin")
	return cmd
}

func newEditCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title, _ := cmd.Flags().GetString("title")
			bodyChanged := cmd.Flags().Changed("body")
			body, err := readBody(cmd)
			if err != nil {
				return err
			}
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				id, err := app.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				current, err := app.editor.Get(ctx, id)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("title") {
					title = current.Title
				}
				if !bodyChanged {
					body = current.Body
				}
				if _, err := app.editor.Update(ctx, id, title, body); err != nil {
					return fmt.Errorf("failed to edit note: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("Updated %s", ui.ShortID(id))))
				return nil
			})
		},
	}
	cmd.Flags().StringP("title", "t", "", "New title")
	cmd.Flags().StringP("body", "b", "", "New body; use - to read it from stdin")
	return cmd
}

func newRemoveCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a note",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				id, err := app.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := app.editor.Delete(ctx, id); err != nil {
					return fmt.Errorf("failed to delete note: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("Deleted %s", ui.ShortID(id))))
				return nil
			})
		},
	}
}

func newListCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List notes",
		Long:    `List notes, most recently updated first. Notes marked * have changes that are not synchronized yet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			search, _ := cmd.Flags().GetString("search")
			limit, _ := cmd.Flags().GetInt("limit")
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				visible, err := app.editor.List(ctx, search)
				if err != nil {
					return fmt.Errorf("failed to list notes: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(visible) == 0 {
					fmt.Fprintln(out, "No notes found.")
					return nil
				}
				if limit > 0 && len(visible) > limit {
					visible = visible[:limit]
				}
				for _, note := range visible {
					fmt.Fprint(out, ui.FormatNoteListItem(note))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("search", "s", "", "Only list notes whose title or body contains the text")
	cmd.Flags().IntP("limit", "n", 0, "Maximum number of notes to list")
	return cmd
}

func newShowCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a note",
		Long:  `Display a note with its body rendered as markdown.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				id, err := app.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				note, err := app.editor.Get(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, ui.FormatNoteHeader(note))
				fmt.Fprint(out, ui.FormatNoteContent(note.Body))
				return nil
			})
		},
	}
}

// withClient opens the client for one command and reports a failed background sync
// after the command's edits were committed locally.
func (c *cli) withClient(cmd *cobra.Command, run func(ctx context.Context, app *clientApp) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := c.openClient(ctx)
	if err != nil {
		return err
	}
	runErr := run(ctx, app)
	closeErr := app.Close()
	if runErr == nil {
		if lastError := app.orchestrator.Status().LastError; lastError != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), ui.Warning("saved locally, sync failed: "+lastError))
		}
	}
	return errors.Join(runErr, closeErr)
}

func readBody(cmd *cobra.Command) (string, error) {
	body, _ := cmd.Flags().GetString("body")
	if body != "-" {
		return body, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read body from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
