package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/db"
)

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "Manage stored conversations",
	}
	cmd.AddCommand(conversationsListCmd())
	cmd.AddCommand(conversationsDeleteCmd())
	cmd.AddCommand(conversationsPurgeCmd())
	return cmd
}

func openRepo() (*db.MessageRepository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.NewSQLite(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db.NewMessageRepository(store), func() { store.Close() }, nil
}

func conversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := openRepo()
			if err != nil {
				return err
			}
			defer closeRepo()

			convs, err := repo.ListConversations(context.Background())
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range convs {
				title := c.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("  %s  %-30s updated %s\n", c.ID, title, c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func conversationsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and all its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := openRepo()
			if err != nil {
				return err
			}
			defer closeRepo()

			if err := repo.DeleteConversation(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted conversation %s\n", args[0])
			return nil
		},
	}
}

func conversationsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove empty ghost messages left by interrupted generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := openRepo()
			if err != nil {
				return err
			}
			defer closeRepo()

			n, err := repo.PurgeEmpty(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d empty messages\n", n)
			return nil
		},
	}
}
