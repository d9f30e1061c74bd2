package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/triteia/triteia/internal/model"
	"github.com/triteia/triteia/internal/services"
)

type opener func(ctx context.Context) (*services.DocumentService, func(), error)

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "docctl",
		Short:         "Administer the document store directly (reads TRITEIA_* configuration)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(initCmd(open, out), historyCmd(open, out), contentCmd(open, out))
	return root
}

// withService opens the store for the duration of fn.
func withService(cmd *cobra.Command, open opener, fn func(ctx context.Context, svc *services.DocumentService) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}

func initCmd(open opener, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init COLLECTION...",
		Short: "Create the tables of one or more collections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(ctx context.Context, svc *services.DocumentService) error {
				for _, id := range args {
					if _, err := svc.Initialize(ctx, model.CollectionInput{ID: id}); err != nil {
						return fmt.Errorf("initialize %s: %w", id, err)
					}
					_, _ = fmt.Fprintf(out, "initialized %s\n", id)
				}
				return nil
			})
		},
	}
}

func historyCmd(open opener, out io.Writer) *cobra.Command {
	var asc, all bool
	var pageSize int
	cmd := &cobra.Command{
		Use:   "history URI",
		Short: "Print the audit events of a document (/collection/system/id)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := model.ParseURI(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, open, func(ctx context.Context, svc *services.DocumentService) error {
				opts := model.HistoryOptions{PageSize: pageSize, Ascending: asc}
				enc := json.NewEncoder(out)
				for {
					resp, err := svc.LoadHistory(ctx, ref, opts)
					if err != nil {
						return err
					}
					for _, ev := range resp.Events {
						if err := enc.Encode(ev); err != nil {
							return err
						}
					}
					if !all || resp.NextPageToken == nil {
						return nil
					}
					opts.PageToken = resp.NextPageToken
				}
			})
		},
	}
	cmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	cmd.Flags().BoolVar(&all, "all", false, "Follow page tokens to the end")
	cmd.Flags().IntVarP(&pageSize, "page-size", "n", model.DefaultPageSize, "Events per page")
	return cmd
}

func contentCmd(open opener, out io.Writer) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "content URI",
		Short: "Print a document's content, optionally reconstructed at an instant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := model.ParseURI(args[0])
			if err != nil {
				return err
			}
			var instant *time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339Nano, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				instant = &t
			}
			return withService(cmd, open, func(ctx context.Context, svc *services.DocumentService) error {
				var content model.Content
				if instant != nil {
					content, err = svc.ContentAt(ctx, ref, *instant)
				} else {
					var doc *model.Document
					doc, err = svc.Load(ctx, ref, model.LoadOptions{Deleted: true})
					if doc != nil {
						content = doc.Content
					}
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(content)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 instant to reconstruct the content at")
	return cmd
}
