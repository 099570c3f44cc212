package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newQueueCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the contingency outbox",
	}

	var state, documentID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List contingency requests, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if documentID != "" {
				q.Set("document_id", documentID)
			}
			path := "/contingency/requests"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return client().show(cmd, http.MethodGet, path, nil)
		},
	}
	list.Flags().StringVar(&state, "state", "", "pending, rejected, exhausted or submitted")
	list.Flags().StringVar(&documentID, "document", "", "only requests for this document")

	var reason, file string
	add := &cobra.Command{
		Use:   "add",
		Short: "Queue a document without trying the authority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readJSONFile(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			var req map[string]any
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("%s must hold a JSON object: %w", file, err)
			}
			if reason != "" {
				req["reason"] = reason
			}
			return client().show(cmd, http.MethodPost, "/contingency/requests", req)
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "-", "request file with document and context, - for stdin")
	add.Flags().StringVar(&reason, "reason", "", "contingency reason")

	var force bool
	remove := &cobra.Command{
		Use:   "rm REQUEST_ID",
		Short: "Remove a request; submitted requests need --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/contingency/requests/" + url.PathEscape(args[0])
			if force {
				path += "?force=true"
			}
			return client().show(cmd, http.MethodDelete, path, nil)
		},
	}
	remove.Flags().BoolVar(&force, "force", false, "remove even if already submitted")

	auto := &cobra.Command{
		Use:       "auto start|stop",
		Short:     "Start or stop the periodic sweep",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			method := http.MethodPost
			if args[0] == "stop" {
				method = http.MethodDelete
			}
			return client().show(cmd, method, "/contingency/auto-submission", nil)
		},
	}

	cmd.AddCommand(
		list,
		add,
		remove,
		auto,
		&cobra.Command{
			Use:   "get REQUEST_ID",
			Short: "Show one request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().show(cmd, http.MethodGet, "/contingency/requests/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Count requests by state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return client().show(cmd, http.MethodGet, "/contingency/stats", nil)
			},
		},
		&cobra.Command{
			Use:   "retry REQUEST_ID",
			Short: "Submit one request now, ignoring its attempt budget",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().show(cmd, http.MethodPost, "/contingency/requests/"+url.PathEscape(args[0])+"/retry", nil)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Resubmit every eligible request now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return client().show(cmd, http.MethodPost, "/contingency/sweep", nil)
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Drop finished requests older than the retention window",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return client().show(cmd, http.MethodPost, "/contingency/cleanup", nil)
			},
		},
	)
	return cmd
}
