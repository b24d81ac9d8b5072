package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	countsrender "github.com/bnema/fedwatch/internal/adapters/render/counts"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/spf13/cobra"
)

func newCountsCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Fetch unread counts for every account once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			accounts, err := app.accounts.List(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([]countsrender.Row, 0, len(accounts))
			total := 0
			for _, account := range accounts {
				counts, err := fetchAccountCounts(cmd, app, account)
				if err != nil {
					return err
				}
				rows = append(rows, countsrender.Row{Account: account, Counts: counts})
				total += counts.Sum()
			}

			if asJSON {
				aggregate := domain.AggregateCounts{
					Total:      total,
					PerAccount: map[domain.AccountID]domain.FeedCounts{},
				}
				for _, row := range rows {
					aggregate.PerAccount[row.Account.ID] = row.Counts
				}

				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(aggregate)
			}

			rendered, err := app.countsRenderer(rows, total)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the aggregate as JSON")

	return cmd
}

// fetchAccountCounts polls both feeds once. A feed the server does not
// support counts as zero rather than failing the whole command.
func fetchAccountCounts(cmd *cobra.Command, app *app, account domain.Account) (domain.FeedCounts, error) {
	var counts domain.FeedCounts

	for _, kind := range domain.FeedKinds() {
		result, err := app.fetcher.Fetch(cmd.Context(), account, kind)
		if errors.Is(err, domain.ErrNotImplemented) {
			continue
		}
		if err != nil {
			return domain.FeedCounts{}, fmt.Errorf("fetch %s for %s: %w", kind, account.ID, err)
		}

		switch kind {
		case domain.FeedNotifications:
			counts.Notifications = result.Unread
		case domain.FeedMessages:
			counts.Messages = result.Unread
		}
	}

	return counts, nil
}
