package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fedwatch",
		Short:         "fedwatch: keep federated social accounts signed in and watch their activity",
		Long:          "fedwatch keeps one or more federated social network accounts continuously authenticated, polls each for new notifications and direct messages, and surfaces aggregate unread counts.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(app),
		newAccountCmd(app),
		newCountsCmd(app),
		newWatchCmd(app),
	)

	return rootCmd
}
