package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions and their aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil, false)
			if err != nil {
				return err
			}
			defer a.close()

			sessions, err := a.store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tTITLE\tTOKENS IN/OUT\tTOOL TIME\tLAST ACTIVE")
			for _, s := range sessions {
				last := ""
				if !s.LastActiveAt.IsZero() {
					last = s.LastActiveAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%dms\t%s\n",
					s.ID, s.Agent, truncate(s.Title, 32),
					s.TotalInputTokens, s.TotalOutputTokens,
					s.TotalToolTimeMs, last)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
