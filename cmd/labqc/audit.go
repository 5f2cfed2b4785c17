package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labqc-server/internal/audit"
)

func auditCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export or import the audit log",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write the audit log as JSON to file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredAudit(*configFile)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return store.ExportJSON(cmd.Context(), out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Append entries from a JSON export, skipping ones already present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openConfiguredAudit(*configFile)
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			imported, skipped, err := store.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries, skipped %d\n", imported, skipped)
			return nil
		},
	})

	return cmd
}

func openConfiguredAudit(configFile string) (audit.Store, error) {
	manager, err := loadManager(configFile)
	if err != nil {
		return nil, err
	}
	return openAuditStore(manager.GetConfig().Audit, manager.GetDatabaseURL())
}
