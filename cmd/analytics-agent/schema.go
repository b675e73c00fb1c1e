package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImportSchemaCmd() *cobra.Command {
	var csvPath, source string
	var recreate bool
	cmd := &cobra.Command{
		Use:   "import-schema",
		Short: "Embed the field schema CSV into the vector index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			if csvPath == "" {
				csvPath = a.Cfg.SchemaCSVPath
			}
			si, err := a.SchemaImporter(cmd.Context())
			if err != nil {
				return err
			}
			n, err := si.ImportCSV(cmd.Context(), csvPath, source, recreate)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d fields from %s\n", n, csvPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV path or s3://bucket/key (default SCHEMA_CSV_PATH)")
	cmd.Flags().StringVar(&source, "source", "", "source tag stored with each entry (default schema)")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "drop the index before importing")
	return cmd
}

func newSyncVirtualKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-virtual-keys",
		Short: "Index every discovered event parameter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			engine, err := a.Engine(ctx)
			if err != nil {
				return err
			}
			defs, err := engine.Registry(ctx)
			if err != nil {
				return err
			}
			si, err := a.SchemaImporter(ctx)
			if err != nil {
				return err
			}
			n, err := si.SyncVirtualKeys(ctx, defs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d virtual keys\n", n)
			return nil
		},
	}
}

func newVerifySchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-schema",
		Short: "Check that the virtual key registry matches the events table columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.Engine(cmd.Context())
			if err != nil {
				return err
			}
			if err := engine.Verify(cmd.Context()); err != nil {
				return err
			}
			defs, err := engine.Registry(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, d := range defs {
				fmt.Fprintf(w, "%-40s %-8s %s\n", d.Name, d.Type, d.ParentPath)
			}
			fmt.Fprintf(w, "ok: %d virtual keys, registry and columns agree\n", len(defs))
			return nil
		},
	}
}
