package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/fleetbroker/internal/capability"
	"github.com/seantiz/fleetbroker/internal/catalog"
	"github.com/seantiz/fleetbroker/internal/selection"
)

// Templates returns the templates command group.
func Templates() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect the template catalog",
	}
	cmd.AddCommand(templatesValidate())
	return cmd
}

func templatesValidate() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the template catalog against the configured providers",
		Long: `Validate loads the template catalog and checks that at least one enabled
provider instance can serve every template. Warnings are printed but do not
fail validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.TemplatesFile)
			if err != nil {
				return err
			}

			selector := selection.NewSelector(capability.NewValidator())
			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "TEMPLATE\tHANDLER\tPROVIDER\tNOTES")

			var errs []error
			for _, tmpl := range cat.List() {
				res, err := selector.Select(tmpl, cfg.Providers, selection.FirstAvailable)
				if err != nil {
					fmt.Fprintf(out, "%s\t%s\t-\t%v\n", tmpl.ID, tmpl.ProviderAPI, err)
					errs = append(errs, err)
					continue
				}
				notes := "ok"
				if w := res.Validation.Warnings; len(w) > 0 {
					notes = fmt.Sprintf("%d warnings: %v", len(w), w)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", tmpl.ID, tmpl.ProviderAPI, res.ProviderName, notes)
			}
			if err := out.Flush(); err != nil {
				return err
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d templates cannot be served: %w", len(errs), len(cat.List()), errors.Join(errs...))
			}
			return nil
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}
