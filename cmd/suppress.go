package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/license-recon/internal/model"
)

var suppressCmd = &cobra.Command{
	Use:   "suppress",
	Short: "Manage the export suppression list",
}

var suppressAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Block exports matching an email, phone, license number or registry id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		entry := &model.SuppressionEntry{ID: uuid.NewString()}
		entry.Email, _ = cmd.Flags().GetString("email")
		entry.Phone, _ = cmd.Flags().GetString("phone")
		entry.LicenseNumber, _ = cmd.Flags().GetString("license-number")
		entry.RegistryID, _ = cmd.Flags().GetString("registry-id")
		entry.Destination, _ = cmd.Flags().GetString("destination")
		entry.Reason, _ = cmd.Flags().GetString("reason")
		entry.CreatedBy, _ = cmd.Flags().GetString("actor")
		if days, _ := cmd.Flags().GetInt("expires-days"); days > 0 {
			exp := time.Now().UTC().AddDate(0, 0, days)
			entry.ExpiresAt = &exp
		}

		if err := env.Suppressions.Add(ctx, entry); err != nil {
			return err
		}
		return printJSON(entry)
	},
}

var suppressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suppression entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		entries, err := env.Store.ListSuppressions(ctx, !all)
		if err != nil {
			return eris.Wrap(err, "suppress list")
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEMAIL\tPHONE\tLICENSE\tREGISTRY\tDESTINATION\tREASON\tACTIVE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
				e.ID, e.Email, e.Phone, e.LicenseNumber, e.RegistryID, e.Destination, e.Reason, e.Active)
		}
		return tw.Flush()
	},
}

var suppressRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Deactivate a suppression entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Suppressions.Deactivate(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Suppression %s deactivated\n", args[0])
		return nil
	},
}

func init() {
	suppressAddCmd.Flags().String("email", "", "email address")
	suppressAddCmd.Flags().String("phone", "", "phone number")
	suppressAddCmd.Flags().String("license-number", "", "license number")
	suppressAddCmd.Flags().String("registry-id", "", "national registry id")
	suppressAddCmd.Flags().String("destination", "", "limit to one destination (default all)")
	suppressAddCmd.Flags().String("reason", "manual", "why the contact is suppressed")
	suppressAddCmd.Flags().String("actor", "", "operator adding the entry")
	suppressAddCmd.Flags().Int("expires-days", 0, "expire after this many days (0 never)")

	suppressListCmd.Flags().Bool("all", false, "include inactive entries")

	suppressCmd.AddCommand(suppressAddCmd, suppressListCmd, suppressRemoveCmd)
	rootCmd.AddCommand(suppressCmd)
}
