package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"browsernerd/internal/profile"
)

var (
	profileDescription string
	profileTags        []string
	profileSites       []string
	profileKeepData    bool
	profileExportPath  string
	profileImportName  string
	profileFilterTags  []string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage persistent browser profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles, optionally filtered by tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		profiles := store.List(profileFilterTags)
		if len(profiles) == 0 {
			fmt.Println("no profiles")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTAGS\tUSES\tLAST USED\tHUMAN LOGIN")
		for _, p := range profiles {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n",
				p.Name, joinOrDash(p.Tags), p.UsageCount,
				lastUsed(p), p.RequiresHumanLogin)
		}
		return w.Flush()
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a profile and its user-data directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		p, err := store.Create(args[0], profileDescription, profileTags, profileSites)
		if err != nil {
			return err
		}
		fmt.Printf("created profile %q at %s\n", p.Name, p.UserDataDir)
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0], profileKeepData); err != nil {
			return err
		}
		fmt.Printf("deleted profile %q\n", args[0])
		return nil
	},
}

var profileExportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "Export a profile as a tar.gz archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		path, err := store.Export(args[0], profileExportPath)
		if err != nil {
			return err
		}
		fmt.Printf("exported profile %q to %s\n", args[0], path)
		return nil
	},
}

var profileImportCmd = &cobra.Command{
	Use:   "import <archive.tar.gz>",
	Short: "Import a previously exported profile archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		p, err := store.Import(args[0], profileImportName)
		if err != nil {
			return err
		}
		fmt.Printf("imported profile %q at %s\n", p.Name, p.UserDataDir)
		return nil
	},
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate <name>",
	Short: "Statically validate a profile's user-data directory",
	Long: `Inspects the profile's user-data directory for Chromium login
artifacts and prints the report as JSON. Runtime validation needs a
live session; use a validate_profile script step for that.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		report, err := store.Validate(cmd.Context(), args[0], profile.ValidateStatic, nil, profile.RuntimeAsserts{})
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if report.Status == profile.StatusMissing {
			return fmt.Errorf("profile %q failed validation", args[0])
		}
		return nil
	},
}

func openStore() (*profile.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return profile.NewStore(cfg.ProfilesRoot)
}

func joinOrDash(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	out := tags[0]
	for _, t := range tags[1:] {
		out += "," + t
	}
	return out
}

func lastUsed(p *profile.Profile) string {
	if p.LastUsedAt == nil {
		return "never"
	}
	return p.LastUsedAt.Format(time.DateTime)
}

func init() {
	profileListCmd.Flags().StringSliceVar(&profileFilterTags, "tags", nil, "only list profiles carrying any of these tags")
	profileCreateCmd.Flags().StringVar(&profileDescription, "description", "", "human-readable description")
	profileCreateCmd.Flags().StringSliceVar(&profileTags, "tags", nil, "capability tags, e.g. shop-login")
	profileCreateCmd.Flags().StringSliceVar(&profileSites, "auto-login-sites", nil, "sites this profile is logged into")
	profileDeleteCmd.Flags().BoolVar(&profileKeepData, "keep-data", false, "keep the user-data directory on disk")
	profileExportCmd.Flags().StringVar(&profileExportPath, "out", "", "archive output path")
	profileImportCmd.Flags().StringVar(&profileImportName, "name", "", "import under a different profile name")

	profileCmd.AddCommand(profileListCmd, profileCreateCmd, profileDeleteCmd,
		profileExportCmd, profileImportCmd, profileValidateCmd)
}
