package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/render-queue/internal/config"
	"github.com/hochfrequenz/render-queue/internal/renderer"
)

func init() {
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Manage renderer installations",
	}

	versionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured renderer versions",
		RunE:  runVersionsList,
	})
	versionsCmd.AddCommand(&cobra.Command{
		Use:   "add VERSION EXECUTABLE",
		Short: "Register a renderer executable under a version label",
		Args:  cobra.ExactArgs(2),
		RunE:  runVersionsAdd,
	})
	versionsCmd.AddCommand(&cobra.Command{
		Use:   "remove VERSION",
		Short: "Forget a renderer version",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersionsRemove,
	})

	rootCmd.AddCommand(versionsCmd)
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	versions := cfg.RendererVersions()
	if len(versions) == 0 {
		fmt.Println("No renderer versions configured")
		return nil
	}

	inv := renderer.New(renderer.Config{Renderers: cfg.Renderers}, nil, nil)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tEXECUTABLE\tSTATUS")
	for _, v := range versions {
		status := "ok"
		if problems := inv.ValidateInstallation(v); len(problems) > 0 {
			status = strings.Join(problems, "; ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", v, cfg.Renderers[v], status)
	}
	return w.Flush()
}

func runVersionsAdd(cmd *cobra.Command, args []string) error {
	version, exe := args[0], config.ExpandPath(args[1])
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := addVersion(cfg, version, exe); err != nil {
		return err
	}
	if err := cfg.Save(resolvedConfigPath()); err != nil {
		return err
	}
	fmt.Printf("Added renderer %s: %s\n", version, exe)
	return nil
}

func runVersionsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := removeVersion(cfg, args[0]); err != nil {
		return err
	}
	if err := cfg.Save(resolvedConfigPath()); err != nil {
		return err
	}
	fmt.Printf("Removed renderer %s\n", args[0])
	return nil
}

// addVersion registers exe after checking that it can be run
func addVersion(cfg *config.Config, version, exe string) error {
	if strings.TrimSpace(version) == "" {
		return fmt.Errorf("version label must not be empty")
	}
	inv := renderer.New(renderer.Config{Renderers: map[string]string{version: exe}}, nil, nil)
	if problems := inv.ValidateInstallation(version); len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	if cfg.Renderers == nil {
		cfg.Renderers = map[string]string{}
	}
	cfg.Renderers[version] = exe
	return nil
}

func removeVersion(cfg *config.Config, version string) error {
	if _, ok := cfg.Renderers[version]; !ok {
		return fmt.Errorf("renderer version %q is not configured", version)
	}
	delete(cfg.Renderers, version)
	return nil
}
