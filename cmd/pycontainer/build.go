package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spboyer/pycontainer-build/internal/buildplan"
	"github.com/spboyer/pycontainer-build/internal/orchestrator"
	"github.com/spboyer/pycontainer-build/pkg/cache"
	"github.com/spboyer/pycontainer-build/pkg/registry"
	"github.com/spboyer/pycontainer-build/pkg/registry/auth"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build an OCI image from a Python project",
	RunE:  runBuild,
}

func init() {
	registerBuildFlags(buildCmd.Flags())
	rootCmd.AddCommand(buildCmd)
}

// registerBuildFlags declares every build flag on flags. Split out of
// init so tests can register the same flag set on a throwaway FlagSet
// instead of mutating buildCmd's shared, package-level one.
func registerBuildFlags(flags *pflag.FlagSet) {
	flags.String("tag", "", "destination image tag (required)")
	flags.String("context", ".", "project directory")
	flags.String("workdir", "", "container working directory (default: base image's, or /app)")
	flags.StringToString("env", nil, "environment variables to set, KEY=VALUE")
	flags.StringToString("label", nil, "OCI image labels to set, KEY=VALUE")
	flags.String("base-image", "", "base image reference (default: derived from the project's declared interpreter range)")
	flags.Bool("include-deps", true, "install declared dependencies into a dedicated layer")
	flags.String("requirements-file", "requirements.txt", "requirements file to read, relative to context")
	flags.StringSlice("entrypoint", nil, "container entrypoint, overriding framework/base detection")
	flags.String("platform", "linux/amd64", "target platform as os/arch[/variant]")
	flags.Bool("push", false, "push the built image after writing its layout")
	flags.String("registry", "", "registry host to push to, when the tag is not already fully qualified")
	flags.String("cache-dir", "", "local build cache directory (default: ~/.cache/pycontainer)")
	flags.Bool("no-cache", false, "bypass the local build cache")
	flags.Bool("reproducible", true, "pin layer timestamps for byte-identical rebuilds")
	flags.String("sbom", "", "emit a software bill of materials: \"spdx\" or \"cyclonedx\"")
	flags.Bool("verbose", false, "enable debug logging")
	flags.Bool("dry-run", false, "resolve and log the build plan without writing anything")
	flags.String("username", "", "registry username")
	flags.String("password", "", "registry password")
	flags.String("token", "", "registry bearer token")
}

// stringFlagKeys, boolFlagKeys, etc. name every flag that overlays a
// pycontainer.toml key of the matching type when the user actually passed
// it. Each changed flag is applied with an explicit viper.Set; a flag the
// user did not pass leaves the config-file value or default for its key
// in place.
var stringFlagKeys = map[string]string{
	"tag":               "build.tag",
	"context":           "build.context_path",
	"workdir":           "build.workdir",
	"base-image":        "build.base_image",
	"requirements-file": "build.requirements_file",
	"platform":          "build.platform",
	"sbom":              "build.generate_sbom",
	"registry":          "registry.host",
	"username":          "registry.username",
	"password":          "registry.password",
	"token":             "registry.token",
}

var boolFlagKeys = map[string]string{
	"include-deps": "build.include_deps",
	"push":         "build.push",
	"no-cache":     "build.no_cache",
	"reproducible": "build.reproducible",
	"verbose":      "build.verbose",
	"dry-run":      "build.dry_run",
}

// resolvePlan turns the command's changed flags (overlaid on top of any
// config file and defaults already in viper) into a validated Plan.
//
// cache-dir is applied after Load rather than through viper: its real
// default depends on the user's home directory, so an override set once
// would win over every later invocation's flags for the life of the
// process. Applying it straight to the loaded Plan avoids that leak.
func resolvePlan(cmd *cobra.Command, v *viper.Viper) (*buildplan.Plan, error) {
	buildplan.SetDefaults(v)

	flags := cmd.Flags()
	for flag, key := range stringFlagKeys {
		if flags.Changed(flag) {
			val, _ := flags.GetString(flag)
			v.Set(key, val)
		}
	}
	for flag, key := range boolFlagKeys {
		if flags.Changed(flag) {
			val, _ := flags.GetBool(flag)
			v.Set(key, val)
		}
	}
	if flags.Changed("env") {
		val, _ := flags.GetStringToString("env")
		v.Set("build.env", val)
	}
	if flags.Changed("label") {
		val, _ := flags.GetStringToString("label")
		v.Set("build.labels", val)
	}
	if flags.Changed("entrypoint") {
		val, _ := flags.GetStringSlice("entrypoint")
		v.Set("build.entrypoint", val)
	}

	plan, err := buildplan.Load(v)
	if err != nil {
		return nil, err
	}

	if flags.Changed("cache-dir") {
		plan.CacheDir, _ = flags.GetString("cache-dir")
	}

	return plan, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	plan, err := resolvePlan(cmd, viper.GetViper())
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if plan.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	buildID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate build id: %w", err)
	}
	logger = logger.With("build_id", buildID.String())

	store, err := cache.Open(cache.Options{Root: plan.CacheDir, NoCache: plan.NoCache})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	credentials := auth.Explicit{Username: plan.Username, Password: plan.Password, Token: plan.Token}

	o := orchestrator.New(orchestrator.Options{
		Store:     store,
		Resolver:  registry.NewResolver(),
		Auth:      auth.Default(credentials),
		Logger:    logger,
		OutputDir: defaultOutputDir(plan),
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	result, err := o.Run(ctx, plan)
	if err != nil {
		return err
	}

	if result.DryRun {
		fmt.Println("dry run: no layout written")
		return nil
	}

	fmt.Printf("wrote %s (manifest %s)\n", result.LayoutPath, result.ManifestDigest)
	if result.Pushed {
		fmt.Printf("pushed %s\n", result.PushedRef)
	}
	if result.SBOMPath != "" {
		fmt.Printf("sbom written to %s\n", result.SBOMPath)
	}
	if result.Warning != "" {
		fmt.Fprintln(os.Stderr, "warning:", result.Warning)
	}
	return nil
}

// defaultOutputDir places each build's OCI Image Layout alongside the
// cache, under a directory the orchestrator organizes by tag.
func defaultOutputDir(plan *buildplan.Plan) string {
	return plan.CacheDir + "/images"
}
