package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dunamismax/pixelrewrite/internal/bootstrap"
	"github.com/dunamismax/pixelrewrite/internal/config"
	"github.com/dunamismax/pixelrewrite/internal/domain"
	"github.com/spf13/cobra"
)

type options struct {
	width        int
	height       int
	resourceID   int
	centerInside bool
	centerCrop   bool
	always       bool
	profile      string
	profilesFile string
	webp         string
	host         string
	key          string
	asJSON       bool
}

func main() {
	if err := newRootCmd(config.Load()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	opts := options{
		always:       cfg.Rewrite.AlwaysTransform,
		profilesFile: cfg.Rewrite.ProfilesFile,
		webp:         cfg.Rewrite.ModernFormat,
		host:         cfg.Thumbor.Host,
		key:          cfg.Thumbor.Key,
	}

	cmd := &cobra.Command{
		Use:   "pixelrewrite [flags] <uri>",
		Short: "Rewrite an image request into a thumbor URL",
		Long: `Decides whether an image request should be served by the remote thumbor
service and prints the resulting URI. Requests that are left alone are
printed unchanged together with the reason.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.width, "width", "W", 0, "target width in pixels")
	flags.IntVarP(&opts.height, "height", "H", 0, "target height in pixels")
	flags.IntVar(&opts.resourceID, "resource-id", 0, "bundled resource id; non-zero requests are never rewritten")
	flags.BoolVar(&opts.centerInside, "center-inside", false, "fit the image inside the target box")
	flags.BoolVar(&opts.centerCrop, "center-crop", false, "crop the image to fill the target box")
	flags.BoolVar(&opts.always, "always", opts.always, "rewrite even when no target size is set")
	flags.StringVarP(&opts.profile, "profile", "p", "", "rewrite profile name")
	flags.StringVar(&opts.profilesFile, "profiles", opts.profilesFile, "YAML profiles file")
	flags.StringVar(&opts.webp, "webp", opts.webp, "modern format support: true, false or runtime")
	flags.StringVar(&opts.host, "host", opts.host, "thumbor base URL")
	flags.StringVar(&opts.key, "key", opts.key, "thumbor signing key; empty emits unsafe URLs")
	flags.BoolVar(&opts.asJSON, "json", false, "print the full result as JSON")

	return cmd
}

func run(cmd *cobra.Command, opts options, uri string) error {
	rewriting, err := bootstrap.NewRewriting(
		config.ThumborConfig{Host: opts.host, Key: opts.key},
		config.RewriteConfig{
			AlwaysTransform: opts.always,
			ProfilesFile:    opts.profilesFile,
			ModernFormat:    opts.webp,
		},
	)
	if err != nil {
		return err
	}

	rw, err := rewriting.Rewriters.Lookup(opts.profile)
	if err != nil {
		return err
	}

	req, err := domain.ImageRequest{
		ResourceID:   opts.resourceID,
		URI:          uri,
		TargetWidth:  opts.width,
		TargetHeight: opts.height,
		CenterInside: opts.centerInside,
		CenterCrop:   opts.centerCrop,
	}.ToRewrite()
	if err != nil {
		return err
	}

	out, err := rw.Rewrite(req)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if opts.asJSON {
		wire := domain.FromRewrite("", out.Request)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(domain.RewriteResult{
			Rewritten: out.Rewritten,
			Reason:    string(out.Reason),
			Request:   &wire,
		})
	}

	fmt.Fprintln(w, out.Request.URI.String())
	if !out.Rewritten {
		fmt.Fprintf(cmd.ErrOrStderr(), "unchanged: %s\n", out.Reason)
	}
	return nil
}
