package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/fedship/internal/cliconfig"
)

const helpDescription = `
Coordinate federated-learning rounds: collect client weight uploads,
combine them with dataset-size weighted FedAvg, and serve the resulting
global model as a versioned checkpoint.

Configuration is read from a TOML file, then FEDSHIP_* environment
variables, then flags; later sources win.
`

var exampleUsage = strings.TrimSpace(`
  fedship serve --data-dir /srv/fl --seed init_model.bin
  fedship upload --client-id hospital-a --round 1 --dataset-size 1200 weights.bin
  fedship aggregate --admin-token $FEDSHIP_ADMIN_TOKEN
  fedship download -o global.bin
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli holds state shared by all subcommands.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	// loadedPath is the config file actually read, if any.
	loadedPath string
	log        zerolog.Logger
}

// load resolves configuration for cmd: file, then env, then flags.
func (c *cli) load(cmd *cobra.Command) error {
	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
		c.loadedPath = cfgFile
	} else if c.cfgPath != "" {
		return fmt.Errorf("config file %s not found", c.cfgPath)
	}

	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.log = cliconfig.Logger(c.cfg.LogLevel)
	return nil
}

func newCLI() *cli {
	return &cli{
		cfg: cliconfig.DefaultConfig(),
		log: cliconfig.Logger("info"),
	}
}

func newRootCmd(c *cli) *cobra.Command {

	root := &cobra.Command{
		Use:           "fedship",
		Short:         "Federated-learning round coordinator and aggregation server",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.fedship/config.toml)")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&c.cfg.ServerURL, "server", c.cfg.ServerURL, "server base URL for client commands")
	pf.StringVar(&c.cfg.AdminToken, "admin-token", c.cfg.AdminToken, "bearer token for aggregation endpoints")
	pf.DurationVar(&c.cfg.ClientTimeout, "timeout", c.cfg.ClientTimeout, "HTTP timeout for client commands")

	root.AddCommand(
		newServeCmd(c),
		newStatusCmd(c),
		newContributionsCmd(c),
		newAggregateCmd(c),
		newUploadCmd(c),
		newDownloadCmd(c),
	)
	return root
}

func main() {
	root := newRootCmd(newCLI())
	if err := root.Execute(); err != nil {
		l := cliconfig.Logger("info")
		l.Error().Err(err).Msg("fedship")
		os.Exit(1)
	}
}
