package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bft-labs/fedship/pkg/client"
	"github.com/bft-labs/fedship/pkg/log"
)

func (c *cli) client() *client.Client {
	return client.New(c.cfg.ServerURL,
		client.WithHTTPClient(&http.Client{Timeout: c.cfg.ClientTimeout}),
		client.WithAdminToken(c.cfg.AdminToken),
		client.WithLogger(log.NewZerologAdapterWithLogger(c.log)),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseRound(s string) (uint64, error) {
	r, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("round must be a non-negative integer: %q", s)
	}
	return r, nil
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's round status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newContributionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "contributions ROUND",
		Short: "List the contributions recorded for a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, err := parseRound(args[0])
			if err != nil {
				return err
			}
			list, err := c.client().Contributions(cmd.Context(), round)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func newAggregateCmd(c *cli) *cobra.Command {
	var reaggregate bool
	cmd := &cobra.Command{
		Use:   "aggregate [ROUND]",
		Short: "Aggregate a round (default: the current round)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			var (
				res client.AggregateResult
				err error
			)
			if len(args) == 0 {
				if reaggregate {
					return fmt.Errorf("--reaggregate needs an explicit round")
				}
				res, err = cl.AggregateCurrent(cmd.Context())
			} else {
				round, perr := parseRound(args[0])
				if perr != nil {
					return perr
				}
				res, err = cl.Aggregate(cmd.Context(), round, reaggregate)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&reaggregate, "reaggregate", false, "overwrite the round's committed checkpoint")
	return cmd
}

func newUploadCmd(c *cli) *cobra.Command {
	var contrib client.Contribution
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a client's encoded weights for a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if contrib.ClientID == "" {
				return fmt.Errorf("--client-id is required")
			}
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := c.client().Upload(cmd.Context(), contrib, blob)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&contrib.ClientID, "client-id", "", "client identifier")
	f.Uint64Var(&contrib.Round, "round", 0, "round the weights were trained for")
	f.Int64Var(&contrib.DatasetSize, "dataset-size", 0, "number of local training samples")
	return cmd
}

func newDownloadCmd(c *cli) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the latest global model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.CreateTemp(dirOf(out), ".fedship-download-*")
			if err != nil {
				return err
			}
			tmp := f.Name()
			defer os.Remove(tmp)

			round, n, err := c.client().Download(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if err := os.Rename(tmp, out); err != nil {
				return err
			}
			c.log.Info().Uint64("round", round).Int64("bytes", n).Str("path", out).Msg("global model downloaded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "global_model.bin", "destination file")
	return cmd
}

func dirOf(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}
