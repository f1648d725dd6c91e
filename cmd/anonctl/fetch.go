package main

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nao1215/anonctl/internal/socks"
)

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the daemon's SOCKS port",
		Long: `Fetch sends an HTTP GET through the SOCKS5 port and prints the body.
Combined with 'anonctl route' it shows which exit a destination is using.

Examples:
  anonctl fetch https://check.example.org/api/ip
  anonctl fetch --socks 127.0.0.1:9150 -i https://example.com/`,
		Args: cobra.ExactArgs(1),
		RunE: runFetchCmd,
	}

	cmd.Flags().String("socks", "", "SOCKS5 proxy address (default 127.0.0.1:9050 or the config file)")
	cmd.Flags().BoolP("include", "i", false, "Print the response status and headers")
	cmd.Flags().Int64("max-size", 10*1024*1024, "Maximum response body size in bytes")

	return cmd
}

func runFetchCmd(cmd *cobra.Command, args []string) error {
	url := args[0]

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Verbose)

	include, err := cmd.Flags().GetBool("include")
	if err != nil {
		return err
	}
	maxSize, err := cmd.Flags().GetInt64("max-size")
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	socksAddr := cfg.SocksAddress
	if cfg.Embedded {
		s, err := openSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		socksAddr = s.socksAddr
	}

	client, err := socks.NewClient(socksAddr, cfg.SocksTimeout, socks.WithMaxBodySize(maxSize))
	if err != nil {
		return err
	}
	if status := client.CheckConnection(ctx); status != socks.ProxyStatusOK {
		return fmt.Errorf("SOCKS proxy check failed: %w (make sure the daemon is running at %s)", status.Err(), socksAddr)
	}
	logger.Debug("SOCKS proxy connection verified", "address", socksAddr)

	resp, err := client.Get(ctx, url)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if include {
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		keys := make([]string, 0, len(resp.Header))
		for k := range resp.Header {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			for _, v := range resp.Header[k] {
				fmt.Fprintf(out, "%s: %s\n", k, v)
			}
		}
		fmt.Fprintln(out)
	}
	if _, err := out.Write(resp.Body); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%d, %s in %s\n",
		resp.StatusCode, humanize.Bytes(uint64(len(resp.Body))), resp.Elapsed.Round(time.Millisecond))
	return nil
}
