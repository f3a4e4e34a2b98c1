package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/client"

	"github.com/spf13/pflag"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: xrayctl [flags] <command>

Commands:
  health                 check the service
  predict <image>...     classify one or more chest X-ray images
  history [page]         list recorded analyses

Flags:
`)
	pflag.PrintDefaults()
}

func main() {
	server := pflag.StringP("server", "s", envOr("MEDVISION_URL", "http://localhost:5001"), "service base URL")
	timeout := pflag.DurationP("timeout", "t", 60*time.Second, "request timeout")
	limit := pflag.IntP("limit", "l", 10, "analyses per page for history")
	pflag.Usage = usage
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := client.New(*server, *timeout)
	ctx := context.Background()

	var err error
	switch args[0] {
	case "health":
		var h *client.Health
		if h, err = c.Health(ctx); err == nil {
			err = printJSON(h)
		}
	case "predict":
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		for _, path := range args[1:] {
			res, perr := c.Predict(ctx, path)
			if perr != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, perr)
				err = perr
				continue
			}
			if perr := printJSON(res); perr != nil {
				err = perr
			}
		}
	case "history":
		page := 1
		if len(args) > 1 {
			if page, err = parsePage(args[1]); err != nil {
				break
			}
		}
		var p *client.AnalysisPage
		if p, err = c.Analyses(ctx, page, *limit); err == nil {
			err = printJSON(p)
		}
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "xrayctl: %v\n", err)
		os.Exit(1)
	}
}

// parsePage reads a 1-based history page number.
func parsePage(s string) (int, error) {
	page, err := strconv.Atoi(s)
	if err != nil || page < 1 {
		return 0, fmt.Errorf("invalid page %q", s)
	}
	return page, nil
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
