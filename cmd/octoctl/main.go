// Command octoctl is a small demonstration client for octohttp: it drives a
// single request through the full Call/Chain/Dispatcher stack and prints the
// outcome, the way a teacher's cli/ package is usually paired with a tiny
// runnable example rather than left as library-only code.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/badu/octohttp"
	"github.com/badu/octohttp/internal/cachestore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		method      string
		headerFlags []string
		cacheDir    string
		timeout     time.Duration
		verbose     bool
	)

	root := &cobra.Command{
		Use:   "octoctl <url>",
		Short: "Issue one HTTP request through octohttp's Call/Chain/Dispatcher engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []octohttp.Option{
				octohttp.WithCallTimeout(timeout),
			}
			if cacheDir != "" {
				store, err := cachestore.NewDisk(cacheDir)
				if err != nil {
					return fmt.Errorf("opening cache dir %s: %w", cacheDir, err)
				}
				opts = append(opts, octohttp.WithCacheStore(store))
			} else {
				opts = append(opts, octohttp.WithCacheStore(cachestore.NewMemory()))
			}

			client := octohttp.New(opts...)
			defer client.Close()

			req, err := http.NewRequest(method, args[0], nil)
			if err != nil {
				return err
			}
			for _, h := range headerFlags {
				name, value, ok := splitHeader(h)
				if !ok {
					return fmt.Errorf("invalid -H value %q, want Name: Value", h)
				}
				req.Header.Add(name, value)
			}

			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			fmt.Printf("%s %s\n", resp.Proto, resp.Status)
			if verbose {
				for name, values := range resp.Header {
					for _, v := range values {
						fmt.Printf("%s: %s\n", name, v)
					}
				}
				fmt.Println()
			}
			fmt.Printf("%s in %s\n", humanize.Bytes(uint64(len(body))), elapsed.Round(time.Millisecond))
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&method, "request", "X", http.MethodGet, "HTTP method")
	flags.StringArrayVarP(&headerFlags, "header", "H", nil, "extra request header, Name: Value")
	flags.StringVar(&cacheDir, "cache-dir", "", "persist the HTTP cache to this directory (default: in-memory)")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "per-call timeout")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print response headers")
	return root
}

func splitHeader(s string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(s, ":")
	if !ok {
		return "", "", false
	}
	return name, strings.TrimLeft(value, " "), true
}
