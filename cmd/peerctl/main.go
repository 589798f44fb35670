// peerctl is a thin debug client for peerd's Unix control socket, used
// by tests and operators. It is not the companion UI's management API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/shurlinet/peerd/internal/config"
	"github.com/shurlinet/peerd/internal/supervisor"
)

func main() {
	fs := flag.NewFlagSet("peerctl", flag.ExitOnError)
	rootFlag := fs.String("root", "", "data root (overrides $RAD_HOME)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: peerctl [--root path] <status|requests|seal|unseal|reset>")
	}
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	root, err := config.ResolveRoot(*rootFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}

	var method, path string
	switch fs.Arg(0) {
	case "status":
		method, path = http.MethodGet, "/v1/status"
	case "requests":
		method, path = http.MethodGet, "/v1/requests"
	case "seal":
		method, path = http.MethodPost, "/v1/seal"
	case "unseal":
		method, path = http.MethodPost, "/v1/unseal"
	case "reset":
		method, path = http.MethodPost, "/v1/reset"
	default:
		fs.Usage()
		os.Exit(1)
	}

	socket := supervisor.SocketPath(root)
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}

	req, err := http.NewRequest(method, "http://peerd"+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: is peerd running? %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	io.Copy(os.Stdout, resp.Body)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
