package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
)

const ThreadCtlVersion = "0.1.0"

const usage = `Thread sync control.

The client section of config.yaml (or THREADSYNC_CLIENT_* variables) supplies
the server url and reconnection settings; flags override it.

Usage:
    threadctl token --secret=<secret> --user=<user_id>
        [--name=<name>] [--issuer=<issuer>] [--ttl=<ttl>] [--thread=<thread_id>...]
    threadctl watch [--config=<dir>] [--url=<url>] --token=<token> [--debug] <thread_id>
    threadctl lock [--config=<dir>] [--url=<url>] --token=<token> [--debug]
        [--content=<content>] [--hold=<hold>] <thread_id>
    threadctl -h | --help
    threadctl --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --secret=<secret>     HMAC secret shared with the server.
    --user=<user_id>      Subject of the minted token.
    --name=<name>         Display name carried in the token.
    --issuer=<issuer>     Token issuer [default: threadsync].
    --ttl=<ttl>           Token lifetime [default: 12h].
    --thread=<thread_id>  Restrict the token to these threads.
    --config=<dir>        Directory holding config.yaml.
    --url=<url>           Websocket url of the server.
    --token=<token>       Access token.
    --content=<content>   Content to push while holding the lock.
    --hold=<hold>         How long to keep the lock before releasing [default: 0s].
    --debug               Log at debug level.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], ThreadCtlVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if token_, _ := opts.Bool("token"); token_ {
		err = token(os.Stdout, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if lock_, _ := opts.Bool("lock"); lock_ {
		err = lock(ctx, opts)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
