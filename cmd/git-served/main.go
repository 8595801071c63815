// Command git-served serves the repositories beneath a root
// directory over the Git smart HTTP and native git:// protocols.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/lxr/go.git-serve/protocol/daemon"
	githttp "github.com/lxr/go.git-serve/protocol/http"
	"github.com/lxr/go.git-serve/repository/gogit"
)

var (
	httpAddr    string
	gitAddr     string
	dir         string
	readTimeout time.Duration
	maxRounds   int
)

func main() {
	klog.InitFlags(nil)

	cmd := &cobra.Command{
		Use:          "git-served",
		Short:        "Serve Git repositories over smart HTTP and the native git protocol",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", ":8418", "smart HTTP listen address (empty to disable)")
	cmd.Flags().StringVar(&gitAddr, "git", fmt.Sprintf(":%d", daemon.DefaultPort), "native protocol listen address (empty to disable)")
	cmd.Flags().StringVar(&dir, "dir", ".", "root directory of the served repositories")
	cmd.Flags().DurationVar(&readTimeout, "read-timeout", daemon.DefaultReadTimeout, "native protocol session idle timeout")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "bound on upload-pack negotiation rounds (0 for none)")
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	root, err := os.Getwd()
	if dir != "" && dir != "." {
		root = dir
	} else if err != nil {
		return err
	}
	repos := gogit.Dir(root)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	servers := 0

	if httpAddr != "" {
		servers++
		go func() {
			addrCh := make(chan net.Addr, 1)
			go logAddr("smart HTTP", addrCh)
			err := githttp.ListenAndServe(ctx, httpAddr, &githttp.Handler{
				Repos:     repos,
				MaxRounds: maxRounds,
			}, addrCh)
			if err == http.ErrServerClosed {
				err = nil
			}
			errc <- err
		}()
	}
	if gitAddr != "" {
		servers++
		go func() {
			addrCh := make(chan net.Addr, 1)
			go logAddr("git protocol", addrCh)
			srv := &daemon.Server{
				Repos:       repos,
				ReadTimeout: readTimeout,
				MaxRounds:   maxRounds,
			}
			errc <- srv.ListenAndServe(ctx, gitAddr, addrCh)
		}()
	}
	if servers == 0 {
		return fmt.Errorf("both transports disabled; nothing to serve")
	}
	klog.Infof("serving repositories under %s", root)

	// The first listener to fail brings the process down; the
	// deferred cancel stops the other.
	for ; servers > 0; servers-- {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}

func logAddr(what string, addrCh <-chan net.Addr) {
	if addr, ok := <-addrCh; ok {
		klog.Infof("%s listening on %s", what, addr)
	}
}
