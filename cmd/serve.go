package cmd

import (
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	httpapi "github.com/bnema/interpreter-scheduler/internal/adapters/http"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errMissingJWTSecret = errors.New("http.jwt_secret is required to serve the API")

func newServeCmd(app *app) *cobra.Command {
	var addr string
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, running the scheduler alongside by default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(app.cfg.GetString("http.jwt_secret"))
			if secret == "" {
				return errMissingJWTSecret
			}
			if addr == "" {
				addr = app.cfg.GetString("http.addr")
			}

			router := httpapi.NewRouter(httpapi.Deps{
				Policies:  app.policies,
				Pool:      app.pool,
				Assigner:  app.executor,
				Scheduler: app.scheduler,
				Monitor:   app.monitor,
				Clock:     ports.SystemClock{},
				Log:       app.log,
			}, []byte(secret))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return httpapi.Serve(ctx, addr, router, app.log) })
			if withScheduler {
				group.Go(func() error { return app.scheduler.Run(ctx) })
				if err := app.watchPolicyFile(ctx, group); err != nil {
					stop()
					return errors.Join(err, group.Wait())
				}
			}

			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from http.addr)")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", true, "Run the scheduler loop in the same process")

	return cmd
}
