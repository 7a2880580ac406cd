package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ratons127/easy-mail-campaining/internal/audience"
	"github.com/ratons127/easy-mail-campaining/internal/bounce"
	"github.com/ratons127/easy-mail-campaining/internal/campaigns"
	"github.com/ratons127/easy-mail-campaining/internal/clix"
	"github.com/ratons127/easy-mail-campaining/internal/config"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/directory"
	"github.com/ratons127/easy-mail-campaining/internal/dispatch"
	"github.com/ratons127/easy-mail-campaining/internal/metrics"
	"github.com/ratons127/easy-mail-campaining/internal/policy"
	"github.com/ratons127/easy-mail-campaining/internal/sender"
	"github.com/ratons127/easy-mail-campaining/internal/suppression"
	"github.com/ratons127/easy-mail-campaining/internal/web"
	"github.com/ratons127/easy-mail-campaining/tools"
)

func main() {
	app := &cli.App{
		Name:   "easymaild",
		Usage:  "the campaign delivery engine of the internal communications console",
		Action: start,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "service-name",
				Value:   "easymaild",
				EnvVars: []string{"EASYMAIL_SERVICE_NAME"},
			},
			&cli.StringFlag{
				Name:    "metrics-push-url",
				EnvVars: []string{"EASYMAIL_METRICS_PUSH_URL"},
			},
			&cli.DurationFlag{
				Name:    "metrics-push-interval",
				Value:   time.Minute,
				EnvVars: []string{"EASYMAIL_METRICS_PUSH_INTERVAL"},
			},
			&cli.BoolFlag{
				Name:    "metrics-poll",
				EnvVars: []string{"EASYMAIL_METRICS_POLL"},
			},
			&cli.StringFlag{
				Name:    "metrics-poll-basic-auth-user",
				EnvVars: []string{"EASYMAIL_METRICS_POLL_USER"},
			},
			&cli.StringFlag{
				Name:    "metrics-poll-basic-auth-pass",
				EnvVars: []string{"EASYMAIL_METRICS_POLL_PASS"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func start(c *cli.Context) error {
	l := tools.LoggerCloner(log.StandardLogger()).New("easymaild")

	cfg := config.Get()

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	var provider directory.Provider
	if cfg.DirectoryURL != "" {
		provider, err = directory.NewHTTP(cfg.DirectoryURL)
		if err != nil {
			return err
		}
	} else {
		l.Warn("no directory url configured, audiences will resolve to nobody")
		provider = &directory.Static{}
	}

	prom := metrics.New(clix.Parse[metrics.Config](c))
	prom.Start()

	resolver := audience.New(provider)
	filter := suppression.New(db)
	pol := policy.New(db)
	svc := campaigns.New(campaigns.Config{AttachmentsDir: cfg.AttachmentsDir}, db, pol)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:         cfg.Workers,
		AttachmentsDir:  cfg.AttachmentsDir,
		BounceDomain:    cfg.BounceDomain,
		InternalDomains: cfg.InternalDomains,
	}, db, resolver, filter, pol, sender.New(), prom)
	dispatcher.Start()

	services := []Stoppable{prom, dispatcher}

	if cfg.BounceDomain != "" {
		listener := bounce.New(bounce.Config{Domain: cfg.BounceDomain, Port: cfg.BouncePort}, db)
		err = listener.Start()
		if err != nil {
			return err
		}
		services = append(services, listener)
	}

	server := web.New(web.Config{Port: cfg.APIPort}, db, svc, dispatcher, resolver, pol, prom)
	server.Start()
	services = append(services, server)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func() {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}()
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("shutdown complete")
	return nil
}
