// Package web exposes the REST API of the campaign engine. Authentication is
// delegated to an upstream gateway which injects the acting user via
// headers, the handlers enforce roles on top of that.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ratons127/easy-mail-campaining/internal/audience"
	"github.com/ratons127/easy-mail-campaining/internal/campaigns"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/dispatch"
	"github.com/ratons127/easy-mail-campaining/internal/metrics"
	"github.com/ratons127/easy-mail-campaining/internal/policy"
	"github.com/ratons127/easy-mail-campaining/tools"
)

type Config struct {
	Interface string
	Port      int
}

type Server struct {
	cfg Config
	log *logrus.Logger
	srv *http.Server

	db         dao.DAO
	campaigns  *campaigns.Service
	dispatcher *dispatch.Dispatcher
	resolver   *audience.Resolver
	policy     *policy.Engine
	metrics    *metrics.Metrics
}

func New(cfg Config, db dao.DAO, svc *campaigns.Service, d *dispatch.Dispatcher, resolver *audience.Resolver, pol *policy.Engine, prom *metrics.Metrics) *Server {
	logger := logrus.New()
	logger.AddHook(tools.LoggerWho{Name: "web"})

	return &Server{
		cfg:        cfg,
		log:        logger,
		db:         db,
		campaigns:  svc,
		dispatcher: d,
		resolver:   resolver,
		policy:     pol,
		metrics:    prom,
	}
}

func (s *Server) Start() {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log}))
	mux.Use(middleware.Heartbeat("/ping"))
	mux.Use(s.metrics.Middleware())

	mux.Get("/metrics", s.metrics.HttpMetrics())

	mux.Route("/api", func(r chi.Router) {
		r.Use(requireActor)
		s.routeCampaigns(r)
		s.routeAudiences(r)
		s.routeAdmin(r)
		s.routeReports(r)
	})

	port := s.cfg.Port
	if port == 0 {
		port = 8080
	}
	s.srv = &http.Server{Addr: fmt.Sprintf("%s:%d", s.cfg.Interface, port), Handler: mux}
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("starting webserver")
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("webserver died")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler builds the router without binding a listener, used by tests.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Route("/api", func(r chi.Router) {
		r.Use(requireActor)
		s.routeCampaigns(r)
		s.routeAudiences(r)
		s.routeAdmin(r)
		s.routeReports(r)
	})
	return mux
}
