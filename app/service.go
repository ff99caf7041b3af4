package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"

	apiorders "github.com/courierhq/dispatchd/api/orders"
	apipartner "github.com/courierhq/dispatchd/api/partner"
	"github.com/courierhq/dispatchd/config"
	"github.com/courierhq/dispatchd/core/dispatch"
	coremetrics "github.com/courierhq/dispatchd/core/metrics"
	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/notify"
	"github.com/courierhq/dispatchd/core/routing"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/core/tracking"
	"github.com/courierhq/dispatchd/infra/logger"
	"github.com/courierhq/dispatchd/infra/metrics"
	"github.com/courierhq/dispatchd/infra/mongo"
	"github.com/courierhq/dispatchd/infra/mqtt"
	"github.com/courierhq/dispatchd/infra/redisgeo"
	infrarouting "github.com/courierhq/dispatchd/infra/routing"
	"github.com/courierhq/dispatchd/internal/eventbus"
)

// Service wires the dispatch coordinator, the tracking ingestor and the HTTP
// API from the configuration.
type Service struct {
	cfg    *config.Config
	log    logger.Logger
	bus    *eventbus.Bus
	coord  *dispatch.Coordinator
	ingest *tracking.Ingestor
	orders store.OrderStore

	httpSrv     *http.Server
	mongoClient *mongodriver.Client
	geoIndex    *redisgeo.Index
	mqttClient  *mqtt.Client
	consumer    *mqtt.LocationConsumer
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logger.New("service")
	svc := &Service{cfg: cfg, log: log, bus: eventbus.New()}

	var (
		orders   store.OrderStore
		partners store.PartnerStore
	)
	if cfg.Mongo.Enabled {
		client, db, err := mongo.Connect(ctx, cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		svc.mongoClient = client
		mo := mongo.NewOrders(db)
		mp := mongo.NewPartners(db)
		if err := mo.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("order indexes: %w", err)
		}
		if err := mp.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("partner indexes: %w", err)
		}
		orders, partners = mo, mp
	} else {
		orders, partners = store.NewMemoryOrders(), store.NewMemoryPartners()
	}
	svc.orders = orders

	// The candidate search runs against redis when configured, otherwise
	// against the partner store's own geo query.
	var index dispatch.NearQuerier = partners
	if cfg.RedisGeo.Enabled {
		geoIndex, err := redisgeo.New(ctx, cfg.RedisGeo, partners, logger.New("redis-geo"))
		if err != nil {
			return nil, fmt.Errorf("redis geo index: %w", err)
		}
		svc.geoIndex = geoIndex
		index = geoIndex
		partners = redisgeo.NewStore(partners, geoIndex)
	}
	finder := dispatch.NewEligibilityFilter(index, cfg.Dispatch)

	sink := buildSink(cfg.Metrics)

	var (
		pusher notify.Pusher = notify.NopPusher{}
		router routing.Router
	)
	if cfg.MQTT.Enabled {
		client, err := mqtt.NewClient(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		svc.mqttClient = client
		pusher = mqtt.NewPusher(client)
	}
	if cfg.Routing.Enabled {
		router = infrarouting.NewOSRMRouter(cfg.Routing)
	}

	owners := &ownerNotifier{pusher: pusher, log: logger.New("owner-notify")}
	coord, err := dispatch.NewCoordinator(cfg.Dispatch, orders, partners, finder, pusher, owners, sink, svc.bus, logger.New("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("dispatch coordinator: %w", err)
	}
	svc.coord = coord

	ingest, err := tracking.NewIngestor(cfg.Tracking, orders, partners, router, sink, svc.bus, logger.New("tracking"))
	if err != nil {
		return nil, fmt.Errorf("tracking ingestor: %w", err)
	}
	svc.ingest = ingest

	if svc.mqttClient != nil {
		svc.consumer = mqtt.NewLocationConsumer(svc.mqttClient, ingest)
	}

	mux := http.NewServeMux()
	apiorders.NewHandler(orders, coord, ingest, router, cfg.Pricing, logger.New("api-orders")).Register(mux)
	apipartner.NewHandler(partners, coord, ingest, logger.New("api-partners")).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	svc.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return svc, nil
}

// ownerNotifier tells the order owner that dispatch gave up. User devices
// subscribe to their own notify channel keyed by user id.
type ownerNotifier struct {
	pusher notify.Pusher
	log    logger.Logger
}

func (n *ownerNotifier) NoPartnersAvailable(ctx context.Context, o model.Order) {
	msg := notify.Notification{
		Title: "No delivery partners available",
		Body:  "We could not find a partner for your order. Please retry or cancel.",
		Data:  map[string]string{"order_id": o.ID},
	}
	if err := n.pusher.Push(ctx, o.UserID, msg); err != nil {
		n.log.Errorf("no-partner notice for order %s: %v", o.ID, err)
	}
}

func buildSink(cfg coremetrics.Config) coremetrics.MetricsSink {
	var sinks []coremetrics.MetricsSink
	if cfg.PrometheusEnabled {
		if sink, err := metrics.NewPromSink(); err == nil {
			sinks = append(sinks, sink)
		}
	}
	if cfg.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket))
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}
	case 1:
		return sinks[0]
	default:
		return metrics.NewMultiSink(sinks...)
	}
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.consumer != nil {
		if err := s.consumer.Start(ctx); err != nil {
			return fmt.Errorf("location consumer: %w", err)
		}
	}
	if s.cfg.Metrics.PrometheusEnabled {
		metrics.StartServer(ctx, s.cfg.Metrics.PrometheusAddr, s.log)
	}
	go s.ingest.RunProjectionRefresh(ctx, func(ctx context.Context) []string {
		ids, err := s.orders.ListTrackable(ctx)
		if err != nil {
			s.log.Errorf("trackable orders: %v", err)
			return nil
		}
		return ids
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("serving API on %s", s.cfg.HTTPAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	_ = s.coord.Close()
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.geoIndex != nil {
		_ = s.geoIndex.Close()
	}
	if s.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.mongoClient.Disconnect(ctx)
	}
	s.bus.Close()
	return nil
}
