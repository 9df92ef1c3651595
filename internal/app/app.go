package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	healthcheck "github.com/vladislavdragonenkov/commerce-coordinator/internal/health"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/sweeper"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/taskqueue"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/version"
)

// Run собирает координатор и работает до отмены ctx: Kafka consumer входящих событий,
// пул фоновых задач, очистка кэша, gRPC ops-сервер и HTTP /metrics.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	wiring, err := LoadWiring(cfg.WiringFile)
	if err != nil {
		return err
	}

	runtime, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.close(logger)

	coordinatorMetrics := metrics.NewCoordinatorMetrics()

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		producer = nil
	}
	defer closeKafka(producer, logger)

	notifier, analytics := createSinks(producer, logger)
	deps, err := NewDependencies(cfg, wiring, DefaultCollaborators(notifier, analytics), runtime, coordinatorMetrics, logger)
	if err != nil {
		return err
	}
	logEventRoutes(deps.Bus, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range runtime.checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer, healthServer := newOpsServer(logger)

	g, gctx := errgroup.WithContext(ctx)

	// Воркеры не привязаны к gctx: при остановке очередь сначала дорабатывает
	// принятые задачи, а уже потом останавливается.
	deps.Queue.Start(context.WithoutCancel(gctx))
	sourcesStopped := make(chan struct{})
	g.Go(func() error {
		<-gctx.Done()
		<-sourcesStopped
		stopQueue(deps.Queue, cfg.TaskDrainTimeout, logger)
		return nil
	})

	if runtime.expired != nil {
		cacheSweeper := sweeper.New(runtime.expired,
			sweeper.WithLogger(logger.WithField("component", "cache-sweeper")),
			sweeper.WithInterval(cfg.CacheSweepInterval),
			sweeper.WithBatchSize(cfg.CacheSweepBatchSize),
			sweeper.WithRecorder(coordinatorMetrics),
		)
		g.Go(func() error {
			cacheSweeper.Run(gctx)
			return nil
		})
	}

	consumerStarted := false
	if producer != nil {
		handler := kafka.NewEventHandler(deps.Bus, logger.WithField("component", "kafka-handler"))
		consumer, err := initKafkaConsumer(cfg, handler, producer, coordinatorMetrics)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka consumer, inbound events are disabled")
		} else if err := consumer.Start(gctx); err != nil {
			close(sourcesStopped)
			deps.Queue.Stop()
			return fmt.Errorf("start kafka consumer: %w", err)
		} else {
			consumerStarted = true
			g.Go(func() error {
				<-gctx.Done()
				defer close(sourcesStopped)
				return consumer.Stop()
			})
		}
	}
	if !consumerStarted {
		close(sourcesStopped)
	}

	metricsSrv := startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)

	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func logEventRoutes(bus *eventbus.Bus, logger *log.Entry) {
	for _, event := range eventbus.KnownEvents() {
		logger.WithFields(log.Fields{
			"event":     event,
			"consumers": bus.Consumers(event),
		}).Info("event route")
	}
}

// stopQueue ждёт принятые задачи не дольше timeout, затем останавливает очередь;
// недоделанные задачи Stop сохраняет как dead letters.
func stopQueue(queue *taskqueue.Queue, timeout time.Duration, logger *log.Entry) {
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := queue.Drain(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("timeout", timeout).Warn("background tasks did not finish before shutdown")
		}
	}
	queue.Stop()
}

// newOpsServer создаёт gRPC-сервер только с health и reflection: доменного API у координатора нет.
func newOpsServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

func stopGRPC(grpcServer *grpc.Server, logger *log.Entry) {
	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(5 * time.Second):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-эндпоинты.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
