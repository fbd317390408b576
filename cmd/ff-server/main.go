// Command ff-server runs the recording-session control plane: the bus
// Receiver (device authentication + subscription), the Windowing Engine,
// the in-memory Vector Store Facade, the Session Registry, and the REST
// surface, all behind one gorilla/mux router. Flag/config handling and
// the swagger mount follow cmd/cc-backend/main.go and server.go.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/firecrew/telemetry/internal/bus"
	"github.com/firecrew/telemetry/internal/deviceauth"
	"github.com/firecrew/telemetry/internal/registry"
	"github.com/firecrew/telemetry/internal/restapi"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/internal/svrconfig"
	"github.com/firecrew/telemetry/internal/vectorstore"
	"github.com/firecrew/telemetry/internal/windowing"
	"github.com/firecrew/telemetry/pkg/archive"
	"github.com/firecrew/telemetry/pkg/ccflog"
	"github.com/firecrew/telemetry/pkg/metrics"
)

func main() {
	var flagConfigFile, flagEnvFile string
	var flagGops, flagDev bool
	flag.StringVar(&flagConfigFile, "config", "./ff-server.json", "Path to the server's JSON config file")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Path to an optional .env overlay")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagDev, "dev", false, "Mount /swagger for local API exploration")
	flag.Parse()

	if err := godotenv.Load(flagEnvFile); err != nil && !os.IsNotExist(err) {
		ccflog.Fatal("ff-server: loading .env: ", err)
	}

	cfg, err := svrconfig.Load(flagConfigFile)
	if err != nil {
		ccflog.Fatal("ff-server: loading config: ", err)
	}
	if cfg.Gops || flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			ccflog.Fatal("ff-server: gops/agent.Listen failed: ", err)
		}
	}

	log := ccflog.New()
	if lvl, ok := ccflog.ParseLevel(cfg.LogLevel); ok {
		log.SetLevel(lvl)
	}

	mtr := metrics.New()
	vectors := vectorstore.NewMemory()

	emitter := vectorEmitter{vectors: vectors, metrics: mtr}
	lookup := &sessionLookupProxy{}
	engine := windowing.New(lookup, emitter, log)
	if err := engine.RestoreCheckpoint(cfg.WindowCheckpointPath); err != nil {
		log.Warnf("ff-server: restoring window checkpoint: %v", err)
	}

	reg, err := registry.Open(cfg.DB, engine, vectors, log)
	if err != nil {
		log.Fatal("ff-server: opening session registry: ", err)
	}
	lookup.reg = reg

	verifier := deviceauth.New(cfg.DeviceKeyHashes, cfg.JWTSigningKey)
	receiver, err := bus.NewReceiver(cfg.BusAddress, verifier, log)
	if err != nil {
		log.Fatal("ff-server: connecting to bus: ", err)
	}
	if err := receiver.Subscribe(func(r schema.Reading) {
		if err := engine.AddReading(context.Background(), r); err != nil {
			log.Errorf("ff-server: windowing engine rejected reading: %v", err)
		}
	}); err != nil {
		log.Fatal("ff-server: subscribing to bus: ", err)
	}

	var archiver restapi.Archiver
	if cfg.S3Archive != nil {
		a, err := archive.NewS3Archiver(context.Background(), *cfg.S3Archive)
		if err != nil {
			log.Warnf("ff-server: S3 archiver disabled: %v", err)
		} else {
			archiver = a
		}
	}

	api := restapi.New(reg, vectors, archiver, log)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal("ff-server: creating scheduler: ", err)
	}
	scheduler.NewJob(gocron.DurationJob(time.Second), gocron.NewTask(func() {
		engine.CloseExpired(context.Background(), time.Now())
		st := engine.Stats()
		mtr.ReadingsDropped.Store(uint64(st.ReadingsDropped))
		mtr.ReadingsLate.Store(uint64(st.ReadingsLate))
	}), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	scheduler.NewJob(gocron.DurationJob(30*time.Second), gocron.NewTask(func() {
		if err := engine.Checkpoint(cfg.WindowCheckpointPath); err != nil {
			log.Warnf("ff-server: checkpoint failed: %v", err)
		}
	}), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	scheduler.Start()

	router := mux.NewRouter()
	api.MountRoutes(router)
	router.Handle("/metrics", mtr.Handler()).Methods(http.MethodGet)
	if flagDev {
		router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("http://" + cfg.Addr + "/swagger/doc.json"))).Methods(http.MethodGet)
	}

	logged := handlers.CombinedLoggingHandler(os.Stderr, router)
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      logged,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("ff-server: listening at %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ff-server: ", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("ff-server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	_ = scheduler.Shutdown()
	receiver.Close()
	if err := engine.Checkpoint(cfg.WindowCheckpointPath); err != nil {
		log.Warnf("ff-server: final checkpoint failed: %v", err)
	}
	reg.Close()
}

// vectorEmitter adapts the Vector Store Facade to windowing.Emitter.
type vectorEmitter struct {
	vectors vectorstore.Facade
	metrics *metrics.Metrics
}

func (e vectorEmitter) EmitWindow(ctx context.Context, w schema.Window, pointID schema.PointID) error {
	start := time.Now()
	err := e.vectors.Upsert(ctx, vectorstore.Point{
		ID:         pointID,
		Vector:     w.Vector,
		SessionID:  w.SessionID,
		StartTime:  w.StartTime.UnixNano(),
		FootCount:  w.FootCount,
		AccelCount: w.AccelCount,
		RawFoot:    w.RawFoot,
		RawAccel:   w.RawAccel,
	})
	e.metrics.UpsertLatencyMs.Store(uint64(time.Since(start).Milliseconds()))
	if err == nil {
		e.metrics.WindowsEmitted.Add(1)
	}
	return err
}

// sessionLookupProxy breaks the registry/windowing initialization cycle:
// the Engine needs a SessionLookup at construction time, but the
// Registry (which implements it) needs the Engine as its WindowCloser.
// The proxy defers the real lookup until reg is assigned, a beat later in
// main.
type sessionLookupProxy struct {
	reg *registry.Registry
}

func (p *sessionLookupProxy) ActiveSession(ctx context.Context) (string, time.Time, bool, error) {
	return p.reg.ActiveSession(ctx)
}
