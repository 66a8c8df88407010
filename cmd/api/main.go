package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"planvault/internal/audit"
	"planvault/internal/authz"
	"planvault/internal/catalog"
	"planvault/internal/httpapi"
	"planvault/internal/ledger"
	"planvault/internal/obs"
	"planvault/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		ledgerSvc    ledger.Service
		catalogStore catalog.Store
		ready        httpapi.ReadyProbe
		closeStore   func() error
	)
	if dsn := os.Getenv("PLANVAULT_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		ledgerSvc = store
		catalogStore = store
		ready = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	} else {
		// In-memory backends keep local development dependency-free; all
		// state is lost on restart.
		log.Println("PLANVAULT_PG_DSN not set, using in-memory state")
		ledgerSvc = ledger.NewInMemory()
		catalogStore = catalog.NewMemory()
	}

	stream := audit.NewStream()
	recorder, err := audit.NewRecorder(ledgerSvc, stream)
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}
	catalogSvc := catalog.NewService(catalogStore, recorder)

	api := httpapi.New(httpapi.Config{
		Ready:      ready,
		Version:    version,
		Ledger:     ledgerSvc,
		Catalog:    catalogSvc,
		Resolver:   authz.NewResolver(catalogSvc),
		Recorder:   recorder,
		Stream:     stream,
		SuperUsers: splitList(os.Getenv("PLANVAULT_SUPER_ADMIN_USERS")),
	})

	httpAddr := os.Getenv("PLANVAULT_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *httpapi.GRPCServer
	if grpcAddr := os.Getenv("PLANVAULT_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = httpapi.NewGRPCServer(ready)
		go func() {
			log.Printf("gRPC health on %s", grpcAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting planvault-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if closeStore != nil {
		_ = closeStore()
	}
	log.Println("Stopped")
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
