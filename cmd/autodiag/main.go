package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/config"
	"github.com/LoveWonYoung/autodiag/diag"
	"github.com/LoveWonYoung/autodiag/driver"
	"github.com/LoveWonYoung/autodiag/logrecorder"
	"github.com/LoveWonYoung/autodiag/metrics"
	"github.com/LoveWonYoung/autodiag/udsclient"
)

func main() {
	var (
		cfgPath   = flag.String("config", "", "YAML 配置文件")
		mock      = flag.Bool("mock", false, "使用虚拟设备和虚拟 ECU")
		listPorts = flag.Bool("list-ports", false, "列出串口和 PassThru 库后退出")
		didHex    = flag.String("did", "F190", "要读取的 DID (十六进制)")
		unlock    = flag.Bool("unlock", false, "读取前先做安全访问")
		watch     = flag.Bool("watch", false, "读取后保持连接并打印快照，直到 Ctrl+C")
	)
	flag.Parse()

	if *listPorts {
		printDevices()
		return
	}

	cfg, err := loadConfig(*cfgPath, *mock)
	if err != nil {
		log.Fatal(err)
	}
	did, err := driver.ParseHexBytes(*didHex)
	if err != nil || len(did) != 2 {
		log.Fatalf("invalid -did %q", *didHex)
	}

	logs, err := logrecorder.NewManager(logrecorder.Options{
		Dir:    cfg.Log.Dir,
		Level:  cfg.Log.Level,
		Rotate: cfg.RotateInterval(),
		Stdout: os.Stderr,
	})
	if err != nil {
		log.Fatal(err)
	}
	logs.Install()
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logs, binary.BigEndian.Uint16(did), *unlock, *watch); err != nil {
		slog.Error("autodiag failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string, mock bool) (*config.Config, error) {
	if mock || path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printDevices() {
	ports, err := driver.ListSerialPorts()
	if err != nil {
		fmt.Println("serial:", err)
	}
	for _, p := range ports {
		fmt.Println("serial:", p)
	}
	libs, err := driver.ListPassThruLibraries()
	if err != nil {
		fmt.Println("j2534:", err)
	}
	for _, l := range libs {
		fmt.Println("j2534:", l)
	}
}

func run(ctx context.Context, cfg *config.Config, logs *logrecorder.Manager, did uint16, unlock, watch bool) error {
	m := metrics.New(nil)
	writer, err := diag.OpenWriter(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	opts := []diag.Option{diag.WithMetrics(m)}
	if writer != nil {
		opts = append(opts, diag.WithWriter(writer))
	}
	reg := diag.NewRegistry(opts...)
	defer reg.Close()

	bgctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgctx)
	g.Go(func() error { return logs.Run(gctx) })
	srv := metricsServer(cfg.Metrics.Addr)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server exited", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = diagnose(ctx, reg, cfg, did, unlock, watch)
	cancel()
	return errors.Join(err, g.Wait())
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func diagnose(ctx context.Context, reg *diag.Registry, cfg *config.Config, did uint16, unlock, watch bool) error {
	h, err := reg.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Disconnect(h)
	fmt.Printf("connected: %s over %s\n", h.ID(), h.Session().Protocol())

	if unlock {
		if err := reg.Unlock(ctx, h); err != nil {
			return fmt.Errorf("security access: %w", err)
		}
		fmt.Printf("security level 0x%02X unlocked\n", cfg.Security.Level)
	}

	snaps, cancel := reg.SubscribeSnapshots(h)
	defer cancel()

	ex, err := reg.Request(ctx, h, udsclient.SIDReadDataByIdentifier, []byte{byte(did >> 8), byte(did)})
	if err != nil {
		return err
	}
	data := ex.Response
	if len(data) >= 3 {
		data = data[3:]
	}
	fmt.Printf("DID %04X: % X (%v)\n", did, data, ex.Duration())

	if !watch {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Session().Done():
			return h.Session().Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			fmt.Printf("%s %s %s frames=%d dropped=%d\n", snap.Exchange.Start.Format(time.RFC3339Nano),
				udsclient.ServiceName(snap.Exchange.ServiceID), snap.Exchange.State, len(snap.Frames), snap.Dropped)
		}
	}
}
