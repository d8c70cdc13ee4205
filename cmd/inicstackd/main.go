// Command inicstackd is the daemon: it wires every component the
// package tree implements into one running stack and ticks the
// cooperative scheduler until told to stop. Grounded on the teacher's
// appserver.go (pflag-bound main, a long-lived poll loop) re-targeted
// from an AX.25 application server onto this stack's PM/AMS pipeline,
// with the LLD chosen between a real serial device (internal/refserial)
// and an in-memory demo link (internal/loopback) when none is given.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/ucnx/inicstack/internal/ams"
	"github.com/ucnx/inicstack/internal/config"
	"github.com/ucnx/inicstack/internal/fifogroup"
	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/loopback"
	"github.com/ucnx/inicstack/internal/pmchannel"
	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/refserial"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/segmentation"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
	"github.com/ucnx/inicstack/internal/transceiver"
)

// lazyCallbacks forwards to target once set, breaking the construction
// cycle between a pmchannel.Channel (which needs its lld.Driver up
// front) and an lld.Driver (here, refserial.Driver or loopback.Endpoint)
// that needs its Callbacks up front, when that Callbacks target is the
// Channel itself.
type lazyCallbacks struct{ target lld.Callbacks }

func (l *lazyCallbacks) RxAllocate(size int) (*telegram.CMessage, bool) {
	return l.target.RxAllocate(size)
}
func (l *lazyCallbacks) RxFreeUnused(msg *telegram.CMessage) { l.target.RxFreeUnused(msg) }
func (l *lazyCallbacks) RxReceive(msg *telegram.CMessage)    { l.target.RxReceive(msg) }
func (l *lazyCallbacks) TxRelease(item *lld.LldTxItem)       { l.target.TxRelease(item) }

// icmSink logs every control-message telegram that arrives on the
// conventional FIFO; nothing above component I currently consumes ICM
// traffic, so this is as far as the wiring takes it.
type icmSink struct{ log *trace.Logger }

func (s *icmSink) OnReceive(msg *telegram.CMessage, release func()) {
	defer release()
	s.log.Debug("icm telegram received", "len", len(msg.PayloadBytes()))
}

func main() {
	// A first pass picks out --config alone, so Load can seed the
	// defaults the second, full flag set's BindFlags displays as its
	// usage defaults and overrides afterward.
	preScan := pflag.NewFlagSet("inicstackd-prescan", pflag.ContinueOnError)
	preScan.ParseErrorsWhitelist.UnknownFlags = true
	configPath := preScan.StringP("config", "c", "", "YAML config file (optional)")
	_ = preScan.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inicstackd: %v\n", err)
		os.Exit(1)
	}

	pflag.StringP("config", "c", *configPath, "YAML config file (optional)")
	metricsAddr := pflag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	help := pflag.BoolP("help", "h", false, "display help text")
	cfg.BindFlags(pflag.CommandLine)
	pflag.Parse()

	if *help {
		fmt.Fprintln(os.Stderr, "usage: inicstackd [OPTIONS]")
		pflag.PrintDefaults()
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "inicstackd: %v\n", err)
		os.Exit(1)
	}

	log := trace.New("inicstackd")

	reg := prometheus.NewRegistry()
	metrics := trace.NewMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "err", err)
			}
		}()
		log.Info("serving metrics", "addr", *metricsAddr)
	}

	var capture *trace.CaptureSink
	if cfg.CapturePath != "" {
		capture, err = trace.NewCaptureSink(cfg.CapturePath)
		if err != nil {
			log.Error("capture sink disabled", "err", err)
		} else {
			defer capture.Close()
		}
	}

	sc := sched.New()
	staticPool := pool.NewStaticPool(pool.Config{
		NumTxMsgs:      cfg.NumTxMsgs,
		NumRxMsgs:      cfg.NumRxMsgs,
		SizeTxMsg:      cfg.SizeTxMsg,
		SizeRxMsg:      cfg.SizeRxMsg,
		RxReservedObjs: 1,
	})

	lazy := &lazyCallbacks{}
	var driver lld.Driver
	var peerEp *loopback.Endpoint

	if cfg.SerialPort != "" {
		log.Info("using reference serial LLD", "device", cfg.SerialPort)
		driver = refserial.New(cfg.SerialPort, 0, lazy, log.WithFields("component", "refserial"))
	} else {
		log.Warn("no --serial-port given, running an in-memory loopback demo link instead of a real INIC")
		hostEp := loopback.New(lazy, log.WithFields("component", "loopback-host"))
		peerEp = loopback.New(nil, log.WithFields("component", "loopback-peer"))
		peerEp.SetCallbacks(loopback.NewDemoPeer(peerEp))
		loopback.Link(hostEp, peerEp)
		driver = hostEp
	}

	channel := pmchannel.New(driver, nil, staticPool.RxObjects, sc, log.WithFields("component", "pmchannel"))
	lazy.target = channel
	if rd, ok := driver.(*refserial.Driver); ok {
		channel.SetWake(rd.Wake)
	}
	if capture != nil {
		channel.SetCapture(func(direction string, fifo pmp.FifoID, raw []byte) {
			if err := capture.Write(time.Now(), direction, fifo.String(), raw); err != nil {
				log.Warn("capture write failed", "err", err)
			}
		})
	}

	mcmFifo := pmfifo.New(pmfifo.Config{
		ID:           pmp.FifoMCM,
		Channel:      channel,
		Encoder:      telegram.Dialect00,
		TxObjects:    staticPool.TxObjects,
		AckThreshold: cfg.MCMFifo.AckThreshold,
		Metrics:      metrics,
		Log:          log.WithFields("component", "pmfifo"),
	}, sc)
	icmFifo := pmfifo.New(pmfifo.Config{
		ID:           pmp.FifoICM,
		Channel:      channel,
		Encoder:      telegram.Dialect00,
		TxObjects:    staticPool.TxObjects,
		AckThreshold: cfg.ConventionalFifo.AckThreshold,
		Metrics:      metrics,
		Log:          log.WithFields("component", "pmfifo"),
	}, sc)
	rcmFifo := pmfifo.New(pmfifo.Config{
		ID:           pmp.FifoRCM,
		Channel:      channel,
		Encoder:      telegram.Dialect00,
		TxObjects:    staticPool.TxObjects,
		AckThreshold: cfg.TinyFifo.AckThreshold,
		Metrics:      metrics,
		Log:          log.WithFields("component", "pmfifo"),
	}, sc)
	channel.Register(mcmFifo)
	channel.Register(icmFifo)
	channel.Register(rcmFifo)

	group := fifogroup.New(fifogroup.Config{
		Fifos: []*pmfifo.FIFO{mcmFifo, icmFifo, rcmFifo},
		Params: map[pmp.FifoID]pmfifo.SyncParams{
			pmp.FifoMCM: {RxCredits: byte(cfg.MCMFifo.Credits), RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0},
			pmp.FifoICM: {RxCredits: byte(cfg.ConventionalFifo.Credits), RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0},
			pmp.FifoRCM: {RxCredits: byte(cfg.TinyFifo.Credits), RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0},
		},
		Scheduler: sc,
		Log:       log.WithFields("component", "fifogroup"),
	})

	icmConsumer := &icmSink{log: log.WithFields("component", "icm")}
	icmTrcv := transceiver.New(transceiver.Config{
		Fifo:     icmFifo,
		Consumer: icmConsumer,
		Log:      log.WithFields("component", "transceiver-icm"),
	})
	_ = icmTrcv

	mcmTrcv := transceiver.New(transceiver.Config{
		Fifo: mcmFifo,
		Log:  log.WithFields("component", "transceiver-mcm"),
	})
	rcmTrcv := transceiver.New(transceiver.Config{
		Fifo: rcmFifo,
		Log:  log.WithFields("component", "transceiver-rcm"),
	})

	amsInstance := ams.New(ams.Config{
		TrcvMCM:      mcmTrcv,
		TrcvRCM:      rcmTrcv,
		RxObjects:    staticPool.RxObjects,
		Segmentation: segmentation.Config{Metrics: metrics},
		Group:        group,
		Metrics:      metrics,
		Log:          log.WithFields("component", "ams"),
	}, sc)
	_ = amsInstance

	if err := channel.Start(); err != nil {
		log.Error("failed to start pmchannel", "err", err)
		os.Exit(1)
	}
	if peerEp != nil {
		if err := peerEp.Start(nil); err != nil {
			log.Error("failed to start loopback peer", "err", err)
			os.Exit(1)
		}
	}

	group.Synchronize(0, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	log.Info("inicstackd running")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			channel.Stop()
			return
		case now := <-ticker.C:
			sc.Tick(now)
		}
	}
}
