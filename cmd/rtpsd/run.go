package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/liamstask/go-rtps/v2/rtps"
)

// chatter is the sample published with --pub and printed with --sub.
type chatter struct {
	Seq  uint32
	Text string
}

type runOptions struct {
	configPath    string
	domainID      uint32
	participantID int
	logLevel      string
	guidPrefix    string
	httpAddr      string
	pubTopic      string
	subTopic      string
	typeName      string
	period        time.Duration
	reliable      bool
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a participant and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rtps.DefaultConfig()
			if opts.configPath != "" {
				var err error
				if cfg, err = rtps.LoadConfig(opts.configPath); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("domain") {
				cfg.DomainID = opts.domainID
			}
			if flags.Changed("participant-id") {
				cfg.ParticipantID = opts.participantID
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	f.Uint32VarP(&opts.domainID, "domain", "d", 0, "domain id")
	f.IntVar(&opts.participantID, "participant-id", -1, "participant id, -1 to pick a free one")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	f.StringVar(&opts.guidPrefix, "guid-prefix", "", "fixed GUID prefix as 24 hex digits, random when empty")
	f.StringVar(&opts.httpAddr, "http", "", "serve metrics and status on this address")
	f.StringVar(&opts.pubTopic, "pub", "", "publish chatter samples on this topic")
	f.StringVar(&opts.subTopic, "sub", "", "print samples received on this topic")
	f.StringVar(&opts.typeName, "type", "rtpsd::Chatter", "type name of the pub/sub topic")
	f.DurationVar(&opts.period, "period", time.Second, "publish period")
	f.BoolVar(&opts.reliable, "reliable", true, "use reliable endpoints")

	return cmd
}

func run(ctx context.Context, cfg rtps.Config, opts *runOptions) error {
	logger := log.StandardLogger()
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logger.SetLevel(lvl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	popts := []rtps.Option{
		rtps.WithLogger(logger),
		rtps.WithRegisterer(reg),
		rtps.WithListener(loggingListener(logger)),
	}
	if opts.guidPrefix != "" {
		gp, err := rtps.ParseGUIDPrefix(opts.guidPrefix)
		if err != nil {
			return err
		}
		popts = append(popts, rtps.WithGUIDPrefix(gp))
	}
	// not ctx: Close must still announce the departure after a signal
	p, err := rtps.NewParticipant(context.Background(), cfg, popts...)
	if err != nil {
		return err
	}
	defer p.Close()
	logger.WithFields(log.Fields{
		"prefix":         p.GUIDPrefix().String(),
		"participant_id": p.ParticipantID(),
		"domain":         cfg.DomainID,
	}).Info("participant started")

	qos := rtps.DefaultWriterQos()
	if !opts.reliable {
		qos.Reliability = rtps.BestEffort
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.httpAddr != "" {
		srv := &http.Server{Addr: opts.httpAddr, Handler: newStatusRouter(p, reg)}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "http")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	if opts.pubTopic != "" {
		dw, err := p.NewWriter(opts.pubTopic, opts.typeName, qos)
		if err != nil {
			return err
		}
		g.Go(func() error { return publish(ctx, logger, dw, opts.period) })
	}
	if opts.subTopic != "" {
		rq := qos
		rq.Durability = rtps.Volatile
		dr, err := p.NewReader(opts.subTopic, opts.typeName, rq)
		if err != nil {
			return err
		}
		g.Go(func() error { return subscribe(ctx, logger, dr) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func publish(ctx context.Context, logger *log.Logger, dw *rtps.DataWriter, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	host, _ := os.Hostname()
	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		seq++
		if err := dw.WriteValue(&chatter{Seq: seq, Text: "hello from " + host}); err != nil {
			return errors.Wrap(err, "publish")
		}
		logger.WithField("seq", seq).Debug("published")
	}
}

func subscribe(ctx context.Context, logger *log.Logger, dr *rtps.DataReader) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dr.Notify():
		}
		samples, err := dr.Take()
		if err != nil {
			return errors.Wrap(err, "take")
		}
		for i := range samples {
			s := &samples[i]
			if s.Kind != rtps.ChangeAlive {
				logger.WithFields(log.Fields{"writer": s.Writer.String(), "kind": s.Kind.String()}).Info("instance change")
				continue
			}
			var msg chatter
			if err := s.Decode(&msg); err != nil {
				logger.WithError(err).WithField("writer", s.Writer.String()).Warn("undecodable sample")
				continue
			}
			logger.WithFields(log.Fields{
				"writer": s.Writer.String(),
				"sn":     s.SequenceNumber,
				"seq":    msg.Seq,
			}).Info(msg.Text)
		}
	}
}

func loggingListener(logger *log.Logger) rtps.Listener {
	return rtps.Listener{
		ParticipantDiscovered: func(pp rtps.ParticipantProxy) {
			logger.WithFields(log.Fields{"remote": pp.Prefix.String(), "name": pp.EntityName}).Info("participant discovered")
		},
		ParticipantLost: func(prefix rtps.GUIDPrefix, reason error) {
			logger.WithError(reason).WithField("remote", prefix.String()).Info("participant lost")
		},
		Matched: func(local, remote rtps.GUID) {
			logger.WithFields(log.Fields{"local": local.String(), "remote": remote.String()}).Info("matched")
		},
		Unmatched: func(local, remote rtps.GUID, reason error) {
			logger.WithError(reason).WithFields(log.Fields{"local": local.String(), "remote": remote.String()}).Info("unmatched")
		},
		IncompatibleQos: func(local, remote rtps.GUID, err *rtps.QosIncompatibleError) {
			logger.WithError(err).WithFields(log.Fields{"local": local.String(), "remote": remote.String()}).Warn("incompatible qos")
		},
	}
}
