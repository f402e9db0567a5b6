package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/satindergrewal/cadence/internal/app"
	"github.com/satindergrewal/cadence/internal/pitch"
	"github.com/spf13/cobra"
)

func tuneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tune",
		Short: "Log the pitch heard on the local microphone",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.MicBackend != "malgo" {
				log.Infof("mic_backend %q has no local input, using malgo", cfg.MicBackend)
				cfg.MicBackend = "malgo"
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			devs, err := openDevices(cfg)
			if err != nil {
				return err
			}
			defer devs.close()

			svc, err := app.New(cfg, devs.output, devs.mic)
			if err != nil {
				return err
			}
			defer svc.Close()

			var last string
			svc.Detector.AddListener(func(r pitch.Result) {
				if !r.Detected() {
					last = ""
					return
				}
				if *r.Note == last {
					return
				}
				last = *r.Note
				log.Infof("%-4s %7.2f Hz %+3d cents (clarity %.2f)", *r.Note, *r.Frequency, *r.Cents, r.Clarity)
			})
			if err := svc.Detector.Initialize(ctx); err != nil {
				return err
			}

			log.Info("Listening, Ctrl-C to stop")
			<-ctx.Done()
			return nil
		},
	}
}
