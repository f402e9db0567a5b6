package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/satindergrewal/cadence/internal/app"
	"github.com/spf13/cobra"
)

func metronomeCmd() *cobra.Command {
	var (
		bpm           float64
		measures      int
		timeSignature string
	)
	cmd := &cobra.Command{
		Use:   "metronome",
		Short: "Run the transport locally and log each scheduled beat",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if bpm > 0 {
				cfg.BPM = bpm
			}
			if measures > 0 {
				cfg.Measures = measures
			}
			if timeSignature != "" {
				cfg.TimeSignature = timeSignature
			}
			// The metronome never listens.
			cfg.MicBackend = "webrtc"

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

			perMeasure := svc.Transport.Config().BeatsPerMeasure
			svc.OnBeat(func(beat int, at float64) {
				lead := at - svc.Audio.Now()
				if beat%perMeasure == 0 {
					log.Infof("BAR %d   t=%.3fs (scheduled %.0f ms ahead)", beat/perMeasure+1, at, lead*1000)
					return
				}
				log.Infof("  beat %d t=%.3fs", beat%perMeasure+1, at)
			})
			if err := svc.Play(ctx); err != nil {
				return err
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					pos := svc.Transport.Position()
					log.Infof("progress %.3f beat %.2f", pos.Progress, pos.Beat)
				}
			}
		},
	}
	cmd.Flags().Float64Var(&bpm, "bpm", 0, "tempo, overrides the config")
	cmd.Flags().IntVar(&measures, "measures", 0, "loop length in measures, overrides the config")
	cmd.Flags().StringVar(&timeSignature, "time-signature", "", `meter such as "3/4", overrides the config`)
	return cmd
}
