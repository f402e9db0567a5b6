package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/satindergrewal/cadence/internal/app"
	"github.com/satindergrewal/cadence/internal/config"
	"github.com/satindergrewal/cadence/internal/midi"
	"github.com/satindergrewal/cadence/internal/pitch"
	"github.com/satindergrewal/cadence/internal/stream"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.WithField("component", "main")

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the event WebSocket and WebRTC microphone signalling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, overrides the config")
	return cmd
}

func serve(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("cadence starting up...")

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

	// Browser microphone over WebRTC
	var offer http.Handler
	if devs.remote != nil {
		rtc, err := stream.NewWebRTCHandler(svc.Events, devs.remote)
		if err != nil {
			return err
		}
		defer rtc.Close()
		offer = rtc
	}

	// MIDI keyboard (optional) judges each note-on against the beat
	if cfg.MIDIDevice != "" {
		in, err := midi.Open(cfg.MIDIDevice, func(key, _ uint8) {
			fb, err := svc.Hit()
			if err != nil {
				log.Debugf("Note %d ignored: %v", key, err)
				return
			}
			note := pitch.NoteFromFrequency(pitch.MIDIToFrequency(int(key)))
			log.Infof("%s %s (%+.0f ms)", note, fb.Label, fb.TimeDelta)
		})
		if err != nil {
			log.WithError(err).Warn("MIDI input not available")
		} else {
			defer in.Close()
		}
	} else {
		log.Info("MIDI not configured (set CADENCE_MIDI_DEVICE to judge a keyboard)")
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: svc.Routes(offer)}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down...")
		server.Close()
	}()

	log.Infof("Listening on %s (audio %s, mic %s)", addr, cfg.AudioBackend, cfg.MicBackend)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
