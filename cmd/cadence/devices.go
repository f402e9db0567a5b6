package main

import (
	"fmt"

	"github.com/satindergrewal/cadence/internal/audio"
	"github.com/satindergrewal/cadence/internal/config"
	"github.com/satindergrewal/cadence/internal/pitch"
	"github.com/satindergrewal/cadence/internal/stream"
)

// devices are the platform endpoints picked by the audio and mic backends.
type devices struct {
	output audio.Device
	mic    pitch.Microphone
	remote *stream.RemoteMic // set for the webrtc mic backend
	malgo  *audio.Malgo
}

func openDevices(cfg config.Config) (*devices, error) {
	d := &devices{}
	if cfg.AudioBackend == "malgo" || cfg.MicBackend == "malgo" {
		m, err := audio.OpenMalgo()
		if err != nil {
			return nil, err
		}
		d.malgo = m
	}

	switch cfg.AudioBackend {
	case "virtual":
		d.output = audio.NewVirtualDevice(cfg.SampleRate)
	case "malgo":
		d.output = d.malgo.Output(cfg.SampleRate)
	default:
		d.close()
		return nil, fmt.Errorf("unknown audio backend %q (want virtual or malgo)", cfg.AudioBackend)
	}

	switch cfg.MicBackend {
	case "webrtc":
		d.remote = stream.NewRemoteMic(cfg.BufferSize)
		d.mic = d.remote
	case "malgo":
		d.mic = d.malgo.Microphone(cfg.SampleRate, cfg.BufferSize)
	default:
		d.close()
		return nil, fmt.Errorf("unknown mic backend %q (want webrtc or malgo)", cfg.MicBackend)
	}
	return d, nil
}

// close releases the miniaudio context. Close the session first.
func (d *devices) close() error {
	if d.malgo == nil {
		return nil
	}
	err := d.malgo.Close()
	d.malgo = nil
	return err
}
