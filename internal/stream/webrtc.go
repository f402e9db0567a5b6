package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/satindergrewal/cadence/internal/audio"
	"github.com/sirupsen/logrus"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrame is 120 ms at 48 kHz, the longest frame Opus allows.
const maxOpusFrame = audio.SampleRate * 120 / 1000

// WebRTCHandler answers SDP offers from the browser. The browser sends its
// microphone as an Opus track, which is decoded into mic for the pitch
// detector, and may open a data channel to receive session events.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	mic         *RemoteMic
	api         *webrtc.API

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

// NewWebRTCHandler creates a WebRTC signalling handler.
func NewWebRTCHandler(b *Broadcaster, mic *RemoteMic) (*WebRTCHandler, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("stream: register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("stream: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &WebRTCHandler{broadcaster: b, mic: mic, api: api}, nil
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := h.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	plog := log.WithField("peer", id)

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		http.Error(w, "add transceiver failed", http.StatusInternalServerError)
		return
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || track.Codec().MimeType != webrtc.MimeTypeOpus {
			plog.Warnf("Ignoring %s track", track.Codec().MimeType)
			return
		}
		go h.receive(plog, track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { go h.sendEvents(plog, dc) })
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()

	plog.Infof("WebRTC peer connected (total: %d)", h.PeerCount())

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if h.removePeer(pc) {
				pc.Close()
				plog.Infof("WebRTC peer disconnected (remaining: %d)", h.PeerCount())
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// Close hangs up every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = nil
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}

// receive decodes the browser microphone into the remote mic until the
// track ends.
func (h *WebRTCHandler) receive(plog *logrus.Entry, track *webrtc.TrackRemote) {
	channels := int(track.Codec().Channels)
	if channels < 1 {
		channels = audio.Channels
	}
	dec, err := opus.NewDecoder(audio.SampleRate, channels)
	if err != nil {
		plog.WithError(err).Error("Opus decoder init failed")
		return
	}

	h.mic.Attach()
	defer h.mic.Detach()
	plog.Infof("Remote microphone attached (%d ch)", channels)
	defer plog.Info("Remote microphone detached")

	pcm := make([]int16, maxOpusFrame*channels)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil {
			plog.WithError(err).Debug("Opus decode error")
			continue
		}
		h.mic.Write(audio.Downmix(audio.Int16ToFloat32(pcm[:n*channels]), channels))
	}
}

// sendEvents forwards session events over the data channel until it closes.
func (h *WebRTCHandler) sendEvents(plog *logrus.Entry, dc *webrtc.DataChannel) {
	listener := h.broadcaster.Subscribe()
	dc.OnClose(func() { h.broadcaster.Unsubscribe(listener) })
	plog.Infof("Event data channel %q open", dc.Label())

	for {
		select {
		case <-listener.done:
			return
		case ev := <-listener.C:
			data, err := json.Marshal(ev)
			if err != nil {
				plog.WithError(err).Error("Event encode failed")
				continue
			}
			if err := dc.SendText(string(data)); err != nil {
				h.broadcaster.Unsubscribe(listener)
				return
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}
