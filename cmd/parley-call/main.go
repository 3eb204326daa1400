// Command parley-call runs a live negotiation session from the terminal:
// microphone uplink, counterpart speech playback with barge-in, an
// audio-only session recording, and the chunked upload of that recording.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/parleylabs/parley/pkg/core/audio"
	"github.com/parleylabs/parley/pkg/core/call"
	"github.com/parleylabs/parley/pkg/core/upload"
	"github.com/parleylabs/parley/pkg/log"
	"github.com/parleylabs/parley/pkg/metrics"
	"github.com/parleylabs/parley/pkg/transport"
)

const defaultScenario = `{"role":"buyer","item":"used sedan","budget":15000}`

type options struct {
	serverURL   string
	apiURL      string
	configPath  string
	scenario    string
	isPublic    bool
	metricsAddr string
	debug       bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	// Local .env is a convenience for development, never required.
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.serverURL, "server", envOr("PARLEY_SERVER_URL", "ws://localhost:8000"), "session server base URL")
	flag.StringVar(&opt.apiURL, "api", envOr("PARLEY_API_URL", "http://localhost:8000/api/v1"), "REST API base URL")
	flag.StringVar(&opt.configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&opt.scenario, "scenario", "", "path to a scenario JSON file")
	flag.BoolVar(&opt.isPublic, "public", false, "publish the recording")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flag.BoolVar(&opt.debug, "debug", false, "debug logging")
	flag.Parse()

	cfg := call.DefaultConfig()
	if opt.configPath != "" {
		loaded, err := call.LoadConfig(opt.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = opt.serverURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = opt.apiURL
	}

	sessionID := uuid.NewString()
	logger := log.NewLogger(sessionID)
	if opt.debug {
		logger = log.NewDebugLogger(sessionID)
	}
	defer logger.Sync()

	met := metrics.NewMetrics("")
	if opt.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", met.Handler())
			if err := http.ListenAndServe(opt.metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	scenario := json.RawMessage(defaultScenario)
	if opt.scenario != "" {
		data, err := os.ReadFile(opt.scenario)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scenario: %v\n", err)
			return 1
		}
		scenario = data
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spk, err := newSpeaker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "speaker: %v\n", err)
		return 1
	}

	var uploader upload.Uploader
	var fallback call.FallbackUploader
	var records call.RecordKeeper
	if cfg.S3 != nil {
		s3up, err := upload.NewS3Uploader(ctx, *cfg.S3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "s3: %v\n", err)
			return 1
		}
		uploader = s3up
	} else {
		rest := upload.NewRESTUploader(cfg.APIBaseURL, nil)
		uploader = rest
		fallback = rest
		records = rest
	}

	track := newAudioTrack(speakerSampleRate)

	proxy := &handlerProxy{}
	channel, err := transport.Dial(ctx, cfg.ServerURL, sessionID, transport.DefaultConfig(), proxy, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}

	completed := make(chan struct{}, 1)
	session := call.NewSession(sessionID, cfg, call.Deps{
		Socket:   channel,
		Clock:    spk,
		Player:   spk,
		Surface:  offscreenSurface{},
		Mixer:    track,
		Stream:   track,
		Uploader: uploader,
		Fallback: fallback,
		Records:  records,
		Logger:   logger,
		Metrics:  met,
		OnEvent: func(ev call.Event) {
			printEvent(ev)
			if _, ok := ev.(*call.CompletedEvent); ok {
				select {
				case completed <- struct{}{}:
				default:
				}
			}
		},
	})
	proxy.bind(session)

	if err := session.Start(ctx, scenario); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		session.Close()
		return 1
	}

	mic, err := startCapture(func(frame []float32, rate int) {
		_ = session.ProcessCapture(frame, rate)
		track.AddMic(frame, rate)
	})
	if err != nil {
		// The call continues without a microphone. A short tone confirms
		// the output path still works.
		fmt.Fprintf(os.Stderr, "microphone unavailable: %v\n", err)
		tone := audio.DecodePCM16(audio.TestTonePCM16(440, speakerSampleRate, 300*time.Millisecond, 0.2))
		if src, err := spk.Play(tone, speakerSampleRate, spk.Now()); err == nil {
			time.AfterFunc(500*time.Millisecond, src.Stop)
		}
	} else {
		defer mic.Close()
	}

	// Draw loop for the offscreen composite.
	drawDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / 30)
		defer ticker.Stop()
		for {
			select {
			case <-drawDone:
				return
			case now := <-ticker.C:
				session.Tick(now)
			}
		}
	}()
	defer close(drawDone)

	fmt.Println("session started; press Ctrl-C to end the negotiation")

	select {
	case <-ctx.Done():
		// User-initiated end: ask the server to complete, then wait
		// briefly for the final analysis.
		if err := session.End(context.Background()); err != nil {
			logger.Warn("end request failed")
		}
		select {
		case <-completed:
		case <-time.After(10 * time.Second):
			logger.Warn("no completion from server, finalizing anyway")
		}
	case <-completed:
	}

	finalizeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	videoURL, err := session.Finalize(finalizeCtx, opt.isPublic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "finalize: %v\n", err)
		return 1
	}
	if videoURL != "" {
		fmt.Printf("recording stored: %s\n", videoURL)
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// handlerProxy breaks the construction cycle between the socket and the
// session: frames arriving before the session binds are buffered.
type handlerProxy struct {
	mu      sync.Mutex
	session *call.Session
	backlog [][]byte
	closed  bool
	readErr error
}

func (h *handlerProxy) bind(s *call.Session) {
	h.mu.Lock()
	h.session = s
	backlog := h.backlog
	h.backlog = nil
	closed := h.closed
	readErr := h.readErr
	h.mu.Unlock()

	for _, frame := range backlog {
		s.HandleSocketMessage(frame)
	}
	if closed {
		s.HandleSocketClosed(readErr)
	}
}

func (h *handlerProxy) HandleSocketMessage(data []byte) {
	h.mu.Lock()
	s := h.session
	if s == nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		h.backlog = append(h.backlog, cp)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	s.HandleSocketMessage(data)
}

func (h *handlerProxy) HandleSocketClosed(err error) {
	h.mu.Lock()
	s := h.session
	if s == nil {
		h.closed = true
		h.readErr = err
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	s.HandleSocketClosed(err)
}

func printEvent(ev call.Event) {
	switch e := ev.(type) {
	case *call.ReadyEvent:
		fmt.Println("server ready")
	case *call.OpponentTextEvent:
		fmt.Printf("counterpart: %s\n", e.Text)
	case *call.TranscriptionEvent:
		if e.IsFinal {
			fmt.Printf("you: %s\n", e.Text)
		}
	case *call.CoachTipEvent:
		fmt.Printf("coach: %s\n", e.Text)
	case *call.BargeInEvent:
		fmt.Println("(interrupted)")
	case *call.CompletedEvent:
		fmt.Printf("\nfinal advice: %s\n", e.FinalAdvice)
	case *call.ErrorEvent:
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Message)
	case *call.DisconnectedEvent:
		fmt.Fprintln(os.Stderr, "disconnected from server")
	}
}
