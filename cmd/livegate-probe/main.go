package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/livegate/internal/audio"
	"github.com/antoniostano/livegate/internal/protocol"
)

// Model audio arrives as 24kHz mono PCM16.
const modelSampleRate = 24000

type options struct {
	baseURL      string
	clientID     string
	voice        string
	systemPrompt string
	pings        int
	texts        []string
	wavPath      string
	chunk        time.Duration
	realtime     float64
	turnTimeout  time.Duration
	saveAudio    string
	out          io.Writer
}

type report struct {
	PingRTTs    []time.Duration
	Turns       int
	FirstAudio  []time.Duration
	AudioBytes  int
	TextFrames  int
	ErrorFrames []string
}

func (r report) rttPercentile(p float64) time.Duration {
	if len(r.PingRTTs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.PingRTTs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livegate-probe: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		opts     options
		textsRaw string
		chunkMS  int
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:           "livegate-probe",
		Short:         "Connect to a livegate server as a client and measure round trips",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return fmt.Errorf("--url is required")
			}
			if opts.clientID == "" {
				opts.clientID = "probe-" + uuid.NewString()[:8]
			}
			if chunkMS < 10 || chunkMS > 2000 {
				return fmt.Errorf("--chunk-ms must be in [10,2000]")
			}
			if opts.realtime <= 0 {
				return fmt.Errorf("--realtime must be > 0")
			}
			opts.chunk = time.Duration(chunkMS) * time.Millisecond
			opts.texts = splitTexts(textsRaw)
			opts.out = &syncWriter{w: cmd.OutOrStdout()}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rep, err := run(ctx, opts)
			if err != nil {
				return err
			}
			printReport(opts.out, rep)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", "http://127.0.0.1:8000", "livegate base URL")
	f.StringVar(&opts.clientID, "client-id", "", "client id to connect as (random when empty)")
	f.StringVar(&opts.voice, "voice", "Puck", "voice sent in the config frame")
	f.StringVar(&opts.systemPrompt, "system-prompt", "Answer in one short sentence.", "system prompt sent in the config frame")
	f.IntVar(&opts.pings, "pings", 5, "number of ping/pong round trips to measure")
	f.StringVar(&textsRaw, "texts", "", "text turns separated by '|'")
	f.StringVar(&opts.wavPath, "wav", "", "PCM16 WAV file to stream as one audio turn")
	f.IntVar(&chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	f.Float64Var(&opts.realtime, "realtime", 1.0, "audio pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 20*time.Second, "wait for turn_complete per turn")
	f.StringVar(&opts.saveAudio, "save-audio", "", "write received model audio to this WAV file")
	f.DurationVar(&timeout, "timeout", 5*time.Minute, "overall probe timeout")
	return cmd
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// probe tracks one client connection. Writes happen only on the run goroutine;
// the read loop feeds the channels below.
type probe struct {
	conn *websocket.Conn
	out  io.Writer

	pongs   chan time.Time
	turnEnd chan struct{}
	readErr chan error

	mu         sync.Mutex
	rep        report
	turnStart  time.Time
	sawAudio   bool
	modelAudio []byte
}

func run(ctx context.Context, opts options) (report, error) {
	wsURL, err := wsURLForClient(opts.baseURL, opts.clientID)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	p := &probe{
		conn:    conn,
		out:     opts.out,
		pongs:   make(chan time.Time, 8),
		turnEnd: make(chan struct{}, 8),
		readErr: make(chan error, 1),
	}
	if p.out == nil {
		p.out = io.Discard
	}
	go p.readLoop()

	cfg := protocol.ConfigMessage{
		Type:   protocol.TypeConfig,
		Config: protocol.SessionConfig{Voice: opts.voice, SystemPrompt: opts.systemPrompt},
	}
	if err := conn.WriteJSON(cfg); err != nil {
		return report{}, fmt.Errorf("send config: %w", err)
	}
	fmt.Fprintf(p.out, "livegate-probe: connected client=%s\n", opts.clientID)

	for i := 0; i < opts.pings; i++ {
		rtt, err := p.ping(ctx)
		if err != nil {
			return p.snapshot(), fmt.Errorf("ping %d: %w", i+1, err)
		}
		p.mu.Lock()
		p.rep.PingRTTs = append(p.rep.PingRTTs, rtt)
		p.mu.Unlock()
	}

	for i, text := range opts.texts {
		fmt.Fprintf(p.out, "livegate-probe: text turn %d/%d %q\n", i+1, len(opts.texts), text)
		p.beginTurn()
		if err := conn.WriteJSON(protocol.TextMessage{Type: protocol.TypeText, Data: text}); err != nil {
			return p.snapshot(), fmt.Errorf("text turn %d: %w", i+1, err)
		}
		if err := p.awaitTurnEnd(ctx, opts.turnTimeout); err != nil {
			return p.snapshot(), fmt.Errorf("text turn %d await turn_complete: %w", i+1, err)
		}
	}

	if opts.wavPath != "" {
		clip, err := audio.ReadWAVFile(opts.wavPath)
		if err != nil {
			return p.snapshot(), err
		}
		clip = audio.Resample(clip, audio.InputSampleRate)
		fmt.Fprintf(p.out, "livegate-probe: streaming %s (%s)\n", opts.wavPath, clip.Duration().Round(time.Millisecond))
		p.beginTurn()
		if err := p.streamAudio(ctx, clip, opts.chunk, opts.realtime); err != nil {
			return p.snapshot(), fmt.Errorf("stream audio: %w", err)
		}
		if err := p.awaitTurnEnd(ctx, opts.turnTimeout); err != nil {
			return p.snapshot(), fmt.Errorf("audio turn await turn_complete: %w", err)
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	rep := p.snapshot()
	if opts.saveAudio != "" && len(p.audioBytes()) > 0 {
		if err := audio.WriteWAVFile(opts.saveAudio, audio.Clip{PCM: p.audioBytes(), SampleRate: modelSampleRate}); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (p *probe) ping(ctx context.Context) (time.Duration, error) {
	sent := time.Now()
	msg := map[string]any{"type": protocol.TypePing, "ts": sent.UnixNano()}
	if err := p.conn.WriteJSON(msg); err != nil {
		return 0, err
	}
	select {
	case at := <-p.pongs:
		return at.Sub(sent), nil
	case err := <-p.readErr:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *probe) streamAudio(ctx context.Context, clip audio.Clip, chunk time.Duration, realtime float64) error {
	pace := time.Duration(float64(chunk) / realtime)
	for _, frame := range audio.Chunks(clip, chunk) {
		msg := protocol.AudioMessage{Type: protocol.TypeAudio, Data: base64.StdEncoding.EncodeToString(frame)}
		if err := p.conn.WriteJSON(msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	return nil
}

func (p *probe) beginTurn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnStart = time.Now()
	p.sawAudio = false
}

func (p *probe) awaitTurnEnd(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.turnEnd:
		p.mu.Lock()
		p.rep.Turns++
		p.mu.Unlock()
		return nil
	case err := <-p.readErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

type serverFrame struct {
	Type protocol.MessageType `json:"type"`
	Data json.RawMessage      `json:"data"`
	Text string               `json:"text"`
}

func (p *probe) readLoop() {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case p.readErr <- err:
			default:
			}
			return
		}
		var frame serverFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypePong:
			select {
			case p.pongs <- time.Now():
			default:
			}
		case protocol.TypeAudio:
			var data string
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				continue
			}
			p.mu.Lock()
			if !p.sawAudio && !p.turnStart.IsZero() {
				p.rep.FirstAudio = append(p.rep.FirstAudio, time.Since(p.turnStart))
				p.sawAudio = true
			}
			p.rep.AudioBytes += len(pcm)
			p.modelAudio = append(p.modelAudio, pcm...)
			p.mu.Unlock()
		case protocol.TypeText:
			p.mu.Lock()
			p.rep.TextFrames++
			p.mu.Unlock()
			fmt.Fprintf(p.out, "livegate-probe: model text %q\n", frame.Text)
		case protocol.TypeTurnComplete:
			select {
			case p.turnEnd <- struct{}{}:
			default:
			}
		case protocol.TypeError:
			var detail string
			_ = json.Unmarshal(frame.Data, &detail)
			p.mu.Lock()
			p.rep.ErrorFrames = append(p.rep.ErrorFrames, detail)
			p.mu.Unlock()
			fmt.Fprintf(p.out, "livegate-probe: error frame %q\n", detail)
		}
	}
}

func (p *probe) snapshot() report {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep := p.rep
	rep.PingRTTs = append([]time.Duration(nil), p.rep.PingRTTs...)
	rep.FirstAudio = append([]time.Duration(nil), p.rep.FirstAudio...)
	rep.ErrorFrames = append([]string(nil), p.rep.ErrorFrames...)
	return rep
}

func (p *probe) audioBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.modelAudio...)
}

func printReport(w io.Writer, rep report) {
	fmt.Fprintf(w, "pings=%d rtt_p50=%s rtt_p95=%s\n", len(rep.PingRTTs),
		rep.rttPercentile(0.5).Round(time.Microsecond), rep.rttPercentile(0.95).Round(time.Microsecond))
	fmt.Fprintf(w, "turns=%d audio_bytes=%d text_frames=%d errors=%d\n", rep.Turns, rep.AudioBytes, rep.TextFrames, len(rep.ErrorFrames))
	for i, d := range rep.FirstAudio {
		fmt.Fprintf(w, "turn %d first_audio=%s\n", i+1, d.Round(time.Millisecond))
	}
}

// syncWriter serializes progress output from the run and read goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

func wsURLForClient(baseURL, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(clientID)
	u.RawQuery = ""
	return u.String(), nil
}
