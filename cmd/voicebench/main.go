// Command voicebench joins a voiceroom room as a synthetic participant,
// replays utterances and reports how long the agent takes to answer.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/protocol"
)

type options struct {
	baseURL        string
	room           string
	identity       string
	wavPath        string
	turns          int
	chunkMS        int
	realtime       float64
	trailSilence   time.Duration
	startTimeout   time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type tokenResponse struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

type wsEnvelope struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type benchEvent struct {
	wsEnvelope
	At time.Time
}

type audioClip struct {
	PCM16LE    []byte
	SampleRate int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebench: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voicebench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := pflag.NewFlagSet("voicebench", pflag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voiceroom base URL")
	fs.StringVar(&cfg.room, "room", "", "room to join (generated when empty)")
	fs.StringVar(&cfg.identity, "identity", "voicebench", "participant identity")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV utterance to replay (a synthetic tone when empty)")
	fs.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 20, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.trailSilence, "trail-silence", 900*time.Millisecond, "silence sent after each utterance so the agent detects its end")
	fs.DurationVar(&cfg.startTimeout, "start-timeout", 20*time.Second, "time allowed for the agent greeting")
	fs.DurationVar(&cfg.interTurnDelay, "inter-turn", 300*time.Millisecond, "delay between turns")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "time allowed for each agent answer")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	clip, err := loadClip(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	grant, err := requestToken(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("request token: %w", err)
	}
	wsURL, err := wsURLForRoom(cfg.baseURL, grant.Token)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("voicebench: room=%s identity=%s turns=%d clip=%s\n", grant.Room, grant.Identity, cfg.turns, audio.DurationOf(len(clip.PCM16LE), clip.SampleRate))
	}

	events := make(chan benchEvent, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	if _, err := awaitAnswer(events, readErrCh, cfg.startTimeout); err != nil {
		return fmt.Errorf("await greeting: %w", err)
	}

	seq := 0
	latencies := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		if err := sendAudio(conn, clip, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		speechEnd := time.Now()
		silence := audioClip{PCM16LE: audio.Silence(clip.SampleRate, cfg.trailSilence), SampleRate: clip.SampleRate}
		if err := sendAudio(conn, silence, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send silence: %w", i+1, err)
		}
		firstAudio, err := awaitAnswer(events, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await answer: %w", i+1, err)
		}
		latency := firstAudio.Sub(speechEnd)
		latencies = append(latencies, latency)
		if cfg.verbose {
			fmt.Printf("voicebench: turn %d/%d speech_end_to_first_audio=%s\n", i+1, cfg.turns, latency.Round(time.Millisecond))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	_ = conn.WriteJSON(protocol.Leave{Type: protocol.TypeLeave, Reason: "voicebench_done"})
	fmt.Println(summarize(latencies))
	return nil
}

func loadClip(path string) (audioClip, error) {
	if strings.TrimSpace(path) == "" {
		return audioClip{
			PCM16LE:    audio.Tone(audio.DefaultSampleRate, 1200*time.Millisecond, 220, 0.3),
			SampleRate: audio.DefaultSampleRate,
		}, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied path
	if err != nil {
		return audioClip{}, err
	}
	pcm, sampleRate, err := decodeWAVPCM16(data)
	if err != nil {
		return audioClip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if sampleRate != audio.DefaultSampleRate {
		pcm = audio.Resample(pcm, sampleRate, audio.DefaultSampleRate)
		sampleRate = audio.DefaultSampleRate
	}
	return audioClip{PCM16LE: pcm, SampleRate: sampleRate}, nil
}

func requestToken(ctx context.Context, client *http.Client, cfg options) (tokenResponse, error) {
	payload, err := json.Marshal(map[string]string{"room": cfg.room, "identity": cfg.identity})
	if err != nil {
		return tokenResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/token", bytes.NewReader(payload))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return tokenResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return tokenResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return tokenResponse{}, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return tokenResponse{}, fmt.Errorf("missing token in response")
	}
	return out, nil
}

func wsURLForRoom(baseURL, accessToken string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rtc"
	q := u.Query()
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- benchEvent, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if verbose {
			switch env.Type {
			case string(protocol.TypeError):
				fmt.Fprintf(os.Stderr, "voicebench: error code=%s detail=%s\n", env.Code, env.Detail)
			case string(protocol.TypeTranscript):
				fmt.Printf("voicebench: %s: %s\n", env.Speaker, env.Text)
			}
		}
		ev := benchEvent{wsEnvelope: env, At: time.Now()}
		if env.Type != string(protocol.TypeAudio) {
			events <- ev
			continue
		}
		select {
		case events <- ev:
		default:
			// Only the first frame of each answer matters.
		}
	}
}

// awaitAnswer waits for the next agent answer and returns when its first
// audio frame arrived. It returns once the agent is listening again.
func awaitAnswer(events <-chan benchEvent, readErrCh <-chan error, timeout time.Duration) (time.Time, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var first time.Time
	for {
		select {
		case ev := <-events:
			switch {
			case ev.Type == string(protocol.TypeAudio) && first.IsZero():
				first = ev.At
			case ev.Type == string(protocol.TypeAgentState) && ev.State == "listening" && !first.IsZero():
				return first, nil
			}
		case err := <-readErrCh:
			return time.Time{}, err
		case <-timer.C:
			return time.Time{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func sendAudio(conn *websocket.Conn, clip audioClip, chunkMS int, realtime float64, seq *int) error {
	sampleRate := clip.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	frames := audio.Split(clip.PCM16LE, sampleRate, time.Duration(chunkMS)*time.Millisecond)
	if len(frames) == 0 {
		return fmt.Errorf("clip produced no frames")
	}
	for _, f := range frames {
		*seq = *seq + 1
		msg := protocol.Audio{
			Type:        protocol.TypeAudio,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(f.Data),
			SampleRate:  sampleRate,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		pause := time.Duration(float64(f.Duration()) / realtime)
		if pause <= 0 {
			pause = 5 * time.Millisecond
		}
		time.Sleep(pause)
	}
	return nil
}

func summarize(latencies []time.Duration) string {
	if len(latencies) == 0 {
		return "voicebench: no turns completed"
	}
	ms := make([]float64, len(latencies))
	var sum float64
	for i, d := range latencies {
		ms[i] = float64(d.Microseconds()) / 1000
		sum += ms[i]
	}
	sort.Float64s(ms)
	return fmt.Sprintf("voicebench: turns=%d avg_ms=%.1f p50_ms=%.1f p95_ms=%.1f max_ms=%.1f",
		len(ms), sum/float64(len(ms)), percentile(ms, 0.50), percentile(ms, 0.95), ms[len(ms)-1])
}

// percentile uses nearest rank over sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	// Downmix by averaging channels.
	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
