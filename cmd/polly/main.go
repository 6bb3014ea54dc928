package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/config"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/speaker"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/voice"
)

var version = "0.1.0-dev"

var errNoDuration = errors.New("audio has no playable duration")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'voices', 'speak' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "voices":
		err = runVoices(ctx, os.Args[2:])
	case "speak":
		err = runSpeak(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	verbose    bool
}

func (c *common) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&c.verbose, "v", false, "Verbose logging")
}

func (c *common) setup() (config.Config, *slog.Logger, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cfg, err := config.Load(c.configPath)
	return cfg, logger, err
}

func newClient(cfg config.Config, blobs *media.BlobStore, logger *slog.Logger) (*tts.Client, error) {
	return tts.New(cfg.Backend.BaseURL,
		tts.WithShape(tts.Shape(cfg.Backend.Shape)),
		tts.WithToken(cfg.Backend.Token),
		tts.WithTimeout(time.Duration(cfg.Backend.TimeoutMS)*time.Millisecond),
		tts.WithBlobs(blobs),
		tts.WithLogger(logger),
	)
}

func loadCatalog(ctx context.Context, cfg config.Config, client *tts.Client, logger *slog.Logger) *voice.Catalog {
	var lister voice.Lister
	if cfg.Catalog.Remote && client.Shape() == tts.ShapeFunction {
		lister = client
	}
	return voice.Load(ctx, lister, logger)
}

func runVoices(ctx context.Context, args []string) error {
	var (
		opts     common
		language string
	)
	fs := flag.NewFlagSet("voices", flag.ExitOnError)
	opts.bind(fs)
	fs.StringVar(&language, "lang", "", "Only list voices for this language code")
	fs.Parse(args)

	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}
	client, err := newClient(cfg, media.NewBlobStore(cfg.HTTP.PublicURL), logger)
	if err != nil {
		return err
	}
	catalog := loadCatalog(ctx, cfg, client, logger)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tGENDER\tLANGUAGE\n")
	for _, v := range catalog.List() {
		if language != "" && v.LanguageCode != language {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s (%s)\n", v.ID, v.DisplayName, v.Gender, v.LanguageLabel, v.LanguageCode)
	}
	fmt.Fprintf(tw, "\n%d voices from %s catalog\n", catalog.Len(), catalog.Source())
	return tw.Flush()
}

func runSpeak(ctx context.Context, args []string) error {
	var (
		opts   common
		params tts.Params
		engine string
		format string
		outDir string
		play   bool
	)
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	opts.bind(fs)
	fs.StringVar(&params.Text, "text", "", "Text to synthesize")
	fs.StringVar(&params.VoiceID, "voice", "Joanna", "Voice id")
	fs.StringVar(&engine, "engine", string(tts.EngineStandard), "standard or neural")
	fs.StringVar(&format, "format", string(tts.FormatMP3), "mp3, ogg or pcm")
	fs.Float64Var(&params.SpeechRate, "rate", tts.DefaultSpeechRate, "Speech rate multiplier")
	fs.IntVar(&params.PitchSemitones, "pitch", 0, "Pitch shift in semitones")
	fs.StringVar(&outDir, "out", "", "Directory to save the audio into")
	fs.BoolVar(&play, "play", false, "Play the result")
	fs.Parse(args)
	params.Engine = tts.Engine(engine)
	params.OutputFormat = tts.OutputFormat(format)

	if outDir == "" && !play {
		return errors.New("nothing to do: pass -out and/or -play")
	}

	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}
	blobs := media.NewBlobStore(cfg.HTTP.PublicURL)
	client, err := newClient(cfg, blobs, logger)
	if err != nil {
		return err
	}
	req, err := tts.NewBuilder(loadCatalog(ctx, cfg, client, logger)).Build(params)
	if err != nil {
		return err
	}

	res, err := client.Synthesize(ctx, req)
	if err != nil {
		return err
	}
	defer res.Resource.Release()
	resolver := media.NewResolver(blobs, nil)

	if outDir != "" {
		saver := &media.FileSaver{Dir: outDir, Fetch: resolver}
		if err := saver.Save(ctx, res.Resource); err != nil {
			return err
		}
		fmt.Println(saver.LastPath)
	}
	if !play {
		return nil
	}
	return playToEnd(ctx, cfg, resolver, res.Resource, logger)
}

// checkPlayable reads the payload behind h and fails when it cannot be
// decoded locally, so playback never waits on audio that will not start.
func checkPlayable(ctx context.Context, fetch media.Fetcher, h *media.Handle) error {
	data, err := fetch.Fetch(ctx, h)
	if err != nil {
		return err
	}
	md, err := media.Probe(data, h.MIMEType())
	if err != nil {
		return fmt.Errorf("cannot play %s audio: %w", h.MIMEType(), err)
	}
	if md.DurationSeconds <= 0 {
		return fmt.Errorf("cannot play %s audio: %w", h.MIMEType(), errNoDuration)
	}
	return nil
}

// playToEnd loads h into a fresh tracker and plays it through once.
func playToEnd(ctx context.Context, cfg config.Config, fetch media.Fetcher, h *media.Handle, logger *slog.Logger) error {
	if err := checkPlayable(ctx, fetch, h); err != nil {
		return err
	}

	interval := time.Duration(cfg.Playback.UpdateIntervalMS) * time.Millisecond
	var el playback.Element = playback.NewClockElement(fetch, interval, logger)
	if cfg.Playback.Output == config.OutputSpeaker {
		spk := speaker.New(fetch, speaker.Config{FramesPerBuffer: cfg.Playback.FramesPerBuffer, UpdateInterval: interval}, logger)
		if err := spk.Init(); err != nil {
			return fmt.Errorf("audio output unavailable: %w", err)
		}
		defer spk.Close()
		el = spk
	}

	tracker := playback.New(el,
		playback.WithLogger(logger),
		playback.WithInitialVolume(cfg.Playback.InitialVolume))
	defer tracker.Dispose()

	if _, err := tracker.SetResource(h); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	states := tracker.Watch(watchCtx)

	if err := tracker.Play(); err != nil {
		return err
	}
	for st := range states {
		if st.State == playback.Ended {
			return nil
		}
	}
	return ctx.Err()
}
