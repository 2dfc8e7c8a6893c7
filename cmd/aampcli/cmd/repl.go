package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/josephch/aamp-go/internal/aamp/downloader"
	"github.com/josephch/aamp-go/internal/aamp/drm"
	"github.com/josephch/aamp-go/internal/aamp/event"
	"github.com/josephch/aamp-go/internal/aamp/player"
	"github.com/josephch/aamp-go/pkg/httpclient"
)

// runRepl implements the CLI surface: a line-oriented loop accepting a
// URL to tune, playback verbs (seek/play/pause/ff/rw/stop/status/exit),
// and `key=value` tunable-config lines, all forwarded to one
// player.PlayerCore for the process lifetime.
func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := defaultLogger()

	httpClient := httpclient.New(httpclient.DefaultConfig())
	dl := downloader.New(httpClient, logger)
	drmMgr := drm.NewManager(dl, logger)
	bus := event.NewBus()
	sk := newLoggingSink(logger)

	p := player.New(cfg, sk, dl, drmMgr, bus, logger)

	bus.Subscribe(event.ListenerFunc(func(e event.AampEvent) {
		printEvent(e)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if httpAddr != "" {
		go startStatusServer(ctx, httpAddr, p, logger)
	}

	fmt.Println("aampcli ready. Enter a tune URL, a playback verb, or `key=value`. Type `exit` to quit.")
	fmt.Println("status endpoint:", statusAddrDisplay(httpAddr))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			break
		}
		dispatch(ctx, p, line, logger)
	}

	p.Stop()
	return nil
}

func printEvent(e event.AampEvent) {
	payload, _ := json.Marshal(e.Payload)
	fmt.Printf("[%s] %s %s\n", e.At.Format("15:04:05.000"), e.Kind.String(), payload)
}

// dispatch parses one REPL line against the CLI surface (§6) and
// forwards it to PlayerCore. A token starting with http:// or https:// is
// tuned as a URL; any other unrecognized token is reported and ignored.
func dispatch(ctx context.Context, p *player.PlayerCore, line string, logger *slog.Logger) {
	fields := strings.Fields(line)
	verb := fields[0]

	switch {
	case strings.Contains(verb, "="):
		applyTunable(p, verb)
		return
	case verb == "play":
		checkErr(p.SetRate(ctx, 1), logger)
	case verb == "pause":
		checkErr(p.SetRate(ctx, 0), logger)
	case verb == "stop":
		p.Stop()
	case verb == "flush":
		p.Retune(ctx)
	case verb == "underflow":
		p.NotifyPTSError(ctx)
	case verb == "status":
		printStatus(p)
	case verb == "live":
		checkErr(p.Seek(ctx, float64(p.Status().DurationMs)/1000), logger)
	case verb == "seek" && len(fields) > 1:
		sec, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			fmt.Println("seek: invalid position:", fields[1])
			return
		}
		checkErr(p.Seek(ctx, sec), logger)
	case strings.HasPrefix(verb, "ff"):
		setTrickRate(ctx, p, verb, "ff", 1, logger)
	case strings.HasPrefix(verb, "rw"):
		setTrickRate(ctx, p, verb, "rw", -1, logger)
	case strings.HasPrefix(verb, "http://") || strings.HasPrefix(verb, "https://"):
		checkErr(p.Tune(ctx, verb), logger)
	default:
		fmt.Println("unrecognized command:", verb)
	}
}

// setTrickRate parses the numeric suffix of an ff/rw verb (e.g. "ff16",
// "rw32") into a signed rate and forwards it to SetRate.
func setTrickRate(ctx context.Context, p *player.PlayerCore, verb, prefix string, sign float64, logger *slog.Logger) {
	mag, err := strconv.ParseFloat(strings.TrimPrefix(verb, prefix), 64)
	if err != nil {
		fmt.Println("unrecognized command:", verb)
		return
	}
	checkErr(p.SetRate(ctx, sign*mag), logger)
}

func checkErr(err error, logger *slog.Logger) {
	if err != nil {
		logger.Warn("command failed", slog.Any("error", err))
	}
}

func printStatus(p *player.PlayerCore) {
	out, _ := json.MarshalIndent(p.Status(), "", "  ")
	fmt.Println(string(out))
}

// applyTunable handles a `key=value` config line. Only a representative
// subset of §6's configuration options are wired to live PlayerCore
// state; any other key is reported and not applied.
func applyTunable(p *player.PlayerCore, kv string) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		fmt.Println("unrecognized config line:", kv)
		return
	}
	key, value := parts[0], parts[1]

	switch key {
	case "ad-position":
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			p.Config.Playback.AdPositionSec = f
		}
	case "ad-url":
		p.Config.Playback.AdURL = value
	case "live-offset":
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			p.Config.Playback.LiveOffsetSec = f
		}
	case "cdvrlive-offset":
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			p.Config.Playback.CDVRLiveOffsetSec = f
		}
	case "force-http":
		p.Config.Network.ForceHTTP = value == "true" || value == "1"
	case "disableEC3":
		p.Config.Playback.DisableEC3 = value == "true" || value == "1"
	case "pts-error-threshold":
		n, err := strconv.Atoi(value)
		if err == nil {
			p.Config.Playback.PTSErrorThreshold = n
		}
	case "stall-error-code":
		n, err := strconv.Atoi(value)
		if err == nil {
			p.Config.Playback.StallErrorCode = n
		}
	default:
		fmt.Println("unsupported tunable (accepted only at next tune via config file):", key)
	}
}
