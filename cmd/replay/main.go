// Command replay feeds a JSON-lines recording of detection signals through
// one station engine and prints the resulting transitions and sessions.
// Time is taken from the signal timestamps, so a recording always replays
// the same way.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"canedump/internal/config"
	"canedump/internal/logger"
	"canedump/internal/model"
	"canedump/internal/repository/sqlite"
	"canedump/internal/retry"
	"canedump/internal/service/audit"
	"canedump/internal/service/capture"
	"canedump/internal/service/report"
	"canedump/internal/service/session"
	"canedump/internal/service/station"
	"canedump/internal/service/storage"
)

// placeholderJPEG stands in for camera frames when the recording has none.
var placeholderJPEG = []byte{0xFF, 0xD8, 0xFF, 0xD9}

type options struct {
	stationsFile string
	stationID    string
	input        string
	dbPath       string
	workDir      string
	verbose      bool
}

type printer struct {
	out io.Writer
}

func (p printer) Publish(e model.StateLogEntry) {
	trigger := ""
	if e.Trigger != "" {
		trigger = " [" + e.Trigger + "]"
	}
	fmt.Fprintf(p.out, "%s  %-15s -> %-15s %s%s\n", e.Timestamp.Format("15:04:05.000"), e.From, e.To, e.SessionID, trigger)
}

func main() {
	var opts options
	flag.StringVar(&opts.stationsFile, "stations", "stations.yaml", "Stations file")
	flag.StringVar(&opts.stationID, "station", "", "Station to replay (default: first in the stations file)")
	flag.StringVar(&opts.input, "in", "-", "JSON-lines signal recording, - for stdin")
	flag.StringVar(&opts.dbPath, "db", ":memory:", "Database path")
	flag.StringVar(&opts.workDir, "work", "", "Directory for snapshots (default: a temporary directory)")
	flag.BoolVar(&opts.verbose, "v", false, "Log engine activity to stderr")
	flag.Parse()

	site, err := config.LoadSite(opts.stationsFile)
	if err != nil {
		log.Fatalf("Invalid stations file: %v", err)
	}

	in := os.Stdin
	if opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			log.Fatalf("Failed to open recording: %v", err)
		}
		defer f.Close()
		in = f
	}

	if opts.workDir == "" {
		dir, err := os.MkdirTemp("", "canedump-replay-")
		if err != nil {
			log.Fatalf("Failed to create work directory: %v", err)
		}
		defer os.RemoveAll(dir)
		opts.workDir = dir
	}

	if err := run(context.Background(), site, opts, in, os.Stdout); err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
}

func run(ctx context.Context, site *config.SiteConfig, opts options, in io.Reader, out io.Writer) error {
	st := site.Stations[0]
	if opts.stationID != "" {
		var ok bool
		if st, ok = site.Station(opts.stationID); !ok {
			return fmt.Errorf("unknown station %s", opts.stationID)
		}
	}
	th := site.ThresholdsFor(st)

	log := logger.Discard()
	if opts.verbose {
		log = logger.NewWithWriter(os.Stderr, true)
	}

	db, err := sqlite.New(opts.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	gateway := sqlite.NewGateway(db)

	policy := retry.Policy{Retries: 1, Initial: time.Millisecond, MaxInterval: time.Millisecond}
	frames := storage.NewFrameStore(filepath.Join(opts.workDir, "results"), 0, log)
	captures := capture.NewController(gateway, frames, policy, log, nil)
	composer := report.NewComposer(gateway, nil, filepath.Join(opts.workDir, "merged"), site.Factory, site.MillingProcess, log, nil)
	sessions := session.NewManager(gateway, captures, composer, session.Options{Timeout: th.SessionTimeout, Policy: policy}, log, nil)
	recorder := audit.NewRecorder(gateway, policy, log, nil)
	recorder.Subscribe(printer{out: out})

	worker := station.New(station.Config{
		StationID: st.ID,
		Tolerance: th.StalenessTolerance,
		Bands:     th.Bands(),
		MinDwell:  th.MinDwell,
	}, sessions, captures, recorder, log, nil)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line, replayed := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var sig model.DetectionSignal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if sig.StationID == "" {
			sig.StationID = st.ID
		}
		if sig.StationID != st.ID {
			continue
		}
		if err := sig.Validate(); err != nil {
			fmt.Fprintf(out, "line %d skipped: %v\n", line, err)
			continue
		}
		frames.Put(st.ID, sig.CameraView, placeholderJPEG, sig.Timestamp)
		worker.Step(ctx, &sig, sig.Timestamp)
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}
	if err := captures.Close(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d signal(s) replayed at %s\n", replayed, st.ID)
	return printSessions(ctx, gateway, st.ID, out)
}

func printSessions(ctx context.Context, gateway *sqlite.Gateway, stationID string, out io.Writer) error {
	list, err := gateway.ListSessions(ctx, model.SessionFilter{StationID: stationID})
	if err != nil {
		return err
	}
	for i := len(list) - 1; i >= 0; i-- {
		s := list[i]
		caps, err := gateway.GetCaptures(ctx, s.ID)
		if err != nil {
			return err
		}
		slots := make([]string, 0, len(caps))
		for _, c := range caps {
			slots = append(slots, string(c.Slot))
		}
		fmt.Fprintf(out, "session %s %s complete=%v plate=%q captures=%v\n", s.ID, s.Status, s.Complete, s.PlateText, slots)
	}
	return nil
}
