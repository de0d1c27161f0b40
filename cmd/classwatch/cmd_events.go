package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/user/classwatch/internal/config"
	"github.com/user/classwatch/internal/ingest"
	"github.com/user/classwatch/internal/store"
	"github.com/user/classwatch/internal/types"
)

var (
	tailLimit  int
	tailFollow bool
	resetYes   bool

	emitName       string
	emitBehavior   string
	emitConfidence float64
	emitTracker    int64
	emitKafka      bool
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd, eventsResetCmd, eventsEmitCmd)

	eventsTailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "number of events to show")
	eventsTailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "stream changes from the running daemon")

	eventsResetCmd.Flags().BoolVar(&resetYes, "yes", false, "do not ask for confirmation")

	eventsEmitCmd.Flags().StringVar(&emitName, "name", "Test Student", "student name")
	eventsEmitCmd.Flags().StringVar(&emitBehavior, "behavior", "writing", "behavior label")
	eventsEmitCmd.Flags().Float64Var(&emitConfidence, "confidence", 0.9, "classifier confidence in [0,1]")
	eventsEmitCmd.Flags().Int64Var(&emitTracker, "tracker", 1, "tracker id")
	eventsEmitCmd.Flags().BoolVar(&emitKafka, "kafka", false, "publish to the detector topic instead of the daemon API")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and manage classroom events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if tailFollow {
			return followStream(cmd.Context(), cfg)
		}

		st, err := store.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.FetchRecent(context.Background(), tailLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events found.")
			return nil
		}
		return printEvents(os.Stdout, events)
	},
}

func printEvents(out io.Writer, events []types.Event) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tNAME\tBEHAVIOR\tCONFIDENCE")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\n",
			e.ID,
			e.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			e.SubjectName,
			e.Category,
			e.Confidence,
		)
	}
	return w.Flush()
}

// followStream prints the newest event of every change pushed by the
// daemon's stream endpoint until interrupted.
func followStream(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	url := "ws" + strings.TrimPrefix(daemonURL(cfg), "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	var (
		window string
		lastID types.EventID
	)
	for {
		var msg struct {
			WindowID string        `json:"window_id"`
			Events   []types.Event `json:"events"`
			Status   struct {
				Snapshot string `json:"snapshot"`
				Stream   string `json:"stream"`
			} `json:"status"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("stream closed: %w", err)
		}
		if msg.WindowID != window {
			window = msg.WindowID
			lastID = 0
			fmt.Printf("-- window %s (snapshot %s, stream %s) --\n", window, msg.Status.Snapshot, msg.Status.Stream)
		}
		var fresh []types.Event
		for _, e := range msg.Events {
			if e.ID > lastID {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		lastID = fresh[len(fresh)-1].ID
		if err := printEvents(os.Stdout, fresh); err != nil {
			return err
		}
	}
}

var eventsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every stored event and restart the window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if !resetYes {
			fmt.Print("Delete all classroom events? [y/N]: ")
			var answer string
			fmt.Scanln(&answer)
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		var resp struct {
			Deleted int64 `json:"deleted"`
		}
		err := callDaemon(cfg, http.MethodPost, "/api/reset", nil, &resp)
		if err == nil {
			fmt.Printf("Deleted %d events; daemon window restarted.\n", resp.Deleted)
			return nil
		}
		if !errors.Is(err, errDaemonUnreachable) {
			return err
		}

		st, err := openDirectStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		n, err := st.DeleteAll(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d events (daemon not running).\n", n)
		return nil
	},
}

var eventsEmitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Insert a test detector event",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		in := types.NewEvent{
			TrackerID:   emitTracker,
			SubjectName: emitName,
			Category:    emitBehavior,
			Confidence:  emitConfidence,
		}
		if err := in.Validate(); err != nil {
			return err
		}

		if emitKafka {
			pub, err := ingest.NewPublisher(ingest.Config{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.Topic,
				GroupID: cfg.Kafka.GroupID,
			})
			if err != nil {
				return err
			}
			defer pub.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := pub.Publish(ctx, in); err != nil {
				return err
			}
			fmt.Printf("Published %s/%s to %s.\n", in.SubjectName, in.Category, cfg.Kafka.Topic)
			return nil
		}

		var ev types.Event
		err := callDaemon(cfg, http.MethodPost, "/api/events", in, &ev)
		if errors.Is(err, errDaemonUnreachable) {
			st, openErr := openDirectStore(cfg)
			if openErr != nil {
				return openErr
			}
			defer st.Close()
			ev, err = st.Insert(context.Background(), in)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Inserted event %d: %s %s (%.2f).\n", ev.ID, ev.SubjectName, ev.Category, ev.Confidence)
		return nil
	},
}

var (
	errDaemonUnreachable = errors.New("daemon unreachable")
	errDaemonBypassed    = errors.New("daemon is running but its HTTP API is not reachable")
)

// openDirectStore opens the event database for commands that could not reach
// the daemon API. Inserts and deletes made this way never reach a running
// daemon's window, so it refuses while the PID file names a live process.
func openDirectStore(cfg *config.Config) (*store.Store, error) {
	if pid, err := readPIDFile(cfg.PIDPath()); err == nil {
		return nil, fmt.Errorf("%w (PID %d): set http.enabled to true and restart it, or stop it first", errDaemonBypassed, pid)
	}
	return store.Open(cfg.DBPath())
}

// callDaemon sends body as JSON to the daemon API and decodes the reply into
// out. Connection failures are reported as errDaemonUnreachable.
func callDaemon(cfg *config.Config, method, path string, body, out any) error {
	if !cfg.HTTP.Enabled {
		return errDaemonUnreachable
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, daemonURL(cfg)+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
