package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/waggle/peer"
	"tarun-kavipurapu/waggle/pkg/config"
	"tarun-kavipurapu/waggle/pkg/discovery"
	"tarun-kavipurapu/waggle/pkg/logger"
	"tarun-kavipurapu/waggle/pkg/monitor"
	"tarun-kavipurapu/waggle/pkg/origin"
	"tarun-kavipurapu/waggle/pkg/scheduler"
	"tarun-kavipurapu/waggle/pkg/signaling"
	"tarun-kavipurapu/waggle/pkg/sink"
	"tarun-kavipurapu/waggle/pkg/transport/tcp"
)

const keepAliveInterval = 30 * time.Second

var (
	peerServer        string
	peerRoom          string
	peerListen        string
	peerAdvertise     []string
	peerQuorum        int
	peerFallbackDelay time.Duration
	peerConnTimeout   time.Duration
	peerLookahead     int
	peerChunkSize     int64
	peerOriginRate    float64
	peerOut           string
	peerSwarm         string
	peerSeed          bool
	peerInteractive   bool
)

var peerCmd = &cobra.Command{
	Use:   "peer <file-url>",
	Short: "Join a room and fetch a file from peers and its origin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := peerConfig(cmd, loaded.Peer)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := setupLogging(cmd, cfg.LogFile, cfg.LogLevel); err != nil {
			return err
		}
		fileURL := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPeer(ctx, stop, cfg, fileURL)
	},
}

func runPeer(ctx context.Context, stop func(), cfg config.Peer, fileURL string) error {
	serverURL := cfg.Server
	if serverURL == "" {
		findCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		found, err := discovery.FindServer(findCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("no --server given and none found on the network: %w", err)
		}
		serverURL = found
		logger.Sugar.Infof("Found signaling server at %s", serverURL)
	}

	head := origin.New(ctx, origin.Config{})
	fileSize, err := head.Size(ctx, fileURL)
	if err != nil {
		return err
	}

	tr := tcp.NewTCPTransport(cfg.ListenAddr)
	tr.SetAdvertise(cfg.Advertise...)
	if err := tr.ListenAndAccept(); err != nil {
		return err
	}

	sig, err := signaling.Dial(ctx, serverURL, cfg.Room)
	if err != nil {
		tr.Close()
		return err
	}
	defer sig.Close()

	out, closeOut, err := openSink(peerOut)
	if err != nil {
		tr.Close()
		return err
	}
	defer closeOut()

	node := peer.NewNode(peer.Config{
		Quorum:         cfg.Quorum,
		FallbackDelay:  cfg.FallbackDelay.Duration,
		ConnectTimeout: cfg.ConnectTimeout.Duration,
		Lookahead:      cfg.Lookahead,
	}, sig, tr, func(post func(func())) scheduler.Origin {
		return origin.New(ctx, origin.Config{RequestsPerSecond: cfg.OriginRate, Post: post})
	})

	swarmID := peerSwarm
	if swarmID == "" {
		swarmID = fileURL
	}
	download := node.Follow(swarmID, fileURL, fileSize, cfg.ChunkSize, out)
	logger.Sugar.Infof("Starting peer on %s in room %q, following %s (%d bytes)", tr.Addr(), cfg.Room, fileURL, fileSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error { return sig.KeepAlive(gctx, keepAliveInterval) })
	if cfg.MetricsInterval.Duration > 0 {
		g.Go(func() error {
			monitor.LogPeriodic(gctx, cfg.MetricsInterval.Duration)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-download.Done():
			if err := download.Err(); err != nil {
				return err
			}
			if !peerSeed {
				stop()
			}
		case <-gctx.Done():
		}
		return nil
	})

	if peerInteractive {
		fmt.Println("waggle peer interactive shell")
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { peerExecutor(gctx, in, node, swarmID, stop) },
			peerCompleter,
			prompt.OptionPrefix("peer> "),
			prompt.OptionTitle("waggle peer"),
			prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return gctx.Err() != nil }),
		).Run()
		stop()
	} else if peerOut != "" && peerOut != "-" {
		renderer := peer.NewProgressRenderer(download.Tracker, os.Stderr, os.Getenv("NO_COLOR") == "")
		go renderer.Start()
		defer renderer.StopAndWait()
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openSink opens the output: stdout for "" or "-", a file otherwise.
func openSink(path string) (scheduler.Sink, func(), error) {
	if path == "" || path == "-" {
		return sink.NewWriter(os.Stdout), func() {}, nil
	}
	f, err := sink.NewFile(afero.NewOsFs(), path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logger.Sugar.Errorf("close %s: %v", path, err)
		}
	}, nil
}

// peerConfig overlays the flags the user set on the file settings.
func peerConfig(cmd *cobra.Command, cfg config.Peer) config.Peer {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = peerServer
	}
	if flags.Changed("room") {
		cfg.Room = peerRoom
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = peerListen
	}
	if flags.Changed("advertise") {
		cfg.Advertise = peerAdvertise
	}
	if flags.Changed("quorum") {
		cfg.Quorum = peerQuorum
	}
	if flags.Changed("fallback-delay") {
		cfg.FallbackDelay = config.Duration{Duration: peerFallbackDelay}
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = config.Duration{Duration: peerConnTimeout}
	}
	if flags.Changed("lookahead") {
		cfg.Lookahead = peerLookahead
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = peerChunkSize
	}
	if flags.Changed("origin-rate") {
		cfg.OriginRate = peerOriginRate
	}
	return cfg
}

func peerExecutor(ctx context.Context, in string, node *peer.Node, swarmID string, stop func()) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		stop()
	case "status", "peers":
		var st peer.Status
		if err := node.Do(ctx, func() { st = node.Status() }); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if blocks[0] == "peers" {
			printPeers(st)
			return
		}
		printStatus(st)
	case "want":
		if len(blocks) < 2 {
			fmt.Println("Usage: want <chunk>")
			return
		}
		id, err := strconv.Atoi(blocks[1])
		if err != nil {
			fmt.Printf("Bad chunk id %q\n", blocks[1])
			return
		}
		if err := node.Do(ctx, func() { err = node.Want(swarmID, id) }); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Chunk %d wanted.\n", id)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status         - Show swarm progress")
		fmt.Println("  peers          - List known peers and their state")
		fmt.Println("  want <chunk>   - Fetch a chunk now")
		fmt.Println("  exit           - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func printStatus(st peer.Status) {
	fmt.Printf("uid: %s, %d peers known (%d unreachable)\n", st.LocalID, len(st.Peers), st.Unreachable)
	for _, s := range st.Swarms {
		fmt.Printf("swarm %s: %d/%d fulfilled, %d delivered, wanted %v, buffered %v\n",
			s.ID, s.Completed, s.Chunks, s.Delivered, s.Wanted, s.Pending)
		fmt.Printf("  [%s]\n", s.HaveMap())
	}
}

func printPeers(st peer.Status) {
	if len(st.Peers) == 0 {
		fmt.Println("No peers known.")
		return
	}
	for _, p := range st.Peers {
		fmt.Printf("- %s %s (%d queued)\n", p.ID, p.State, p.Queued)
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show swarm progress"},
		{Text: "peers", Description: "List peers"},
		{Text: "want", Description: "Fetch a chunk now"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	flags := peerCmd.Flags()
	flags.StringVarP(&peerServer, "server", "s", "", "Signaling websocket URL, e.g. ws://host:8080/api/rooms (empty: find via mDNS)")
	flags.StringVarP(&peerRoom, "room", "r", "default", "Room to join")
	flags.StringVarP(&peerListen, "listen", "l", "0.0.0.0:0", "Address to accept peer connections on")
	flags.StringSliceVar(&peerAdvertise, "advertise", nil, "Extra addresses peers may dial")
	flags.IntVar(&peerQuorum, "quorum", 3, "Peers asked for each chunk")
	flags.DurationVar(&peerFallbackDelay, "fallback-delay", 2*time.Second, "Wait before also asking the origin")
	flags.DurationVar(&peerConnTimeout, "connect-timeout", 10*time.Second, "Give up on a peer connection after this long")
	flags.IntVar(&peerLookahead, "lookahead", 2, "Chunks wanted past the last delivered one")
	flags.Int64Var(&peerChunkSize, "chunk-size", 512*1024, "Chunk size in bytes when creating a swarm")
	flags.Float64Var(&peerOriginRate, "origin-rate", 0, "Max origin requests per second (0: unlimited)")
	flags.StringVarP(&peerOut, "out", "o", "-", "Output file, - for stdout")
	flags.StringVar(&peerSwarm, "swarm", "", "Swarm id (default: the file URL)")
	flags.BoolVar(&peerSeed, "seed", false, "Keep serving peers after the download completes")
	flags.BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
