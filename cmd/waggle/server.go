package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	centralserver "tarun-kavipurapu/waggle/central-server"
	"tarun-kavipurapu/waggle/pkg/config"
	"tarun-kavipurapu/waggle/pkg/logger"
)

var (
	serverListen       string
	serverMDNS         bool
	serverInstanceName string
	serverStaleTimeout time.Duration
	interactive        bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the index and signaling server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := serverConfig(cmd, loaded.Server)
		if err := setupLogging(cmd, cfg.LogFile, cfg.LogLevel); err != nil {
			return err
		}

		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		logger.Sugar.Infof("Starting Central Server on %s", ln.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := centralserver.NewCentralServer(centralserver.Config{StaleTimeout: cfg.StaleTimeout.Duration})
		opts := centralserver.Options{MDNS: cfg.MDNS, InstanceName: cfg.InstanceName}

		if !interactive {
			return server.Run(ctx, ln, opts)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- server.Run(ctx, ln, opts) }()

		fmt.Println("waggle server interactive shell")
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { serverExecutor(ctx, in, server, stop) },
			serverCompleter,
			prompt.OptionPrefix("waggle-server> "),
			prompt.OptionTitle("waggle server"),
			prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return ctx.Err() != nil }),
		).Run()

		stop()
		return <-errCh
	},
}

// serverConfig overlays the flags the user set on the file settings.
func serverConfig(cmd *cobra.Command, cfg config.Server) config.Server {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = serverListen
	}
	if flags.Changed("mdns") {
		cfg.MDNS = serverMDNS
	}
	if flags.Changed("instance-name") {
		cfg.InstanceName = serverInstanceName
	}
	if flags.Changed("stale-timeout") {
		cfg.StaleTimeout = config.Duration{Duration: serverStaleTimeout}
	}
	return cfg
}

func serverExecutor(ctx context.Context, in string, server *centralserver.CentralServer, stop func()) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping server...")
		stop()
	case "status", "list":
		rooms, err := server.Status(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		what := "status"
		if blocks[0] == "list" {
			if len(blocks) < 2 {
				fmt.Println("Usage: list peers|swarms")
				return
			}
			what = blocks[1]
		}
		printRooms(rooms, what)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status        - Show rooms, peers and swarms")
		fmt.Println("  list peers    - List connected peers by room")
		fmt.Println("  list swarms   - List swarms and their availability")
		fmt.Println("  exit          - Stop server and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func printRooms(rooms []centralserver.RoomStatus, what string) {
	if len(rooms) == 0 {
		fmt.Println("No peers connected.")
		return
	}
	for _, r := range rooms {
		switch what {
		case "peers":
			fmt.Printf("Room %s:\n", r.Name)
			for _, p := range r.Peers {
				fmt.Println("  - " + p)
			}
		case "swarms":
			fmt.Printf("Room %s:\n", r.Name)
			for _, s := range r.Swarms {
				fmt.Printf("  - %s: %d chunks, %d members, %d copies\n", s.ID, s.Chunks, s.Members, s.Copies)
			}
		default:
			fmt.Printf("Room %s: %d peers, %d swarms\n", r.Name, len(r.Peers), len(r.Swarms))
		}
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show server status and stats"},
		{Text: "list peers", Description: "List connected peers"},
		{Text: "list swarms", Description: "List swarms"},
		{Text: "exit", Description: "Exit the server"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverListen, "listen", "l", ":8080", "Address to listen on")
	serverCmd.Flags().BoolVar(&serverMDNS, "mdns", true, "Advertise the server over mDNS")
	serverCmd.Flags().StringVar(&serverInstanceName, "instance-name", "", "mDNS instance name")
	serverCmd.Flags().DurationVar(&serverStaleTimeout, "stale-timeout", 90*time.Second, "Drop peers silent for this long")
	serverCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start in interactive mode")
}
