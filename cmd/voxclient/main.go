// voxclient is a terminal client for the voxcore voice chat core. It
// connects, prints session events, and takes simple commands on stdin;
// audio device wiring is left to platform front ends.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	voxcore "github.com/opd-ai/voxcore"
	"github.com/opd-ai/voxcore/config"
	"github.com/opd-ai/voxcore/session"
)

var (
	version  = "0.1.0"
	cfgFile  string
	server   string
	username string
)

var rootCmd = &cobra.Command{
	Use:   "voxclient",
	Short: "Voice chat terminal client",
	Long:  `voxclient connects to a voxcore server for low-latency voice and text chat.`,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the configured server",
	Run: func(cmd *cobra.Command, args []string) {
		runClient()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("voxclient v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "voxclient.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "display name (overrides config)")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if server != "" {
		cfg.Server.Address = server
	}
	if username != "" {
		cfg.Auth.Username = username
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	opts := voxcore.NewOptions()
	opts.Config = cfg

	client, err := voxcore.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}

	client.OnStatusChanged(func(s session.Status) {
		fmt.Printf("* status: %s\n", s)
	})
	client.OnUserJoined(func(u session.User) {
		fmt.Printf("* %s joined (id %d)\n", u.Name, u.ID)
	})
	client.OnUserLeft(func(u session.User) {
		fmt.Printf("* %s left\n", u.Name)
	})
	client.OnUserMoved(func(userID, roomID uint32) {
		fmt.Printf("* user %d moved to room %d\n", userID, roomID)
	})
	client.OnUserTalking(func(userID uint32, talking bool) {
		if talking {
			fmt.Printf("* user %d talking\n", userID)
		}
	})
	client.OnTextMessage(func(senderID, roomID uint32, text string) {
		fmt.Printf("[room %d] user %d: %s\n", roomID, senderID, text)
	})
	client.OnError(func(err error) {
		fmt.Printf("! %v\n", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Connected to %s as %s\n", cfg.ControlAddress(), cfg.Auth.Username)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nDisconnecting")
		_ = client.Disconnect()
		os.Exit(0)
	}()

	readCommands(client)

	_ = client.Disconnect()
}

// readCommands runs the stdin command loop until EOF or quit.
func readCommands(client *voxcore.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return
		case "rooms":
			for _, room := range client.Rooms() {
				fmt.Printf("  [%d] %s (%d users)\n", room.ID, room.Name, len(room.Members))
			}
		case "users":
			for _, user := range client.Users() {
				fmt.Printf("  [%d] %s in room %d\n", user.ID, user.Name, user.RoomID)
			}
		case "join":
			withID(fields, 2, func(id uint32) error { return client.JoinRoom(id) })
		case "say":
			if len(fields) < 3 {
				fmt.Println("usage: say <room-id> <text>")
				continue
			}
			withID(fields, 3, func(id uint32) error {
				return client.SendText(id, strings.Join(fields[2:], " "))
			})
		case "mute":
			withID(fields, 2, func(id uint32) error { return client.SetUserMuted(id, true) })
		case "unmute":
			withID(fields, 2, func(id uint32) error { return client.SetUserMuted(id, false) })
		case "volume":
			if len(fields) < 3 {
				fmt.Println("usage: volume <user-id> <0..4>")
				continue
			}
			vol, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				fmt.Println("bad volume")
				continue
			}
			withID(fields, 3, func(id uint32) error { return client.SetUserVolume(id, vol) })
		case "ptt":
			held := len(fields) > 1 && fields[1] == "on"
			client.SetPushToTalk(held)
		case "rtt":
			fmt.Printf("  %s\n", client.RTT())
		default:
			fmt.Println("commands: rooms users join say mute unmute volume ptt rtt quit")
		}
	}
}

// withID parses fields[1] as an id and runs fn, printing any error.
func withID(fields []string, minLen int, fn func(uint32) error) {
	if len(fields) < minLen {
		fmt.Println("missing id")
		return
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		fmt.Println("bad id")
		return
	}
	if err := fn(uint32(id)); err != nil {
		fmt.Printf("! %v\n", err)
	}
}
