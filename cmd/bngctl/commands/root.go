package commands

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/saphalpdyl/aether/internal/coa"
	"github.com/saphalpdyl/aether/internal/engine"
)

var (
	// socketPath is the bngd CoA bridge socket for the connection.
	socketPath string

	// requestTimeout bounds one request/reply round trip on the socket.
	requestTimeout time.Duration
)

// rootCmd is the top-level cobra command for bngctl.
var rootCmd = &cobra.Command{
	Use:   "bngctl",
	Short: "CLI client for the bngd daemon",
	Long:  "bngctl communicates with the bngd daemon over its local CoA bridge socket to manage subscriber sessions.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/bngd/coa.sock",
		"bngd CoA bridge socket path")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second,
		"request/reply timeout")

	rootCmd.AddCommand(disconnectCmd())
	rootCmd.AddCommand(policyChangeCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// roundTrip dials the CoA socket, sends one request, and decodes the
// daemon's one-line JSON reply.
func roundTrip(req coa.Request) (engine.CoAReply, error) {
	conn, err := net.DialTimeout("unix", socketPath, requestTimeout)
	if err != nil {
		return engine.CoAReply{}, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return engine.CoAReply{}, fmt.Errorf("send request: %w", err)
	}

	var reply engine.CoAReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return engine.CoAReply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// printReply renders a reply for the operator and converts a failed
// reply into a command error for the non-zero exit code.
func printReply(reply engine.CoAReply) error {
	if !reply.Success {
		return fmt.Errorf("daemon refused: %s", reply.Error)
	}
	fmt.Println("ok")
	return nil
}
