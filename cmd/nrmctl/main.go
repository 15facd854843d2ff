// Command nrmctl is the command-line client for nrmd: it drives the
// list/run/kill/setpower RPCs and can tail the publish channel, per
// spec.md §4.1/§6. Grounded on getployz-ployz/cmd/ployz's cobra root +
// subcommand-per-file layout and its ui package's lipgloss rendering.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anlsys/nrmd/cmd/nrmctl/ui"
	"github.com/anlsys/nrmd/internal/message"
	"github.com/anlsys/nrmd/pkg/nrmapi"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%s", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var rpcAddr, pubAddr string

	cmd := &cobra.Command{
		Use:   "nrmctl",
		Short: "Client for the node-local resource manager daemon",
	}
	cmd.PersistentFlags().StringVar(&rpcAddr, "rpc", "tcp://127.0.0.1:3456", "Upstream RPC socket address")
	cmd.PersistentFlags().StringVar(&pubAddr, "pub", "tcp://127.0.0.1:2345", "Upstream publish socket address")

	cmd.AddCommand(
		listCmd(&rpcAddr),
		runCmd(&rpcAddr),
		killCmd(&rpcAddr),
		setPowerCmd(&rpcAddr),
		watchCmd(&pubAddr),
	)
	return cmd
}

func listCmd(rpcAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			_, body, err := client.Call(nrmapi.ListRequest{})
			if err != nil {
				return err
			}
			var reply nrmapi.ListReply
			if err := unmarshal(body, &reply); err != nil {
				return err
			}

			if len(reply.Payload) == 0 {
				fmt.Println(ui.InfoMsg("no containers running"))
				return nil
			}
			rows := make([][]string, 0, len(reply.Payload))
			for _, c := range reply.Payload {
				rows = append(rows, []string{c.UUID, fmt.Sprint(c.PIDs)})
			}
			fmt.Println(ui.Table([]string{"CONTAINER", "PIDS"}, rows))
			return nil
		},
	}
}

func runCmd(rpcAddr *string) *cobra.Command {
	var containerUUID string
	var manifest string

	cmd := &cobra.Command{
		Use:   "run -- <path> [args...]",
		Short: "Launch a process inside a new (or existing) isolated container",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			req := nrmapi.RunRequest{
				Manifest:      manifest,
				Path:          args[0],
				Args:          args[1:],
				ContainerUUID: containerUUID,
				Environ:       map[string]string{},
			}
			env, body, err := client.Call(req)
			if err != nil {
				return err
			}
			if env.Type != "process_start" {
				return fmt.Errorf("unexpected reply type %q", env.Type)
			}
			var start nrmapi.ProcessStartReply
			if err := unmarshal(body, &start); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("started pid %d in container %s", start.PID, start.ContainerUUID))

			return streamUntilExit(client)
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "Path to an ACI-style application manifest")
	cmd.Flags().StringVar(&containerUUID, "container", "", "Reuse an existing container's isolation domain")
	return cmd
}

// streamUntilExit prints stdout/stderr replies as they arrive and returns
// once the daemon reports process_exit.
func streamUntilExit(client *Client) error {
	for {
		env, body, err := client.Recv()
		if err != nil {
			return err
		}
		switch env.Type {
		case "stdout":
			var out nrmapi.StdoutReply
			if err := unmarshal(body, &out); err != nil {
				return err
			}
			fmt.Print(out.Payload)
		case "stderr":
			var errOut nrmapi.StderrReply
			if err := unmarshal(body, &errOut); err != nil {
				return err
			}
			fmt.Fprint(os.Stderr, errOut.Payload)
		case "process_exit":
			var exit nrmapi.ProcessExitReply
			if err := unmarshal(body, &exit); err != nil {
				return err
			}
			fmt.Println(ui.InfoMsg("process exited (status %s)", exit.Status))
			return nil
		default:
			fmt.Fprintln(os.Stderr, ui.ErrorMsg("unexpected reply type %q", env.Type))
		}
	}
}

func killCmd(rpcAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <container-uuid>",
		Short: "Terminate every process in a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			if _, _, err := client.Call(nrmapi.KillRequest{ContainerUUID: args[0]}); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("kill sent for %s", args[0]))
			return nil
		},
	}
}

func setPowerCmd(rpcAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setpower <watts>",
		Short: "Set the node's aggregate power cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Dial(*rpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			_, body, err := client.Call(nrmapi.SetPowerRequest{Limit: args[0]})
			if err != nil {
				return err
			}
			var reply nrmapi.GetPowerReply
			if err := unmarshal(body, &reply); err != nil {
				return err
			}
			fmt.Println(ui.KeyValues("  ", ui.KV("Power cap", reply.Limit+" W")))
			return nil
		},
	}
}

func watchCmd(pubAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Tail the publish channel (power, container_start/exit, control)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := Dial(*pubAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Println(ui.InfoMsg("watching %s", *pubAddr))
			for {
				env, body, err := client.Recv()
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", ui.Accent(env.Type), string(body))
			}
		},
	}
}

func unmarshal(body []byte, dst any) error {
	return message.Unmarshal(body, dst)
}
