// Package client is an interactive terminal client for the lobby and game servers.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/alejzeis/bindstone-netplay/common"
)

const usage = `Commands:
  connect [url]                      connect to a lobby
  create <email> <handle> <password> create an account
  login <email|handle> <password>    log in
  find [queue]                       look for a match (default queue "normal")
  cancel                             stop looking for a match
  profile                            show the current save
  upgrade <slot>                     upgrade one of your buildings
  board                              show the match state
  refresh                            ask the game server for the whole match state
  surrender                          give up the match
  admin <username> <password>        log into the operator API
  queues | servers | connections     operator views
  quit`

// RunClient is the main method for running the client code. It reads commands from in until it
// is closed or "quit" is entered.
func RunClient(ctx context.Context, config common.ClientConfig, in io.Reader, out io.Writer) {
	session := NewSession(ctx, config, out)
	defer session.Close()

	log.Info("Client ready for commands.")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if len(text) == 0 {
			continue
		}
		if !execute(session, out, strings.Fields(text)) {
			return
		}
	}
}

// execute runs one command line, returning false when the client should exit
func execute(session *Session, out io.Writer, args []string) bool {
	var err error

	switch args[0] {
	case "help":
		fmt.Fprintln(out, usage)
	case "quit", "exit":
		return false
	case "connect":
		url := ""
		if len(args) > 1 {
			url = args[1]
		}
		err = session.Connect(url)
	case "create":
		if len(args) != 4 {
			err = usageError("create <email> <handle> <password>")
			break
		}
		err = session.CreatePlayer(args[1], args[2], args[3])
	case "login":
		if len(args) != 3 {
			err = usageError("login <email|handle> <password>")
			break
		}
		err = session.Login(args[1], args[2])
	case "find":
		queue := "normal"
		if len(args) > 1 {
			queue = args[1]
		}
		err = session.FindMatch(queue)
	case "cancel":
		err = session.CancelMatch()
	case "profile":
		player, ok := session.Profile()
		if !ok {
			fmt.Fprintln(out, "Not logged in.")
			break
		}
		fmt.Fprintf(out, "%s: %d soft, %d hard, loadout %s\n", player.Handle, player.Wallet.Soft, player.Wallet.Hard,
			strings.Join(player.Loadout.Buildings[:], " "))
	case "upgrade":
		if len(args) != 2 {
			err = usageError("upgrade <slot>")
			break
		}
		slot, convErr := strconv.ParseInt(args[1], 10, 32)
		if convErr != nil {
			err = usageError("upgrade <slot>")
			break
		}
		err = session.Upgrade(int32(slot))
	case "board":
		var lines []string
		lines, err = session.Board()
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
	case "refresh":
		err = session.RefreshState()
	case "surrender":
		err = session.Surrender()
	case "admin":
		if len(args) != 3 {
			err = usageError("admin <username> <password>")
			break
		}
		if err = session.rest.login(args[1], args[2]); err == nil {
			fmt.Fprintln(out, "Logged into the operator API.")
		}
	case "queues":
		err = printQueues(session, out)
	case "servers":
		err = printGameServers(session, out)
	case "connections":
		var connections common.ConnectionsResponse
		if connections, err = session.rest.connections(); err == nil {
			fmt.Fprintf(out, "%d users (%d logged in), %d game servers\n",
				connections.Users, connections.Authenticated, connections.GameServers)
		}
	default:
		fmt.Fprintf(out, "Unknown command %q, try \"help\".\n", args[0])
	}

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return true
}

func usageError(command string) error {
	return fmt.Errorf("usage: %q", command)
}

func printQueues(session *Session, out io.Writer) error {
	queues, err := session.rest.queues()
	if err != nil {
		return err
	}
	for _, queue := range queues {
		fmt.Fprintf(out, "%s: %d waiting\n", queue.ID, len(queue.Seekers))
		for _, seeker := range queue.Seekers {
			fmt.Fprintf(out, "  %s %.0f (%.0fs)\n", seeker.Identity, seeker.Rating, seeker.Waited)
		}
	}
	return nil
}

func printGameServers(session *Session, out io.Writer) error {
	servers, err := session.rest.gameServers()
	if err != nil {
		return err
	}
	for _, server := range servers {
		fmt.Fprintf(out, "%d %s:%d %s\n", server.Handle, server.URL, server.Port, server.State)
	}
	return nil
}
