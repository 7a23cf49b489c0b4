package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/minbarlabs/minbar-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = `usage: minbarctl [-server url] <command>

commands:
  start -sermon <id>     start a live session for a sermon
  stop -session <id>     end a live session
  flag -session <id>     flag the most recent match as wrong
  version                print version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	server := os.Getenv("MINBAR_NATS_URL")
	if server == "" {
		server = nats.DefaultURL
	}

	switch os.Args[1] {
	case "start":
		var sermonID int64
		args := newFlagSet("start")
		args.Int64Var(&sermonID, "sermon", 0, "Sermon id to go live with")
		args.Parse(os.Args[2:])
		if sermonID == 0 {
			fatal("start requires -sermon")
		}
		var reply protocol.StartSessionReply
		request(server, protocol.SubjectSessionStart, protocol.StartSessionRequest{SermonID: sermonID}, &reply)
		if reply.Error != "" {
			fatal(reply.Error)
		}
		fmt.Printf("session %s started (%d segments)\n", reply.SessionID, reply.SegmentsLoaded)

	case "stop":
		sessionID := sessionArg("stop")
		var reply protocol.ControlReply
		request(server, protocol.SubjectSessionStop, protocol.StopSessionRequest{SessionID: sessionID}, &reply)
		if reply.Error != "" {
			fatal(reply.Error)
		}
		fmt.Println("session stopped")

	case "flag":
		var notes string
		args := newFlagSet("flag")
		sessionID := args.String("session", "", "Session id")
		args.StringVar(&notes, "notes", "", "Optional reviewer notes")
		args.Parse(os.Args[2:])
		if *sessionID == "" {
			fatal("flag requires -session")
		}
		var reply protocol.ControlReply
		request(server, protocol.SubjectSessionFlag, protocol.FlagMatchRequest{SessionID: *sessionID, Notes: notes}, &reply)
		if reply.Error != "" {
			fatal(reply.Error)
		}
		fmt.Println("last match flagged")

	case "version":
		fmt.Println(version)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func sessionArg(cmd string) string {
	args := newFlagSet(cmd)
	sessionID := args.String("session", "", "Session id")
	args.Parse(os.Args[2:])
	if *sessionID == "" {
		fatal(cmd + " requires -session")
	}
	return *sessionID
}

func request(server, subject string, req, reply any) {
	conn, err := nats.Connect(server, nats.Name("minbarctl"), nats.Timeout(3*time.Second))
	if err != nil {
		fatal(fmt.Sprintf("connect to %s: %v", server, err))
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		fatal(err.Error())
	}
	msg, err := conn.Request(subject, data, 10*time.Second)
	if err != nil {
		fatal(fmt.Sprintf("request %s: %v", subject, err))
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		fatal(fmt.Sprintf("decode reply: %v", err))
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
