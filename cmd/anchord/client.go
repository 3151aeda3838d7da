package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"chunkanchor.ai/internal/protocol"
)

var clientOpts struct {
	url   string
	owner string
	world string
	x, z  int

	online bool
}

var clientCmd = &cobra.Command{
	Use:   "cmd <verb> [name] [policy]",
	Short: "Run one anchor command against a running service",
	Long: `Connect as an owner, send one command and print the result.

Verbs: add, remove, list, show, mode, enable, disable. show keeps printing
outline frames until the outline finishes. The session does not count as
an online owner unless --online is given.`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := protocol.CmdMsg{Verb: args[0]}
		if len(args) > 1 {
			req.Name = args[1]
		}
		if len(args) > 2 {
			req.Policy = args[2]
		}
		hello := protocol.HelloMsg{
			OwnerID: clientOpts.owner,
			World:   clientOpts.world,
			X:       clientOpts.x,
			Z:       clientOpts.z,
			Passive: !clientOpts.online,
		}
		ctx, cancel := signalContext()
		defer cancel()
		return runClient(ctx, clientOpts.url, hello, req, cmd.OutOrStdout())
	},
}

func init() {
	f := clientCmd.Flags()
	f.StringVar(&clientOpts.url, "url", "ws://127.0.0.1:8080/v1/ws", "service websocket url")
	f.StringVar(&clientOpts.owner, "owner", "", "owner id")
	f.StringVar(&clientOpts.world, "world", "world", "world the owner stands in")
	f.IntVar(&clientOpts.x, "x", 0, "owner block x")
	f.IntVar(&clientOpts.z, "z", 0, "owner block z")
	f.BoolVar(&clientOpts.online, "online", false, "count this session as an online owner")
	_ = clientCmd.MarkFlagRequired("owner")
}

var errCommandFailed = errors.New("command failed")

func runClient(ctx context.Context, url string, hello protocol.HelloMsg, req protocol.CmdMsg, out io.Writer) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	hello.Type = protocol.TypeHello
	hello.ProtocolVersion = protocol.Version
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read WELCOME: %w", err)
	}

	req.Type = protocol.TypeCmd
	req.ProtocolVersion = protocol.Version
	req.ID = "1"
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send CMD: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeResult:
			var res protocol.ResultMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				return err
			}
			printResult(out, res)
			if !res.OK {
				return fmt.Errorf("%w: %s", errCommandFailed, res.Code)
			}
			if res.Verb != protocol.VerbShow {
				return nil
			}
		case protocol.TypeOutline:
			var o protocol.OutlineMsg
			if err := json.Unmarshal(msg, &o); err != nil {
				return err
			}
			if o.Final {
				fmt.Fprintf(out, "outline of %s finished\n", o.Name)
				return nil
			}
			fmt.Fprintf(out, "outline %s %s x[%d,%d] z[%d,%d] corners=%d edge=%d\n",
				o.Name, o.World, o.MinX, o.MaxX, o.MinZ, o.MaxZ, len(o.Corners), len(o.Edge))
		}
	}
}

func printResult(w io.Writer, res protocol.ResultMsg) {
	if !res.OK {
		warnColor.Fprintf(w, "%s failed: %s %s\n", res.Verb, res.Code, res.Message)
		return
	}
	if res.Code != "" {
		warnColor.Fprintf(w, "%s: %s\n", res.Code, res.Message)
	} else if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}
	views := res.Anchors
	if res.Anchor != nil {
		views = append(views, *res.Anchor)
	}
	for _, v := range views {
		state := "resident"
		if !v.Resident {
			state = "idle"
		}
		if !v.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%-16s %-14s %7d %7d  %-13s %s\n", v.Name, v.World, v.X, v.Z, v.EffectivePolicy, state)
	}
	headerColor.Fprintf(w, "%d/%d enabled\n", res.Enabled, res.Limit)
}
