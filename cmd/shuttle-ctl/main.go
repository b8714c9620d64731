// shuttle-ctl - interactive console for a running Shuttle daemon
//
// Connects to the daemon's websocket endpoint, drives the stream and
// playback control surface, and prints a summary line for every frame
// that completes reassembly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/r3d91ll/shuttle/pkg/api"
	"github.com/r3d91ll/shuttle/pkg/transport"
)

const version = "0.3.0"

var useColor = term.IsTerminal(int(os.Stdout.Fd()))

func colorize(code, s string) string {
	if !useColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8765/ws", "Daemon websocket URL")
	serverURL := flag.String("server", "http://127.0.0.1:8765", "Daemon HTTP base URL")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("shuttle-ctl %s\n", version)
		os.Exit(0)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*wsURL, nil)
	if err != nil {
		fmt.Printf("Failed to connect to %s: %v\n", *wsURL, err)
		os.Exit(1)
	}

	recv := transport.NewReceiver(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := recv.Run(ctx); err != nil {
			fmt.Printf("\n%s %v\n", colorize("31", "disconnected:"), err)
		}
	}()

	go frameLoop(recv)
	go eventLoop(recv)

	fmt.Printf("shuttle-ctl %s connected to %s\n", version, *wsURL)
	fmt.Println("Commands: configure, live, play, pause, seek, step, status, range, help, quit")
	fmt.Println()

	if err := runConsole(recv, *serverURL); err != nil && err != io.EOF {
		fmt.Printf("Console error: %v\n", err)
		os.Exit(1)
	}
}

func runConsole(recv *transport.Receiver, serverURL string) error {
	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          colorize("32", "shuttle> "),
		HistoryFile:     filepath.Join(homeDir, ".shuttle_ctl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("configure",
				readline.PcItem("macro"),
				readline.PcItem("meso"),
				readline.PcItem("micro"),
			),
			readline.PcItem("live", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("play"),
			readline.PcItem("pause"),
			readline.PcItem("seek"),
			readline.PcItem("step"),
			readline.PcItem("status"),
			readline.PcItem("range"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return err
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			printHelp()
		case "status":
			fetchJSON(serverURL + "/api/status")
		case "range":
			fetchJSON(serverURL + "/api/history/range")
		case "configure":
			handleConfigure(recv, fields[1:])
		case "live":
			if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
				fmt.Println("usage: live on|off")
				continue
			}
			send(recv, api.MsgStreamLive, api.LivePayload{Enabled: fields[1] == "on"})
		case "play":
			speed := 1.0
			if len(fields) > 1 {
				s, err := strconv.ParseFloat(fields[1], 64)
				if err != nil {
					fmt.Println("usage: play [speed]")
					continue
				}
				speed = s
			}
			send(recv, api.MsgPlaybackPlay, api.PlayPayload{Speed: speed})
		case "pause":
			send(recv, api.MsgPlaybackPause, nil)
		case "seek":
			if len(fields) != 2 {
				fmt.Println("usage: seek <step>")
				continue
			}
			step, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("usage: seek <step>")
				continue
			}
			send(recv, api.MsgPlaybackSeek, api.SeekPayload{Step: step})
		case "step":
			delta := int64(1)
			if len(fields) > 1 {
				d, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					fmt.Println("usage: step [delta]")
					continue
				}
				delta = d
			}
			send(recv, api.MsgPlaybackStep, api.StepPayload{Delta: delta})
		default:
			fmt.Printf("unknown command %q (try help)\n", fields[0])
		}
	}
}

func handleConfigure(recv *transport.Receiver, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: configure <macro|meso|micro> [component] [transform]")
		return
	}
	p := api.ConfigurePayload{Level: args[0]}
	if len(args) > 1 {
		p.Component = args[1]
	}
	if len(args) > 2 {
		p.Transform = args[2]
	}
	send(recv, api.MsgStreamConfigure, p)
}

func send(recv *transport.Receiver, msgType string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			fmt.Printf("marshal error: %v\n", err)
			return
		}
		raw = data
	}
	data, err := json.Marshal(api.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		fmt.Printf("marshal error: %v\n", err)
		return
	}
	if err := recv.WriteControl(data); err != nil {
		fmt.Printf("send error: %v\n", err)
	}
}

// frameLoop summarizes every completed frame.
func frameLoop(recv *transport.Receiver) {
	for c := range recv.Frames() {
		values, err := c.Values()
		if err != nil {
			fmt.Printf("\r%s %v\n", colorize("31", "bad frame:"), err)
			continue
		}

		min, max, mean := summarize(values)
		arrays := make([]string, 0, len(c.Header.Arrays))
		for _, a := range c.Header.Arrays {
			arrays = append(arrays, fmt.Sprintf("%s%v", a.Name, a.Shape))
		}
		fmt.Printf("\r%s step=%d level=%s %s n=%d min=%.3f max=%.3f mean=%.3f\n",
			colorize("36", "frame"), c.Header.Step, c.Header.Level,
			strings.Join(arrays, ","), len(values), min, max, mean)
	}
}

// eventLoop prints server events as they arrive.
func eventLoop(recv *transport.Receiver) {
	for msg := range recv.Events() {
		var env api.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch env.Type {
		case api.MsgError:
			fmt.Printf("\r%s %s\n", colorize("31", "error:"), env.Payload)
		case api.MsgPong:
			// Keepalive noise.
		default:
			fmt.Printf("\r%s %s %s\n", colorize("33", "event:"), env.Type, env.Payload)
		}
	}
}

func summarize(values []float32) (min, max, mean float32) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	min, max = values[0], values[0]
	var sum float64
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += float64(v)
	}
	return min, max, float32(sum / float64(len(values)))
}

// fetchJSON prints the daemon's response for a REST endpoint.
func fetchJSON(url string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("read failed: %v\n", err)
		return
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func printHelp() {
	fmt.Println("configure <macro|meso|micro> [component] [transform]")
	fmt.Println("    select what this session streams; the transform is fixed once set")
	fmt.Println("live on|off      follow records as the producer appends them")
	fmt.Println("play [speed]     replay history at speed (default 1.0)")
	fmt.Println("pause            stop replay at the current step")
	fmt.Println("seek <step>      jump to a resident step")
	fmt.Println("step [delta]     move the cursor by delta steps (default +1)")
	fmt.Println("status           daemon status")
	fmt.Println("range            resident step interval")
	fmt.Println("quit             leave the console")
}
