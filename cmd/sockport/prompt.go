package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/sockport/sockport/pkg/framing"
)

const promptHelp = `Lines are framed with the configured header and sent to the peer.
  /hex <bytes>  send a hex-encoded payload, e.g. /hex 01 02 ff
  /raw <text>   send text without framing
  /help         show this help
  /quit         exit`

// prompt reads client input. Sends are posted to the reactor goroutine.
type prompt struct {
	rl     *readline.Instance
	header *framing.HeaderDescr
	post   func(func())
	send   func([]byte)

	closeOnce sync.Once
}

func newPrompt() (*prompt, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sockport> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &prompt{rl: rl}, nil
}

// Stdout coordinates output with the input line.
func (p *prompt) Stdout() io.Writer { return p.rl.Stdout() }

func (p *prompt) Stderr() io.Writer { return p.rl.Stderr() }

func (p *prompt) Close() {
	p.closeOnce.Do(func() { _ = p.rl.Close() })
}

func (p *prompt) run(ctx context.Context) error {
	fmt.Fprintln(p.Stdout(), promptHelp)
	for ctx.Err() == nil {
		line, err := p.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}

		cmd, err := parseLine(line, p.header)
		if err != nil {
			fmt.Fprintln(p.Stderr(), "error:", err)
			continue
		}
		switch {
		case cmd.quit:
			return nil
		case cmd.help:
			fmt.Fprintln(p.Stdout(), promptHelp)
		case cmd.data != nil:
			data := cmd.data
			p.post(func() { p.send(data) })
		}
	}
	return nil
}

type command struct {
	data []byte
	quit bool
	help bool
}

// parseLine turns one input line into a command. Empty lines do nothing.
func parseLine(line string, header *framing.HeaderDescr) (command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		data, err := frame([]byte(line), header)
		return command{data: data}, err
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return command{quit: true}, nil
	case "help", "?":
		return command{help: true}, nil
	case "raw":
		if arg == "" {
			return command{}, errors.New("/raw needs text")
		}
		return command{data: []byte(arg)}, nil
	case "hex":
		payload, err := hex.DecodeString(strings.Join(strings.Fields(arg), ""))
		if err != nil {
			return command{}, fmt.Errorf("invalid hex: %w", err)
		}
		if len(payload) == 0 {
			return command{}, errors.New("/hex needs bytes")
		}
		data, err := frame(payload, header)
		return command{data: data}, err
	default:
		return command{}, fmt.Errorf("unknown command /%s", name)
	}
}

func frame(payload []byte, header *framing.HeaderDescr) ([]byte, error) {
	if header == nil {
		return payload, nil
	}
	return header.Encode(payload)
}
