// Package console provides the interactive command line for driving the
// opener client by hand.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

// Client is the part of the opener client the console drives.
type Client interface {
	Devices() []model.Device
	Device(id string) (model.Device, error)
	IssueCommand(id string, action model.Action) (*dispatch.Command, error)
	Subscribe(buffer int) *state.Subscription
	SessionState() realtime.State
	CredentialStatus() credentials.KeyStatus
	CommandStats() (pending, queued int)
}

type Console struct {
	client Client
	rl     *readline.Instance
	out    io.Writer
}

func New(client Client) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gdo> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{client: client, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that does not clobber the prompt. Use it for logs.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads commands until quit, EOF or ctx ends. It calls cancel on exit.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	sub := c.client.Subscribe(64)
	defer sub.Close()
	go c.printChanges(ctx, sub)

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if !c.Execute(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the user asked to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "list", "ls":
		c.cmdList()
	case "show":
		c.cmdShow(args)
	case "open":
		c.cmdDoor(ctx, args, model.ActionOpen)
	case "close":
		c.cmdDoor(ctx, args, model.ActionClose)
	case "light":
		c.cmdLight(ctx, args)
	case "state", "status":
		c.cmdState()
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Garage Door Commands:
  list                   - List devices
  show <id>              - Show one device with attribute provenance
  open <id>              - Open the door
  close <id>             - Close the door
  light <id> on|off|toggle
  state                  - Show session and command status
  help                   - Show this help
  quit                   - Exit`)
}

func (c *Console) cmdList() {
	devices := c.client.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices")
		return
	}
	for _, d := range devices {
		fmt.Fprintf(c.out, "%-20s %-20s door=%-8s light=%-7s%s\n", d.ID, d.Name, d.Door, d.Light, staleSuffix(d))
	}
}

func (c *Console) cmdShow(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: show <id>")
		return
	}
	d, err := c.client.Device(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%s (%s)%s\n", d.ID, d.Name, staleSuffix(d))
	fmt.Fprintf(c.out, "  capabilities: %v\n", d.Capabilities)
	for _, attr := range []model.Attribute{model.AttributeDoor, model.AttributeLight} {
		if !d.HasCapability(attr.Capability()) {
			continue
		}
		stored := d.Attributes[attr]
		fmt.Fprintf(c.out, "  %-5s %-8s %s at %s\n", attr, d.Value(attr), stored.Source, formatTime(stored.UpdatedAt))
	}
}

func (c *Console) cmdDoor(ctx context.Context, args []string, action model.Action) {
	if len(args) != 1 {
		fmt.Fprintf(c.out, "Usage: %s <id>\n", strings.ToLower(string(action)))
		return
	}
	c.issue(ctx, args[0], action)
}

func (c *Console) cmdLight(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: light <id> on|off|toggle")
		return
	}
	var action model.Action
	switch strings.ToLower(args[1]) {
	case "on":
		action = model.ActionLightOn
	case "off":
		action = model.ActionLightOff
	case "toggle":
		action = model.ActionLightToggle
	default:
		fmt.Fprintln(c.out, "Usage: light <id> on|off|toggle")
		return
	}
	c.issue(ctx, args[0], action)
}

func (c *Console) issue(ctx context.Context, id string, action model.Action) {
	cmd, err := c.client.IssueCommand(id, action)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%s %s sent as %s (correlation id %s)\n", id, action, cmd.Sent, cmd.ID)
	go func() {
		result, err := cmd.Wait(ctx)
		if err != nil && !result.Status.Terminal() {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "[%s] %s failed: %v\n", cmd.ID, action, err)
			return
		}
		fmt.Fprintf(c.out, "[%s] %s acknowledged: %s\n", cmd.ID, action, result.State)
	}()
}

func (c *Console) cmdState() {
	pending, queued := c.client.CommandStats()
	fmt.Fprintf(c.out, "session:     %s\n", c.client.SessionState())
	fmt.Fprintf(c.out, "credentials: %s\n", c.client.CredentialStatus())
	fmt.Fprintf(c.out, "commands:    %d pending, %d queued\n", pending, queued)
}

func (c *Console) printChanges(ctx context.Context, sub *state.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C():
			if !ok {
				return
			}
			fmt.Fprintln(c.out, formatChange(change))
		}
	}
}

func formatChange(change state.Change) string {
	d := change.Device
	switch change.Kind {
	case state.ChangeState:
		source := d.Attributes[change.Attribute].Source
		return fmt.Sprintf("* %s %s=%s (%s)", d.ID, change.Attribute, d.Value(change.Attribute), source)
	case state.ChangeStale:
		if d.Stale {
			return fmt.Sprintf("* %s stale: %s", d.ID, d.StaleReason)
		}
		return fmt.Sprintf("* %s fresh", d.ID)
	default:
		return fmt.Sprintf("* %s door=%s light=%s", d.ID, d.Door, d.Light)
	}
}

func staleSuffix(d model.Device) string {
	if !d.Stale {
		return ""
	}
	return " [stale: " + d.StaleReason + "]"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
