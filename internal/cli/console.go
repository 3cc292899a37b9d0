// Package cli implements the interactive operator console of a run
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/orchestrator"

	"github.com/shopspring/decimal"
)

// Command names understood by the console
const (
	CmdStatus      = "status"
	CmdStop        = "stop"
	CmdUpdatePrice = "update_price"
	CmdUpdateQty   = "update_qty"
	CmdExtend      = "extend"
	CmdHelp        = "help"
)

// Controller is the part of the order manager the console drives
type Controller interface {
	Status() orchestrator.Status
	Stop(ctx context.Context) error
	UpdateParameters(ctx context.Context, p orchestrator.Params) error
	ExtendTimeout(d time.Duration) error
}

// Command is one parsed console line
type Command struct {
	Name     string
	Value    decimal.Decimal
	Duration time.Duration
}

var errUsage = errors.New("unknown command, type 'help' for available commands")

// Parse reads one console line. Blank lines parse to an empty command.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]
	switch name {
	case CmdStatus, CmdStop, CmdHelp:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%s takes no arguments", name)
		}
		return Command{Name: name}, nil

	case CmdUpdatePrice, CmdUpdateQty:
		if len(args) != 1 {
			return Command{}, fmt.Errorf("usage: %s <value>", name)
		}
		v, err := decimal.NewFromString(args[0])
		if err != nil {
			return Command{}, fmt.Errorf("invalid value %q: %w", args[0], err)
		}
		return Command{Name: name, Value: v}, nil

	case CmdExtend:
		if len(args) != 1 {
			return Command{}, fmt.Errorf("usage: %s <seconds>", name)
		}
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			return Command{}, fmt.Errorf("invalid seconds %q", args[0])
		}
		return Command{Name: name, Duration: time.Duration(secs) * time.Second}, nil
	}
	return Command{}, errUsage
}

// Console reads commands from in and writes replies to out
type Console struct {
	ctrl   Controller
	in     io.Reader
	out    io.Writer
	logger core.ILogger
}

// NewConsole creates a console for ctrl
func NewConsole(ctrl Controller, in io.Reader, out io.Writer, logger core.ILogger) *Console {
	return &Console{
		ctrl:   ctrl,
		in:     in,
		out:    out,
		logger: logger.WithField("component", "console"),
	}
}

// Run processes commands until the run ends, ctx is canceled, input is
// exhausted or the operator stops the run
func (c *Console) Run(ctx context.Context, done <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "=== Interactive Mode ===")
	fmt.Fprintln(c.out, "Commands: status, stop, update_price <price>, update_qty <qty>, extend <seconds>, help")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			fmt.Fprintln(c.out, "Strategy finished:", c.ctrl.Status().StopReason)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			stop, err := c.Execute(ctx, line)
			if err != nil {
				fmt.Fprintln(c.out, "Error:", err)
			}
			if stop {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether the console should exit
func (c *Console) Execute(ctx context.Context, line string) (bool, error) {
	cmd, err := Parse(line)
	if err != nil {
		return false, err
	}

	switch cmd.Name {
	case "":
		return false, nil
	case CmdStatus:
		c.printStatus(c.ctrl.Status())
	case CmdHelp:
		c.printHelp()
	case CmdStop:
		if err := c.ctrl.Stop(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "Strategy stopped")
		return true, nil
	case CmdUpdatePrice:
		if err := c.ctrl.UpdateParameters(ctx, orchestrator.Params{LimitPrice: &cmd.Value}); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "Limit price updated to", cmd.Value)
	case CmdUpdateQty:
		if err := c.ctrl.UpdateParameters(ctx, orchestrator.Params{TotalQuantity: &cmd.Value}); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "Target quantity updated to", c.ctrl.Status().Position.TargetQuantity)
	case CmdExtend:
		if err := c.ctrl.ExtendTimeout(cmd.Duration); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "Timeout extended by %s\n", cmd.Duration)
	}
	return false, nil
}

func (c *Console) printStatus(st orchestrator.Status) {
	p := st.Position
	fmt.Fprintln(c.out, "=== Strategy Status ===")
	fmt.Fprintf(c.out, "Running: %t (%s)\n", st.Running, st.State)
	fmt.Fprintf(c.out, "Token ID: %s\n", st.TokenID)
	fmt.Fprintf(c.out, "Strategy: %s [%s]\n", st.Strategy, st.StrategyState)
	fmt.Fprintf(c.out, "Limit: %s\n", st.LimitPrice)
	fmt.Fprintf(c.out, "Target: %s\n", p.TargetQuantity)
	fmt.Fprintf(c.out, "Filled: %s\n", p.FilledQuantity)
	fmt.Fprintf(c.out, "Remaining: %s\n", p.RemainingQuantity)
	fmt.Fprintf(c.out, "Pending: %s\n", p.PendingQuantity)
	fmt.Fprintf(c.out, "Avg Fill Price: %s\n", p.AveragePrice.StringFixed(4))
	if p.TargetQuantity.IsPositive() {
		pct := p.FilledQuantity.Div(p.TargetQuantity).Mul(decimal.NewFromInt(100))
		fmt.Fprintf(c.out, "Completion: %s%%\n", pct.StringFixed(1))
	}
	fmt.Fprintf(c.out, "Time Remaining: %.0f seconds\n", st.RemainingSeconds)
	if st.StopReason != "" {
		fmt.Fprintf(c.out, "Stop Reason: %s\n", st.StopReason)
	}
	if st.CriticalError != "" {
		fmt.Fprintf(c.out, "Critical Error: %s\n", st.CriticalError)
	}
	if len(st.PendingOrders) > 0 {
		fmt.Fprintln(c.out, "Pending Orders:")
		for _, o := range st.PendingOrders {
			id := o.OrderID
			if len(id) > 10 {
				id = id[:10] + "..."
			}
			fmt.Fprintf(c.out, "  %s @ %s x %s\n", id, o.Price.StringFixed(4), o.Size)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "Available Commands:")
	fmt.Fprintln(c.out, "  status                 - Show current strategy status")
	fmt.Fprintln(c.out, "  stop                   - Stop the strategy")
	fmt.Fprintln(c.out, "  update_price <price>   - Update limit price")
	fmt.Fprintln(c.out, "  update_qty <quantity>  - Update target quantity")
	fmt.Fprintln(c.out, "  extend <seconds>       - Extend the timeout")
	fmt.Fprintln(c.out, "  help                   - Show this help message")
}
