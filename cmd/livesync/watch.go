package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/eljojo/livesync/channels"
	"github.com/eljojo/livesync/config"
	"github.com/eljojo/livesync/hooks"
	"github.com/eljojo/livesync/messages"
	"github.com/eljojo/livesync/observed"
	"github.com/eljojo/livesync/rpc"
	"github.com/eljojo/livesync/transport"
	"github.com/eljojo/livesync/types"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
	"github.com/sirupsen/logrus"
)

// watch mirrors one live object and prints every state it reaches.
func watch(ctx context.Context, cfg config.Config, opts docopt.Opts) error {
	once, _ := opts.Bool("--once")
	minInterval, err := parseDuration(opts, "--min-interval")
	if err != nil {
		return err
	}
	settings := hooks.LiveObjectSettings{Once: once, MinUpdateInterval: minInterval}

	object, _ := opts.String("<object>")
	if object == "" {
		object = HostStats{}.LiveObjectID()
	}

	tr, err := openObserverTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	rt, err := newRuntime(tr, cfg)
	if err != nil {
		return err
	}
	defer rt.Stop()

	switch object {
	case HostStats{}.LiveObjectID():
		return follow(ctx, hooks.UseLiveObject[HostStats](rt, settings))
	case ProcessInfo{}.LiveObjectID():
		return follow(ctx, hooks.UseLiveObject[ProcessInfo](rt, settings))
	default:
		return fmt.Errorf("unknown object %q (try `livesync objects`)", object)
	}
}

func follow[T any](ctx context.Context, o *hooks.LiveObject[T]) error {
	defer o.Close()

	updates := o.Updates()
	logrus.Infof("[watch] waiting for %s", o.ObjectID())

	for {
		if err := updates.Changed(ctx); err != nil {
			if errors.Is(err, observed.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if value, ok := updates.BorrowAndUpdate().Get(); ok {
			printTable([]T{value})
		}
	}
}

type knownObject struct {
	ID      string `header:"object id"`
	Channel string `header:"change channel"`
	Type    string `header:"type"`
}

// listObjects asks the owner which objects it publishes.
func listObjects(ctx context.Context, cfg config.Config) error {
	tr, err := openObserverTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.InvokeTimeout)
	defer cancel()

	ids, err := discover(ctx, tr)
	if err != nil {
		return err
	}

	typeNames := map[types.ObjectID]string{
		channels.ObjectIDOf[HostStats]():   "HostStats",
		channels.ObjectIDOf[ProcessInfo](): "ProcessInfo",
	}
	for _, entry := range channels.Default.Entries() {
		typeNames[entry.ID] = entry.Type.String()
	}

	rows := make([]knownObject, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, knownObject{
			ID:      id.String(),
			Channel: channels.Change(id).String(),
			Type:    typeName(typeNames, id),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	printTable(rows)
	return nil
}

func typeName(names map[types.ObjectID]string, id types.ObjectID) string {
	if name, ok := names[id]; ok {
		return name
	}
	return "?"
}

type invocationResult struct {
	Op       string `header:"op"`
	Result   string `header:"result"`
	Received string `header:"at"`
}

// invoke runs a remote operation, once or every --interval.
func invoke(ctx context.Context, cfg config.Config, opts docopt.Opts) error {
	op, _ := opts.String("<op>")
	rawArgs, _ := opts.String("<args>")
	interval, err := parseDuration(opts, "--interval")
	if err != nil {
		return err
	}

	var args any
	if rawArgs != "" {
		if !json.Valid([]byte(rawArgs)) {
			return fmt.Errorf("args must be JSON, got %q", rawArgs)
		}
		args = json.RawMessage(rawArgs)
	}

	tr, err := openObserverTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	rt, err := newRuntime(tr, cfg)
	if err != nil {
		return err
	}
	defer rt.Stop()

	client, err := rpc.NewClient(rt, cfg.InvokeTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	cmd := hooks.UseCommand[json.RawMessage](ctx, client, op, args, hooks.CommandSettings{
		RevalidationInterval: interval,
		Log:                  rt.Log("invoke"),
	})
	defer cmd.Close()

	updates := cmd.Updates()
	for {
		if err := updates.Changed(ctx); err != nil {
			if errors.Is(err, observed.ErrClosed) || errors.Is(err, context.Canceled) {
				return commandErr(cmd.State())
			}
			return err
		}

		state := updates.BorrowAndUpdate()
		if state.IsError() {
			logrus.Warnf("[invoke] %s: %v", op, state.Err())
			continue
		}
		printTable([]invocationResult{{
			Op:       op,
			Result:   string(state.Unwrap()),
			Received: time.Now().Format(time.TimeOnly),
		}})
	}
}

func commandErr(state hooks.CommandState[json.RawMessage]) error {
	if state.IsError() {
		return state.Err()
	}
	return nil
}

// discover sends one discovery request and returns the first answer.
func discover(ctx context.Context, tr transport.Transport) ([]types.ObjectID, error) {
	sub, err := tr.Listen(ctx, channels.DiscoverResponse)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if err := tr.Emit(ctx, channels.DiscoverRequest, nil); err != nil {
		return nil, err
	}

	select {
	case payload, ok := <-sub.C():
		if !ok {
			return nil, errors.New("transport closed before the owner answered")
		}
		var ids messages.DiscoveryResponse
		if err := json.Unmarshal(payload, &ids); err != nil {
			return nil, fmt.Errorf("decode discovery response: %w", err)
		}
		return []types.ObjectID(ids), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no owner answered: %w", ctx.Err())
	}
}

func printTable(rows any) {
	printer := tableprinter.New(os.Stdout)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	printer.Print(rows)
}
