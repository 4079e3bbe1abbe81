package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/client"
)

type appendOptions struct {
	peers    []string
	stream   string
	expected int64
	typ      string
	data     []string
	timeout  time.Duration
}

type appendOutput struct {
	Code             string `json:"code"`
	Error            string `json:"error,omitempty"`
	FirstEventNumber int64  `json:"firstEventNumber"`
	LastEventNumber  int64  `json:"lastEventNumber"`
	CommitPosition   int64  `json:"commitPosition"`
	CurrentVersion   int64  `json:"currentVersion,omitempty"`
}

func newAppendCommand() *cobra.Command {
	opts := &appendOptions{}
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append events to a stream through the cluster leader",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAppend(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.peers, "peers", "p", []string{"127.0.0.1:7400"}, "gRPC addresses of the cluster nodes")
	flags.StringVarP(&opts.stream, "stream", "s", "", "target stream")
	flags.Int64Var(&opts.expected, "expected-version", int64(api.ExpectedVersionAny), "expected stream version (-2 any, -1 no stream, -4 stream exists)")
	flags.StringVarP(&opts.typ, "type", "t", "event", "event type")
	flags.StringArrayVarP(&opts.data, "data", "d", nil, "JSON payload, one event per flag")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func (o *appendOptions) events() ([]api.Event, error) {
	if len(o.data) == 0 {
		return nil, fmt.Errorf("at least one --data payload is required")
	}
	events := make([]api.Event, 0, len(o.data))
	for _, d := range o.data {
		d = strings.TrimSpace(d)
		events = append(events, api.Event{
			ID:     uuid.Must(uuid.NewV7()),
			Type:   o.typ,
			Data:   []byte(d),
			IsJSON: strings.HasPrefix(d, "{") || strings.HasPrefix(d, "["),
		})
	}
	return events, nil
}

func runAppend(cmd *cobra.Command, o *appendOptions) error {
	expected := api.ExpectedVersion(o.expected)
	if !expected.Valid() {
		return fmt.Errorf("invalid expected version %d", o.expected)
	}
	events, err := o.events()
	if err != nil {
		return err
	}

	c, closeFunc, err := client.Dial(o.peers, client.DefaultConfig(), cliLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = closeFunc() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	r, err := c.WriteEvents(ctx, o.stream, expected, events)

	out := appendOutput{
		Code:             api.ErrorCode(err),
		FirstEventNumber: r.FirstEventNumber,
		LastEventNumber:  r.LastEventNumber,
		CommitPosition:   int64(r.CommitPosition),
		CurrentVersion:   r.CurrentVersion,
	}
	if err != nil {
		out.Error = err.Error()
	}
	if perr := printJSON(cmd, out); perr != nil {
		return perr
	}
	return err
}

