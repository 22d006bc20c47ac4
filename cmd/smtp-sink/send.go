package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/shineum/smtp-sink-lite/internal/parser"
)

// sendAction pushes each file through the same pipeline the SMTP endpoint
// uses. Files are processed independently; failures are reported together.
func sendAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return usageError("send: at least one FILE is required")
	}

	st, err := setup(c)
	if err != nil {
		return err
	}

	p, err := buildPipeline(c.Context, st)
	if err != nil {
		return err
	}

	var errs []error
	for _, path := range c.Args().Slice() {
		if err := sendFile(c, p, path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s: accepted\n", path)
	}

	st.logger.Info("send finished",
		"files", c.NArg(),
		"failed", len(errs),
		"processed_requests", p.gate.Processed(),
	)
	return errors.Join(errs...)
}

func sendFile(c *cli.Context, p *pipeline, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}
	return p.mailer.Send(c.Context, msg)
}
