// Command buildbox-runner is the thin CLI front-end over src/runner: it
// parses the flag surface described by spec.md's external interfaces
// section, wires up logging and a CAS client, and maps the runner core's
// result onto the process's own exit code.
package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/thought-machine/go-flags"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/buildboxgo/reapiclient/src/buildboxlog"
	"github.com/buildboxgo/reapiclient/src/remote"
	"github.com/buildboxgo/reapiclient/src/runner"
)

var log = logging.MustGetLogger("buildbox-runner")

// capabilityNames are the staging strategies this runner binary supports;
// printed by --capabilities, matching the C++ original's
// printSpecialCapabilities hook.
var capabilityNames = []string{"fallback-staging"}

var opts struct {
	Action           string                `short:"a" long:"action" required:"true" description:"Path to read the input Action from"`
	ActionResult     string                `long:"action-result" description:"Path to write the output ActionResult to"`
	WorkspacePath    string                `long:"workspace-path" description:"Scratch directory to stage the input root into"`
	LogLevel         buildboxlog.Verbosity `long:"log-level" default:"warning" description:"Logging verbosity: critical, error, warning, notice, info, debug"`
	LogFile          string                `long:"log-file" description:"File to additionally log to"`
	Verbose          bool                  `long:"verbose" description:"Equivalent to --log-level=debug"`
	Capabilities     bool                  `long:"capabilities" description:"Print the capability names this runner supports and exit"`

	Remote struct {
		Address           string `long:"remote" required:"true" description:"CAS/ByteStream server address, host:port"`
		Instance          string `long:"instance" description:"REAPI instance name"`
		Insecure          bool   `long:"insecure" description:"Disable transport security for the remote connection"`
		Compress          bool   `long:"compress" description:"Use zstd-compressed byte-stream resource names for single-blob transfers"`
		MetricsGatewayURL string `long:"metrics-gateway-url" description:"Prometheus pushgateway to push transfer/retry counters to on exit"`
	} `group:"CAS connection options"`
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if opts.Capabilities {
		for _, name := range capabilityNames {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	verbosity := opts.LogLevel
	if opts.Verbose {
		verbosity = buildboxlog.Debug
	}
	buildboxlog.InitLogging(verbosity)
	if opts.LogFile != "" {
		if err := buildboxlog.InitFileLogging(opts.LogFile, verbosity); err != nil {
			log.Errorf("%s", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	client, err := remote.New(ctx, remote.Options{
		Address:           opts.Remote.Address,
		Instance:          opts.Remote.Instance,
		Insecure:          opts.Remote.Insecure,
		Compress:          opts.Remote.Compress,
		MetricsGatewayURL: opts.Remote.MetricsGatewayURL,
	})
	if err != nil {
		log.Errorf("initializing CAS client: %s", err)
		os.Exit(1)
	}
	defer client.Close()

	result, err := runner.Run(ctx, runner.Args{
		Client:           client,
		ActionPath:       opts.Action,
		ActionResultPath: opts.ActionResult,
		WorkspacePath:    opts.WorkspacePath,
	})
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
	if result.Signal != 0 {
		os.Exit(result.Signal)
	}
	os.Exit(0)
}
