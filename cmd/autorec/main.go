package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/autorec"
	"github.com/franksops/autorec/config"
	"github.com/franksops/autorec/runctx"
)

var log = logging.Logger("main")

const appName = "autorec"

var siteFlag = &cli.StringFlag{
	Name:      "site",
	Usage:     "site configuration file",
	EnvVars:   []string{"AUTOREC_SITE"},
	TakesFile: true,
}

func main() {
	app := &cli.App{
		Name:  appName,
		Usage: "send scanner data to a reconstruction host and collect the results",
		Description: `autorec run sends the inputs named by a recon's job file, starts the remote
   job, retrieves the results and pushes them to the scanner and any receivers.

   A symlink to autorec named after a recon runs that recon directly, passing
   the scanner's arguments through:

      ln -s autorec spiral
      ./spiral <pfile> <x> <x> <exam> <series> <x>`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level for all subsystems",
				EnvVars: []string{"GOLOG_LOG_LEVEL"},
				Value:   "warn",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			runCmd,
			conntestCmd,
		},
	}

	if err := app.Run(invocationArgs(os.Args)); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

// invocationArgs rewrites a call through a recon symlink into a run of that
// recon.
func invocationArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	name := filepath.Base(args[0])
	if name == appName {
		return args
	}
	return append([]string{appName, "run", "--recon", name, "--"}, args[1:]...)
}

var runCmd = &cli.Command{
	Name:      "run",
	Usage:     "perform one reconstruction run",
	ArgsUsage: "[pfile x x exam series x]",
	Flags: []cli.Flag{
		siteFlag,
		&cli.StringFlag{
			Name:     "recon",
			Usage:    "recon name; its directory under mod_dir holds job.toml and the hooks",
			Required: true,
		},
		&cli.StringFlag{
			Name:      "job",
			Usage:     "job file to use instead of the recon's job.toml",
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "show multi-destination pushes in a status view on stderr",
		},
	},
	Action: func(cctx *cli.Context) error {
		site, err := config.LoadSite(cctx.String("site"))
		if err != nil {
			return err
		}
		if err := site.Validate(); err != nil {
			return err
		}

		// Argument problems are reported before the run log exists.
		var early bytes.Buffer
		inv := autorec.ParseInvocation(cctx.String("recon"), cctx.Args().Slice(), runctx.New(&early))

		r := autorec.NewRun(site, inv, time.Now())
		if p := cctx.String("job"); p != "" {
			r.JobPath = p
		}
		runlog, err := r.OpenRunlog()
		if err != nil {
			return xerrors.Errorf("opening run log: %w", err)
		}
		defer runlog.Close()

		rt := runctx.New(io.MultiWriter(os.Stdout, runlog),
			runctx.WithDebug(site.Debug),
			runctx.WithPushConcurrency(site.PushConcurrency))
		if early.Len() > 0 {
			_, _ = rt.Write(early.Bytes())
		}
		if site.LocalOnly {
			rt.Printf("Remote pushes disabled for this run.")
		}
		if cctx.Bool("tui") {
			r.FanoutView = os.Stderr
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := r.Execute(ctx, rt); err != nil {
			rt.Printf("\nRun failed: %v", err)
			log.Errorw("run failed", "recon", inv.Recon, "examdir", r.ExamDir, "err", err)
			return cli.Exit("", 1)
		}
		return nil
	},
}

var conntestCmd = &cli.Command{
	Name:  "conntest",
	Usage: "test the connection to the reconstruction hosts",
	Flags: []cli.Flag{
		siteFlag,
		&cli.IntFlag{
			Name:  "calls",
			Usage: "number of round trips to time",
			Value: 20,
		},
		&cli.StringFlag{
			Name:  "probe-size",
			Usage: "size of the file stored and read back",
			Value: "1MiB",
		},
	},
	Action: func(cctx *cli.Context) error {
		site, err := config.LoadSite(cctx.String("site"))
		if err != nil {
			return err
		}
		if err := site.Validate(); err != nil {
			return err
		}
		size, err := humanize.ParseBytes(cctx.String("probe-size"))
		if err != nil {
			return xerrors.Errorf("parsing probe size: %w", err)
		}

		rt := runctx.New(os.Stdout,
			runctx.WithDebug(site.Debug),
			runctx.WithPushConcurrency(site.PushConcurrency))
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := autorec.ConnTest{
			Site:      site,
			Remote:    site.Remote(),
			Calls:     cctx.Int("calls"),
			ProbeSize: int64(size),
		}.Run(ctx, rt)
		if err != nil {
			return err
		}

		rt.Printf("\nHost:      %s", res.Host)
		rt.Printf("Connect:   %s", res.Connect.Round(time.Millisecond))
		rt.Printf("Per call:  %s (%d calls)", res.PerCall.Round(time.Microsecond), res.Calls)
		rt.Printf("Probe:     %s, md5 %s", humanize.Bytes(uint64(res.Stored)), res.Checksum)
		if res.Retrieved > 0 {
			rt.Printf("Retrieved: %s of test images", humanize.Bytes(uint64(res.Retrieved)))
		}
		return nil
	},
}
