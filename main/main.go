package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
	"golang.org/x/xerrors"

	"github.com/april1989/specsfs/flags"
	"github.com/april1989/specsfs/go/dynsample"
	"github.com/april1989/specsfs/go/sfs"
)

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "prepare the graphs described by a fixture",
	ArgsUsage: `<fixture.yml>`,
	Description: `The run command extracts the constraint graph and cfg of a yml
fixture, unifies the constraint graph, loads the dynamic samples and
prints a summary.`,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "ptsto", Usage: "dynamic points-to log (default from config)"},
		cli.StringFlag{Name: "indir", Usage: "indirect-call log (default from config)"},
		cli.IntFlag{Name: "rounds", Value: -1, Usage: "unification rounds (default from config)"},
		cli.BoolFlag{Name: "renumber", Usage: "renumber identities before unifying"},
		cli.BoolFlag{Name: "check-clone", Usage: "verify the renumbered graphs"},
		cli.BoolFlag{Name: "print", Usage: "print the unified constraint graph and cfg"},
	},
	Action: func(context *cli.Context) error {
		if context.NArg() != 1 {
			return cli.NewExitError("run: need exactly one fixture", 2)
		}
		x, err := sfs.LoadFixture(context.Args().First())
		if err != nil {
			return err
		}
		config := &sfs.Config{
			Extractor:       x,
			PtstoLog:        stringFlag(context, "ptsto", flags.PtstoLog),
			IndirLog:        stringFlag(context, "indir", flags.IndirLog),
			Renumber:        flags.Renumber || context.Bool("renumber"),
			CheckClone:      flags.CheckClone || context.Bool("check-clone"),
			Rounds:          flags.Rounds,
			NoCycles:        flags.NoCycles,
			NoEquivalence:   flags.NoEquivalence,
			ValidateSamples: flags.ValidateSamples,
		}
		if r := context.Int("rounds"); r >= 0 {
			config.Rounds = r
		}
		res, err := sfs.Analyze(config)
		if err != nil {
			return err
		}
		res.Fprint(os.Stdout)
		if context.Bool("print") {
			fmt.Println("\nconstraints:")
			res.Constraints.Fprint(os.Stdout)
			fmt.Println("\ncfg:")
			res.CFG.Fprint(os.Stdout)
		}
		return nil
	},
}

var enumerateCommand = cli.Command{
	Name:      "enumerate",
	Usage:     "number the functions and indirect calls of Go packages",
	ArgsUsage: `<package>...`,
	Description: `The enumerate command builds SSA for the given packages and prints
the function and indirect-call numbering shared with the dynamic
samplers.  With --indir, the sampled targets of each call are printed
as well.`,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "indir", Usage: "indirect-call log to resolve"},
	},
	Action: func(context *cli.Context) error {
		prog, err := buildProgram(context.Args())
		if err != nil {
			return err
		}
		enum := dynsample.Enumerate(prog)
		enum.Fprint(os.Stdout)
		log.Infof("enumerated %d functions, %d indirect calls", len(enum.Funcs), len(enum.Calls))

		path := context.String("indir")
		if path == "" {
			return nil
		}
		targets, err := dynsample.LoadIndir(path, enum)
		if err != nil {
			return err
		}
		for i, site := range enum.Calls {
			for _, fn := range targets.Targets(site) {
				fmt.Printf("call %d -> %s\n", i, fn)
			}
		}
		return nil
	},
}

var ptstoCommand = cli.Command{
	Name:      "ptsto",
	Usage:     "summarize a dynamic points-to log",
	ArgsUsage: `[<dyn_ptsto.log>]`,
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "dump", Usage: "rewrite the log in canonical order to stdout"},
	},
	Action: func(context *cli.Context) error {
		path := flags.PtstoLog
		if context.NArg() > 0 {
			path = context.Args().First()
		}
		p, err := dynsample.LoadPtsto(path)
		if err != nil {
			return err
		}
		if !p.HasInfo() {
			fmt.Println("no samples: " + path)
			return nil
		}
		if context.Bool("dump") {
			return dynsample.WritePtsto(os.Stdout, p)
		}
		total := 0
		for _, val := range p.Values() {
			total += p.PointsTo(val).Len()
		}
		fmt.Println(strconv.Itoa(p.Len()) + " sampled values, " + strconv.Itoa(total) + " points-to facts")
		return nil
	},
}

func stringFlag(context *cli.Context, name, def string) string {
	if v := context.String(name); v != "" {
		return v
	}
	return def
}

// buildProgram loads and builds the SSA form of the named packages.
func buildProgram(args []string) (*ssa.Program, error) {
	cfg := &packages.Config{
		Mode:  packages.LoadAllSyntax, // the level of information returned for each package
		Dir:   "",                     // directory in which to run the build system's query tool
		Tests: false,                  // setting Tests will include related test packages
	}
	log.Info("Loading input packages...")
	initial, err := packages.Load(cfg, args...)
	if err != nil {
		return nil, xerrors.Errorf("load packages: %w", err)
	}
	if packages.PrintErrors(initial) > 0 {
		return nil, xerrors.New("packages contain errors")
	} else if len(initial) == 0 {
		return nil, xerrors.New("package list empty")
	}
	for nP, pkg := range initial {
		log.Debug(pkg.ID, pkg.GoFiles)
		log.Debug("Done  -- " + strconv.Itoa(nP+1) + " packages loaded")
	}

	prog, _ := ssautil.AllPackages(initial, 0)
	log.Info("Building SSA code for entire program...")
	prog.Build()
	log.Info("Done  -- SSA code built")
	return prog, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "specsfs"
	app.Usage = "graph substrate for sparse flow-sensitive points-to analysis"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.StringFlag{
			Name:  "config",
			Value: flags.DefaultConfigFile,
			Usage: "yml file with analysis settings",
		},
	}
	app.Commands = []cli.Command{
		runCommand,
		enumerateCommand,
		ptstoCommand,
	}
	app.Before = func(context *cli.Context) error {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
		if _, err := flags.DecodeYmlFile(context.String("config")); err != nil {
			return err
		}
		if flags.DoLog || context.Bool("debug") {
			flags.DoLog = true
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
